package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calllog"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/storage"
)

func TestNormalizeLocalViewer(t *testing.T) {
	for in, want := range map[string]string{
		":8790":          "127.0.0.1:8790",
		"0.0.0.0:8790":   "127.0.0.1:8790",
		"[::]:8790":      "[::1]:8790",
		"127.0.0.1:9000": "127.0.0.1:9000",
	} {
		addr, url, ok := NormalizeLocalViewer(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, addr, in)
		assert.Equal(t, "http://"+want, url, in)
	}
	_, _, ok := NormalizeLocalViewer("  ")
	assert.False(t, ok)
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	assert.NoError(t, WaitTCP(ln.Addr().String(), time.Second))

	addr := ln.Addr().String()
	ln.Close()
	assert.Error(t, WaitTCP(addr, 300*time.Millisecond))
}

func TestResolveIdentity(t *testing.T) {
	id, err := resolveIdentity(config.Identity{SelfID: "9", Token: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, "9", id, "explicit self_id wins")

	_, err = resolveIdentity(config.Identity{})
	assert.Error(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	id, err = resolveIdentity(config.Identity{Token: tok})
	require.NoError(t, err, "expired tokens still name the user")
	assert.Equal(t, "42", id)

	_, err = resolveIdentity(config.Identity{Token: "not-a-jwt"})
	assert.Error(t, err)
}

func TestCallLogFor(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	defer db.Close()
	local := storage.NewCallLog(db, "alice", 0)

	cfg := config.Default()
	sink, hist, err := callLogFor(cfg, local)
	require.NoError(t, err)
	assert.IsType(t, &calllog.Client{}, sink)
	assert.IsType(t, &calllog.Client{}, hist)

	cfg.CallLog.Mode = config.CallLogLocal
	sink, hist, err = callLogFor(cfg, local)
	require.NoError(t, err)
	assert.Same(t, local, sink)
	assert.Same(t, local, hist)

	cfg.CallLog.Mode = config.CallLogOff
	sink, hist, err = callLogFor(cfg, local)
	require.NoError(t, err)
	assert.Nil(t, sink)
	assert.Same(t, local, hist)

	cfg.CallLog.Mode = config.CallLogRemote
	cfg.CallLog.URL = "ftp://example.com"
	_, _, err = callLogFor(cfg, local)
	assert.Error(t, err)
}

func TestFollowCallsCachesNamesOncePerSession(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	defer db.Close()

	ch := make(chan call.Snapshot)
	done := make(chan struct{})
	go func() {
		followCalls(context.Background(), ch, db)
		close(done)
	}()

	ringing := call.Snapshot{ID: "s1", State: call.StateInboundRinging, Direction: call.Inbound,
		PeerID: "bob", PeerName: "Bob"}
	ch <- ringing
	ch <- call.Snapshot{ID: "s1", State: call.StateEnded, PeerID: "bob"}
	// Unbuffered sends above guarantee the first snapshot was handled.
	require.NoError(t, db.UpsertPeerName("bob", "Robert"))

	active := ringing
	active.State = call.StateActive
	ch <- active
	ch <- active
	ch <- call.Snapshot{ID: "s1", State: call.StateEnded, PeerID: "bob"}
	assert.Equal(t, "Robert", db.GetPeerName("bob"), "same session and name is not written again")

	next := ringing
	next.ID = "s2"
	ch <- next
	close(ch)
	<-done
	assert.Equal(t, "Bob", db.GetPeerName("bob"))
}

func TestMirrorInbound(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	defer db.Close()
	local := storage.NewCallLog(db, "alice", 0)
	record := mirrorInbound(local)

	start := time.Now().Add(-time.Minute)
	record(call.Snapshot{ID: "s1", State: call.StateEnded, Direction: call.Inbound,
		PeerID: "bob", Outcome: call.OutcomeMissed, StartedAt: start, EndedAt: time.Now()})
	record(call.Snapshot{ID: "s2", State: call.StateEnded, Direction: call.Outbound,
		PeerID: "carol", Outcome: call.OutcomeAccepted})

	hist, err := local.History(context.Background())
	require.NoError(t, err)
	require.Len(t, hist, 1, "only inbound calls are mirrored")
	assert.Equal(t, "incoming", hist[0].Type)
	assert.Equal(t, call.LogMissed, hist[0].Status)
}
