package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, schemaVersion, db.Meta("schema_version"))
	assert.Equal(t, "", db.Meta("missing"))

	again, err := Open(db.Path())
	require.NoError(t, err, "reopening an existing database")
	again.Close()
}

func TestCallLogLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateCallLog("alice", "bob", "")
	require.NoError(t, err)

	r, err := db.GetCallLog(id)
	require.NoError(t, err)
	assert.Equal(t, call.LogMissed, r.Status)
	assert.Nil(t, r.EndTime)
	assert.False(t, r.StartTime.IsZero())

	r, err = db.UpdateCallLog(id, call.LogAccepted, nil)
	require.NoError(t, err)
	assert.Equal(t, call.LogAccepted, r.Status)
	assert.Nil(t, r.EndTime)

	end := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	r, err = db.UpdateCallLog(id, call.LogAccepted, &end)
	require.NoError(t, err)
	require.NotNil(t, r.EndTime)
	assert.True(t, end.Equal(*r.EndTime))
}

func TestCallLogRejectsBadInput(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateCallLog("alice", "bob", "ringing")
	assert.Error(t, err)
	_, err = db.CreateCallLog("alice", "", call.LogMissed)
	assert.Error(t, err)

	_, err = db.UpdateCallLog(999, call.LogMissed, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetCallLog(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeerNameCache(t *testing.T) {
	db := openTestDB(t)

	assert.Equal(t, "", db.GetPeerName("bob"))
	require.NoError(t, db.UpsertPeerName("bob", "Bob B."))
	assert.Equal(t, "Bob B.", db.GetPeerName("bob"))

	require.NoError(t, db.UpsertPeerName("bob", ""), "empty name keeps the old one")
	assert.Equal(t, "Bob B.", db.GetPeerName("bob"))

	require.NoError(t, db.UpsertPeerName("carol", "Carol"))
	peers, err := db.ListCachedPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	require.NoError(t, db.DeleteCachedPeer("bob"))
	_, ok := db.GetCachedPeer("bob")
	assert.False(t, ok)
}

func TestCallLogAdapterHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertPeerName("bob", "Bob"))

	alice := NewCallLog(db, "alice", 0)
	id, err := alice.Create(ctx, "bob", call.LogMissed)
	require.NoError(t, err)
	require.NoError(t, alice.Update(ctx, id, call.LogAccepted, nil))

	_, err = db.CreateCallLog("carol", "alice", call.LogRejected)
	require.NoError(t, err)
	_, err = db.CreateCallLog("bob", "carol", call.LogMissed)
	require.NoError(t, err)

	hist, err := alice.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 2, "only calls alice took part in")

	assert.Equal(t, "incoming", hist[0].Type)
	assert.Equal(t, call.LogRejected, hist[0].Status)
	assert.Equal(t, "carol", string(hist[0].OtherUser.ID))

	assert.Equal(t, "outgoing", hist[1].Type)
	assert.Equal(t, "alice:"+string(hist[1].ID), id)
	assert.Equal(t, call.LogAccepted, hist[1].Status)
	assert.Equal(t, "Bob", hist[1].OtherUser.FullName)

	limited := NewCallLog(db, "alice", 1)
	hist, err = limited.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	assert.ErrorIs(t, alice.Update(ctx, "alice:x", call.LogMissed, nil), ErrNotFound)
}

func TestCallLogAdapterIgnoresForeignIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	bob := NewCallLog(db, "bob", 0)
	id, err := bob.Create(ctx, "alice", call.LogMissed)
	require.NoError(t, err)
	assert.Equal(t, "bob:1", id)

	alice := NewCallLog(db, "alice", 0)
	require.NoError(t, alice.Update(ctx, id, call.LogAccepted, nil))
	require.NoError(t, alice.Update(ctx, "17", call.LogAccepted, nil))

	r, err := db.GetCallLog(1)
	require.NoError(t, err)
	assert.Equal(t, call.LogMissed, r.Status, "alice cannot touch bob's record")
}

func TestRecordInbound(t *testing.T) {
	db := openTestDB(t)
	alice := NewCallLog(db, "alice", 0)

	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, alice.RecordInbound(call.Snapshot{
		State: call.StateEnded, Direction: call.Inbound, PeerID: "bob",
		Outcome: call.OutcomeAccepted, StartedAt: start, EndedAt: start.Add(time.Minute),
	}))
	assert.Error(t, alice.RecordInbound(call.Snapshot{State: call.StateEnded, Direction: call.Outbound, PeerID: "bob"}))

	hist, err := alice.History(context.Background())
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "incoming", hist[0].Type)
	assert.Equal(t, call.LogAccepted, hist[0].Status)
	assert.True(t, start.Equal(hist[0].StartTime))
	require.NotNil(t, hist[0].EndTime)
	assert.Equal(t, time.Minute, hist[0].EndTime.Sub(start))
}
