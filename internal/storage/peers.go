package storage

import (
	"database/sql"
	"time"
)

// CachedPeer is the last display name seen for a remote peer.
type CachedPeer struct {
	PeerID      string
	DisplayName string
	LastSeen    time.Time
}

// UpsertPeerName records the display name a peer announced. An empty name
// only refreshes last_seen.
func (d *DB) UpsertPeerName(peerID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (peer_id, display_name, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name = '' THEN _peer_cache.display_name ELSE excluded.display_name END,
			last_seen    = CURRENT_TIMESTAMP`,
		peerID, name,
	)
	return err
}

// GetCachedPeer returns the cached record for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var lastSeen sql.NullString
	err := d.db.QueryRow(`
		SELECT peer_id, display_name, last_seen
		FROM _peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.DisplayName, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	p.LastSeen, _ = parseTime(lastSeen.String)
	return p, true
}

// GetPeerName returns the display name for a peer ID, or "" if unknown.
func (d *DB) GetPeerName(peerID string) string {
	p, _ := d.GetCachedPeer(peerID)
	return p.DisplayName
}

// ListCachedPeers returns all cached peers, most recently seen first.
func (d *DB) ListCachedPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, display_name, last_seen
		FROM _peer_cache ORDER BY last_seen DESC, peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var lastSeen sql.NullString
		if err := rows.Scan(&p.PeerID, &p.DisplayName, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen, _ = parseTime(lastSeen.String)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteCachedPeer forgets a peer.
func (d *DB) DeleteCachedPeer(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _peer_cache WHERE peer_id = ?`, peerID)
	return err
}
