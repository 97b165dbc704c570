package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/realtime"
)

// CallRecord is one row of call_logs.
type CallRecord struct {
	ID         int64
	CallerID   string
	ReceiverID string
	Status     call.LogStatus
	StartTime  time.Time
	EndTime    *time.Time
	CreatedAt  time.Time
}

// CreateCallLog inserts a record and returns its id.
func (d *DB) CreateCallLog(callerID, receiverID string, status call.LogStatus) (int64, error) {
	if status == "" {
		status = call.LogMissed
	}
	if !status.Valid() {
		return 0, fmt.Errorf("invalid status %q", status)
	}
	if callerID == "" || receiverID == "" {
		return 0, errors.New("caller and receiver are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO call_logs (caller_id, receiver_id, status)
		VALUES (?, ?, ?)`, callerID, receiverID, string(status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateCallLog sets the status and, when end is non-nil, the end time.
func (d *DB) UpdateCallLog(id int64, status call.LogStatus, end *time.Time) (CallRecord, error) {
	if !status.Valid() {
		return CallRecord{}, fmt.Errorf("invalid status %q", status)
	}
	d.mu.Lock()
	var res sql.Result
	var err error
	if end != nil {
		res, err = d.db.Exec(`UPDATE call_logs SET status = ?, end_time = ? WHERE id = ?`,
			string(status), formatTime(*end), id)
	} else {
		res, err = d.db.Exec(`UPDATE call_logs SET status = ? WHERE id = ?`, string(status), id)
	}
	d.mu.Unlock()
	if err != nil {
		return CallRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return CallRecord{}, fmt.Errorf("call log %d: %w", id, ErrNotFound)
	}
	return d.GetCallLog(id)
}

// GetCallLog returns one record.
func (d *DB) GetCallLog(id int64) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT id, caller_id, receiver_id, status, start_time, end_time, created_at
		FROM call_logs WHERE id = ?`, id)
	r, err := scanCallRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("call log %d: %w", id, ErrNotFound)
	}
	return r, err
}

// CallHistory returns the calls userID took part in, newest first. limit <= 0
// means no limit.
func (d *DB) CallHistory(userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, caller_id, receiver_id, status, start_time, end_time, created_at
		FROM call_logs
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(s scanner) (CallRecord, error) {
	var r CallRecord
	var status string
	var start, end, created sql.NullString
	if err := s.Scan(&r.ID, &r.CallerID, &r.ReceiverID, &status, &start, &end, &created); err != nil {
		return CallRecord{}, err
	}
	r.Status = call.LogStatus(status)
	r.StartTime, _ = parseTime(start.String)
	r.CreatedAt, _ = parseTime(created.String)
	if end.Valid {
		if t, ok := parseTime(end.String); ok {
			r.EndTime = &t
		}
	}
	return r, nil
}

// ─── call.CallLog adapter ───────────────────────────────────────────────────

// CallLog stores the call log of one local user. It satisfies call.CallLog
// and call.HistorySource.
type CallLog struct {
	db     *DB
	selfID string
	limit  int
}

// NewCallLog returns a call log writing records with selfID as caller.
// History returns at most limit entries; limit <= 0 means all.
func NewCallLog(db *DB, selfID string, limit int) *CallLog {
	return &CallLog{db: db, selfID: selfID, limit: limit}
}

// Create implements call.CallLog. The id is qualified with the local
// identity because it travels to the callee as call_id.
func (c *CallLog) Create(ctx context.Context, receiverID string, status call.LogStatus) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := c.db.CreateCallLog(c.selfID, receiverID, status)
	if err != nil {
		return "", err
	}
	return c.selfID + ":" + strconv.FormatInt(id, 10), nil
}

// Update implements call.CallLog. Ids created by another peer's log are
// not ours to change and are ignored.
func (c *CallLog) Update(ctx context.Context, id string, status call.LogStatus, end *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i := strings.LastIndexByte(id, ':')
	if i < 0 || id[:i] != c.selfID {
		log.Debugf("call log %q belongs to another peer, not updating", id)
		return nil
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return fmt.Errorf("call log %q: %w", id, ErrNotFound)
	}
	_, err = c.db.UpdateCallLog(n, status, end)
	return err
}

// RecordInbound stores an ended inbound call. The caller logged it on its
// own side; this keeps the callee's history complete.
func (c *CallLog) RecordInbound(s call.Snapshot) error {
	if s.Direction != call.Inbound || s.State != call.StateEnded || s.PeerID == "" {
		return fmt.Errorf("not an ended inbound call")
	}
	status := call.LogMissed
	if s.Outcome == call.OutcomeAccepted {
		status = call.LogAccepted
	}
	start, end := s.StartedAt, s.EndedAt
	if start.IsZero() {
		start = time.Now()
	}
	if end.IsZero() {
		end = start
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	_, err := c.db.db.Exec(`
		INSERT INTO call_logs (caller_id, receiver_id, status, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.PeerID, c.selfID, string(status), formatTime(start), formatTime(end), formatTime(start))
	return err
}

// History implements call.HistorySource.
func (c *CallLog) History(ctx context.Context) ([]call.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, err := c.db.CallHistory(c.selfID, c.limit)
	if err != nil {
		return nil, err
	}
	out := make([]call.HistoryEntry, 0, len(recs))
	for _, r := range recs {
		e := call.HistoryEntry{
			ID:        realtime.LogID(strconv.FormatInt(r.ID, 10)),
			Type:      "incoming",
			Status:    r.Status,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		}
		other := r.CallerID
		if r.CallerID == c.selfID {
			e.Type = "outgoing"
			other = r.ReceiverID
		}
		e.OtherUser = &call.Party{ID: realtime.LogID(other), FullName: c.db.GetPeerName(other)}
		out = append(out, e)
	}
	return out, nil
}
