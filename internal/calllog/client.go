// Package calllog talks to the chat backend's call-log REST API:
//
//	POST  calls/       {receiver_id, status}        -> {id, status}
//	PATCH calls/{id}   {status, end_time?}          -> {id, status, end_time}
//	GET   calls/                                    -> [entry...]
package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/realtime"
)

var log = logging.Logger("calllog")

// ErrNotFound matches a 404 from the backend.
var ErrNotFound = errors.New("call log not found")

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("call log API: %s: %s", e.Status, e.Detail)
	}
	return "call log API: " + e.Status
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	BaseURL string // e.g. http://localhost:8000/api/
	Timeout time.Duration

	// Token returns the bearer token for each request. It is called per
	// request so a refreshed token is picked up.
	Token func() string

	// MaxRetries bounds retries of 502/503/504 answers to PATCH and GET.
	// POST is never retried: the first attempt may have created the row.
	// 0 disables retries.
	MaxRetries     int
	RetryBaseDelay time.Duration

	HTTPClient *http.Client
}

// Client implements call.CallLog and call.HistorySource over HTTP.
type Client struct {
	base *url.URL
	cfg  Config
	hc   *http.Client
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("call log base URL is required")
	}
	raw := cfg.BaseURL
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("call log base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("call log base URL: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: base, cfg: cfg, hc: hc}, nil
}

type createRequest struct {
	ReceiverID realtime.LogID `json:"receiver_id"`
	Status     call.LogStatus `json:"status"`
}

type updateRequest struct {
	Status  call.LogStatus `json:"status"`
	EndTime *time.Time     `json:"end_time,omitempty"`
}

type logResponse struct {
	ID     realtime.LogID `json:"id"`
	Status call.LogStatus `json:"status"`
}

// Create implements call.CallLog.
func (c *Client) Create(ctx context.Context, receiverID string, status call.LogStatus) (string, error) {
	var out logResponse
	req := createRequest{ReceiverID: realtime.LogID(receiverID), Status: status}
	if err := c.do(ctx, http.MethodPost, "calls/", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("call log API: response without id")
	}
	log.Debugf("created call log %s -> %s (%s)", out.ID, receiverID, status)
	return string(out.ID), nil
}

// Update implements call.CallLog.
func (c *Client) Update(ctx context.Context, id string, status call.LogStatus, end *time.Time) error {
	if id == "" {
		return fmt.Errorf("update: %w", ErrNotFound)
	}
	req := updateRequest{Status: status}
	if end != nil {
		t := end.UTC()
		req.EndTime = &t
	}
	if err := c.do(ctx, http.MethodPatch, "calls/"+url.PathEscape(id), req, nil); err != nil {
		return err
	}
	log.Debugf("updated call log %s: %s", id, status)
	return nil
}

type wireParty struct {
	ID             realtime.LogID `json:"id"`
	Username       string         `json:"username"`
	FullName       string         `json:"full_name"`
	ProfilePicture string         `json:"profile_picture"`
}

type wireEntry struct {
	ID        realtime.LogID `json:"id"`
	Type      string         `json:"type"`
	Status    call.LogStatus `json:"status"`
	StartTime string         `json:"start_time"`
	EndTime   *string        `json:"end_time"`
	OtherUser *wireParty     `json:"other_user"`
}

// History implements call.HistorySource.
func (c *Client) History(ctx context.Context) ([]call.HistoryEntry, error) {
	var raw []wireEntry
	if err := c.do(ctx, http.MethodGet, "calls/", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]call.HistoryEntry, 0, len(raw))
	for _, w := range raw {
		e := call.HistoryEntry{ID: w.ID, Type: w.Type, Status: w.Status}
		e.StartTime, _ = ParseTime(w.StartTime)
		if w.EndTime != nil {
			if t, ok := ParseTime(*w.EndTime); ok {
				e.EndTime = &t
			}
		}
		if w.OtherUser != nil {
			e.OtherUser = &call.Party{
				ID:             w.OtherUser.ID,
				Username:       w.OtherUser.Username,
				FullName:       w.OtherUser.FullName,
				ProfilePicture: w.OtherUser.ProfilePicture,
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseTime reads the backend's timestamps, which may or may not carry a
// zone. Zoneless values are taken as UTC.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	u := c.base.ResolveReference(&url.URL{Path: path})
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, u.String(), payload)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		if retryable(method, resp.StatusCode) && attempt < c.cfg.MaxRetries {
			resp.Body.Close()
			delay := c.cfg.RetryBaseDelay << attempt
			log.Debugf("%s %s: %s, retrying in %s", method, path, resp.Status, delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		return decode(resp, out)
	}
}

func (c *Client) send(ctx context.Context, method, u string, payload []byte) (*http.Response, error) {
	var r io.Reader
	if payload != nil {
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != nil {
		if tok := c.cfg.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return c.hc.Do(req)
}

func retryable(method string, code int) bool {
	if method != http.MethodPatch && method != http.MethodGet {
		return false
	}
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
		var body struct {
			Detail json.RawMessage `json:"detail"`
		}
		if json.Unmarshal(data, &body) == nil && len(body.Detail) > 0 {
			var s string
			if json.Unmarshal(body.Detail, &s) == nil {
				apiErr.Detail = s
			} else {
				apiErr.Detail = string(body.Detail)
			}
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("call log API: decode: %w", err)
	}
	return nil
}
