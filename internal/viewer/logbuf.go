package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one go-log line split into its plaintext columns. Lines that
// do not parse keep everything in Msg.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Session   string    `json:"session,omitempty"`
	Msg       string    `json:"msg"`
}

// go-log's console encoder writes ISO 8601 with milliseconds.
const logTimeLayout = "2006-01-02T15:04:05.000Z0700"

var (
	sessionTag = regexp.MustCompile(`CALL \[([^\]]+)\]`)
	logLevels  = map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
		"DPANIC": true, "PANIC": true, "FATAL": true,
	}
)

// parseLogLine reads "ts<TAB>LEVEL<TAB>subsystem[<TAB>caller]<TAB>msg".
func parseLogLine(line string, now time.Time) LogEntry {
	e := LogEntry{TS: now, Msg: line}
	cols := strings.SplitN(line, "\t", 5)
	if len(cols) < 4 || !logLevels[cols[1]] {
		return e
	}
	if ts, err := time.Parse(logTimeLayout, cols[0]); err == nil {
		e.TS = ts
	}
	e.Level = strings.ToLower(cols[1])
	e.Subsystem = cols[2]
	if len(cols) == 5 {
		e.Caller, e.Msg = cols[3], cols[4]
	} else {
		e.Msg = cols[3]
	}
	if m := sessionTag.FindStringSubmatch(e.Msg); m != nil {
		e.Session = m[1]
	}
	return e
}

// logFilter narrows /api/logs by ?subsystem=, ?session= and ?level=
// (minimum level).
type logFilter struct {
	subsystem string
	session   string
	minLevel  int
}

var levelRank = map[string]int{"debug": 1, "info": 2, "warn": 3, "error": 4, "dpanic": 5, "panic": 6, "fatal": 7}

func filterFrom(r *http.Request) logFilter {
	q := r.URL.Query()
	return logFilter{
		subsystem: q.Get("subsystem"),
		session:   q.Get("session"),
		minLevel:  levelRank[strings.ToLower(q.Get("level"))],
	}
}

func (f logFilter) match(e LogEntry) bool {
	if f.subsystem != "" && e.Subsystem != f.subsystem {
		return false
	}
	if f.session != "" && e.Session != f.session {
		return false
	}
	return f.minLevel == 0 || levelRank[e.Level] >= f.minLevel
}

// LogBuffer keeps the recent log tail of this process and streams new
// lines to viewer clients.
type LogBuffer struct {
	entries *util.RingBuffer[LogEntry]

	mu      sync.Mutex
	partial bytes.Buffer
	subs    map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write takes raw go-log pipe output; partial lines wait for their newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// no newline yet: put the fragment back
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLogLine(line, time.Now())
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// ServeLogsJSON serves GET /api/logs. ?limit= keeps the newest n matches.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f := filterFrom(r)
	out := []LogEntry{}
	for _, e := range b.Snapshot() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// ServeLogsSSE serves GET /api/logs/stream with the same filters. Only new
// lines are sent.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	f := filterFrom(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: log\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
