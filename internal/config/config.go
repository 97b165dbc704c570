package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer directory.
const FileName = "goopcall.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Media     Media     `json:"media"`
	CallLog   CallLog   `json:"call_log"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// Access token issued by the chat server. Usually supplied through
	// GOOPCALL_TOKEN in .env rather than written to the file.
	Token string `json:"token,omitempty"`

	// SelfID overrides the token's sub claim.
	SelfID      string `json:"self_id,omitempty"`
	DisplayName string `json:"display_name"`
}

type Signaling struct {
	URL             string `json:"url"`
	DialTimeoutSec  int    `json:"dial_timeout_seconds"`
	ReconnectSec    int    `json:"reconnect_seconds"`
	WriteTimeoutSec int    `json:"write_timeout_seconds"`
}

type Media struct {
	ICEServers     []string `json:"ice_servers"`
	VideoMaxWidth  int      `json:"video_max_width"`
	VideoMaxHeight int      `json:"video_max_height"`
	VideoBitrate   int      `json:"video_bitrate"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`

	// ReceiveOnly lets a call proceed without local devices.
	ReceiveOnly bool `json:"receive_only"`
}

// Call log modes.
const (
	CallLogRemote = "remote"
	CallLogLocal  = "local"
	CallLogOff    = "off"
)

type CallLog struct {
	Mode              string `json:"mode"`
	URL               string `json:"url"`
	DBFile            string `json:"db_file"`
	TimeoutSec        int    `json:"timeout_seconds"`
	CorrelationWaitMs int    `json:"correlation_wait_ms"`
	HistoryLimit      int    `json:"history_limit"`
}

type Viewer struct {
	HTTPAddr       string   `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "",
		},
		Signaling: Signaling{
			URL:             "ws://127.0.0.1:8000/ws/chat/",
			DialTimeoutSec:  10,
			ReconnectSec:    3,
			WriteTimeoutSec: 5,
		},
		Media: Media{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:global.stun.twilio.com:3478",
			},
			VideoMaxWidth:          640,
			VideoMaxHeight:         480,
			VideoBitrate:           1_500_000,
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
		},
		CallLog: CallLog{
			Mode:              CallLogRemote,
			URL:               "http://127.0.0.1:8000/api/",
			DBFile:            "data/calls.db",
			TimeoutSec:        10,
			CorrelationWaitMs: 3000,
			HistoryLimit:      100,
		},
		Viewer: Viewer{
			HTTPAddr:       "127.0.0.1:8790",
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Signaling
	if err := validateURL(c.Signaling.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.DialTimeoutSec <= 0 {
		return errors.New("signaling.dial_timeout_seconds must be > 0")
	}
	if c.Signaling.ReconnectSec < 0 {
		return errors.New("signaling.reconnect_seconds must be >= 0")
	}
	if c.Signaling.WriteTimeoutSec <= 0 {
		return errors.New("signaling.write_timeout_seconds must be > 0")
	}

	// Media
	for _, s := range c.Media.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("media.ice_servers: %w", err)
		}
	}
	if c.Media.VideoMaxWidth <= 0 || c.Media.VideoMaxHeight <= 0 {
		return errors.New("media.video_max_width and video_max_height must be > 0")
	}
	if c.Media.VideoBitrate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}
	if c.Media.DisconnectedTimeoutSec <= 0 || c.Media.FailedTimeoutSec <= 0 {
		return errors.New("media.disconnected_timeout_seconds and failed_timeout_seconds must be > 0")
	}
	if c.Media.FailedTimeoutSec < c.Media.DisconnectedTimeoutSec {
		return errors.New("media.failed_timeout_seconds must be >= disconnected_timeout_seconds")
	}

	// Call log
	switch c.CallLog.Mode {
	case CallLogRemote:
		if err := validateURL(c.CallLog.URL, "http", "https"); err != nil {
			return fmt.Errorf("call_log.url: %w", err)
		}
	case CallLogLocal:
		if strings.TrimSpace(c.CallLog.DBFile) == "" {
			return errors.New("call_log.db_file is required in local mode")
		}
	case CallLogOff:
	default:
		return fmt.Errorf("call_log.mode must be %s, %s or %s", CallLogRemote, CallLogLocal, CallLogOff)
	}
	if c.CallLog.TimeoutSec <= 0 {
		return errors.New("call_log.timeout_seconds must be > 0")
	}
	if c.CallLog.CorrelationWaitMs < 0 {
		return errors.New("call_log.correlation_wait_ms must be >= 0")
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateICEServer(s string) error {
	for _, p := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return nil
		}
	}
	return fmt.Errorf("%q is not a stun/turn URL", s)
}

// Durations.

func (s Signaling) DialTimeout() time.Duration  { return time.Duration(s.DialTimeoutSec) * time.Second }
func (s Signaling) Reconnect() time.Duration    { return time.Duration(s.ReconnectSec) * time.Second }
func (s Signaling) WriteTimeout() time.Duration { return time.Duration(s.WriteTimeoutSec) * time.Second }

func (m Media) DisconnectedTimeout() time.Duration {
	return time.Duration(m.DisconnectedTimeoutSec) * time.Second
}
func (m Media) FailedTimeout() time.Duration { return time.Duration(m.FailedTimeoutSec) * time.Second }

func (c CallLog) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }
func (c CallLog) CorrelationWait() time.Duration {
	return time.Duration(c.CorrelationWaitMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Apply sets the global go-log level and any per-subsystem overrides.
func (l Log) Apply() error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	for name, s := range l.Subsystems {
		if err := logging.SetLogLevel(name, s); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}
	return nil
}
