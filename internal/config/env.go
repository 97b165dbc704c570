package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOOPCALL_"

// LoadEnv reads <dir>/.env into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays GOOPCALL_* variables on cfg. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	str("TOKEN", &cfg.Identity.Token)
	str("SELF_ID", &cfg.Identity.SelfID)
	str("DISPLAY_NAME", &cfg.Identity.DisplayName)
	str("SIGNALING_URL", &cfg.Signaling.URL)
	str("CALL_LOG_MODE", &cfg.CallLog.Mode)
	str("CALL_LOG_URL", &cfg.CallLog.URL)
	str("HTTP_ADDR", &cfg.Viewer.HTTPAddr)
	str("LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup(EnvPrefix + "ICE_SERVERS"); ok {
		cfg.Media.ICEServers = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.Viewer.AllowedOrigins = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
