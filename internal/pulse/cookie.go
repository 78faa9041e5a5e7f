package pulse

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	CookieLen = 256

	EnvCookie = "PULSE_COOKIE"
)

// LoadCookie picks the authentication cookie: explicit bytes, the configured
// path, PULSE_COOKIE, then ~/.config/pulse/cookie. When none of the implicit
// locations exist it returns an all-zero cookie, which servers running with
// anonymous auth accept.
func LoadCookie(cfg Config) ([]byte, error) {
	if len(cfg.Cookie) > 0 {
		return cfg.Cookie, nil
	}
	if cfg.CookiePath != "" {
		b, err := os.ReadFile(cfg.CookiePath)
		if err != nil {
			return nil, fmt.Errorf("pulse: read cookie: %w", err)
		}
		return b, nil
	}

	var candidates []string
	if p := os.Getenv(EnvCookie); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "pulse", "cookie"))
	}
	for _, p := range candidates {
		b, err := os.ReadFile(p)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pulse: read cookie: %w", err)
		}
	}
	return make([]byte, CookieLen), nil
}
