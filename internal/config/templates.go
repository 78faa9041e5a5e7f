package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns an example configuration in format, "toml" or "yaml".
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml", "":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `server = "${PULSE_SERVER:-tcp:audio:4317}"
cookie = "${PULSE_COOKIE:-}"
client_name = "audioctl"
debounce = "100ms"
request_timeout = "5s"
connect_timeout = "5s"
write_timeout = "5s"
max_connect_attempts = 0
metrics_addr = "127.0.0.1:9464"
api_token = "${AUDIOCTL_API_TOKEN:-}"

[backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true
linear = false
`

const yamlTemplate = `server: "${PULSE_SERVER:-tcp:audio:4317}"
cookie: "${PULSE_COOKIE:-}"
client_name: audioctl
debounce: 100ms
request_timeout: 5s
connect_timeout: 5s
write_timeout: 5s
max_connect_attempts: 0
metrics_addr: "127.0.0.1:9464"
api_token: "${AUDIOCTL_API_TOKEN:-}"
backoff:
  initial: 250ms
  multiplier: 2.0
  max: 5s
  jitter: true
  linear: false
`
