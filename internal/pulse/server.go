package pulse

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultTCPPort = 4713

	EnvServer     = "PULSE_SERVER"
	EnvRuntimeDir = "XDG_RUNTIME_DIR"
)

var ErrNoServer = errors.New("pulse: no usable server address")

// Address is one dialable entry of a server string.
type Address struct {
	// Host restricts the entry to a machine with this hostname.
	Host    string
	Network string
	Addr    string
}

func (a Address) String() string {
	return a.Network + ":" + a.Addr
}

// ParseServerString splits a whitespace separated PulseAudio server string
// into addresses, skipping entries it cannot use.
func ParseServerString(s string) []Address {
	var out []Address
	for _, field := range strings.Fields(s) {
		if a, ok := parseAddress(field); ok {
			out = append(out, a)
		}
	}
	return out
}

func parseAddress(s string) (Address, bool) {
	var a Address
	if strings.HasPrefix(s, "{") {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return Address{}, false
		}
		a.Host = s[1:end]
		s = s[end+1:]
	}
	switch {
	case s == "":
		return Address{}, false
	case strings.HasPrefix(s, "/"):
		a.Network, a.Addr = "unix", s
	case strings.HasPrefix(s, "unix:"):
		a.Network, a.Addr = "unix", strings.TrimPrefix(s, "unix:")
	case strings.HasPrefix(s, "tcp6:"):
		a.Network, a.Addr = "tcp6", withPort(strings.TrimPrefix(s, "tcp6:"))
	case strings.HasPrefix(s, "tcp4:"):
		a.Network, a.Addr = "tcp4", withPort(strings.TrimPrefix(s, "tcp4:"))
	case strings.HasPrefix(s, "tcp:"):
		a.Network, a.Addr = "tcp", withPort(strings.TrimPrefix(s, "tcp:"))
	default:
		a.Network, a.Addr = "tcp", withPort(s)
	}
	if a.Addr == "" {
		return Address{}, false
	}
	return a, true
}

func withPort(hostport string) string {
	if hostport == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(DefaultTCPPort))
}

// DefaultAddress is the per-user native socket.
func DefaultAddress() Address {
	dir := os.Getenv(EnvRuntimeDir)
	if dir == "" {
		dir = filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
	}
	return Address{Network: "unix", Addr: filepath.Join(dir, "pulse", "native")}
}

// ResolveServer returns the addresses to try for server, honouring
// PULSE_SERVER when server is empty. Entries pinned to another host are
// dropped.
func ResolveServer(server string) ([]Address, error) {
	var addrs []Address
	switch {
	case strings.TrimSpace(server) != "":
		addrs = ParseServerString(server)
	case os.Getenv(EnvServer) != "":
		addrs = ParseServerString(os.Getenv(EnvServer))
	default:
		addrs = []Address{DefaultAddress()}
	}

	hostname, _ := os.Hostname()
	out := addrs[:0]
	for _, a := range addrs {
		if a.Host != "" && a.Host != hostname {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ErrNoServer
	}
	return out, nil
}
