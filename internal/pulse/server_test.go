package pulse

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/balena-io-experimental/audio/internal/testutil/testlog"
)

func TestParseServerString(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   string
		want []Address
	}{
		{in: "unix:/run/pulse/native", want: []Address{{Network: "unix", Addr: "/run/pulse/native"}}},
		{in: "/tmp/pulse.sock", want: []Address{{Network: "unix", Addr: "/tmp/pulse.sock"}}},
		{in: "tcp:audio:4317", want: []Address{{Network: "tcp", Addr: "audio:4317"}}},
		{in: "tcp:audio", want: []Address{{Network: "tcp", Addr: "audio:4713"}}},
		{in: "tcp4:10.0.0.2", want: []Address{{Network: "tcp4", Addr: "10.0.0.2:4713"}}},
		{in: "tcp6:[::1]:5000", want: []Address{{Network: "tcp6", Addr: "[::1]:5000"}}},
		{in: "tcp6:[::1]", want: []Address{{Network: "tcp6", Addr: "[::1]:4713"}}},
		{in: "gurki", want: []Address{{Network: "tcp", Addr: "gurki:4713"}}},
		{in: "{box}unix:/s tcp:h:1", want: []Address{
			{Host: "box", Network: "unix", Addr: "/s"},
			{Network: "tcp", Addr: "h:1"},
		}},
		{in: "{broken unix: {box}", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := ParseServerString(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("entry %d: got %+v want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestResolveServer(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvServer, "tcp:from-env:1234")
	t.Setenv(EnvRuntimeDir, "/run/user/1000")

	addrs, err := ResolveServer("")
	if err != nil || len(addrs) != 1 || addrs[0].Addr != "from-env:1234" {
		t.Fatalf("env server: %+v %v", addrs, err)
	}
	addrs, err = ResolveServer("unix:/explicit")
	if err != nil || addrs[0].Addr != "/explicit" {
		t.Fatalf("explicit server: %+v %v", addrs, err)
	}

	t.Setenv(EnvServer, "")
	addrs, err = ResolveServer("")
	if err != nil || addrs[0] != (Address{Network: "unix", Addr: "/run/user/1000/pulse/native"}) {
		t.Fatalf("default server: %+v %v", addrs, err)
	}

	if _, err := ResolveServer("{not-this-host-surely}tcp:h:1"); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
	host, _ := os.Hostname()
	addrs, err = ResolveServer("{" + host + "}tcp:h:1")
	if err != nil || len(addrs) != 1 {
		t.Fatalf("own host entry should be kept: %+v %v", addrs, err)
	}
}

func TestLoadCookie(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv(EnvCookie, "")

	explicit := []byte{1, 2, 3}
	if got, err := LoadCookie(Config{Cookie: explicit}); err != nil || string(got) != string(explicit) {
		t.Fatalf("explicit cookie: %v %v", got, err)
	}

	got, err := LoadCookie(Config{})
	if err != nil || len(got) != CookieLen {
		t.Fatalf("anonymous cookie: len=%d err=%v", len(got), err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("anonymous cookie must be zero")
		}
	}

	home := filepath.Join(dir, ".config", "pulse")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "cookie"), []byte("home"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, _ := LoadCookie(Config{}); string(got) != "home" {
		t.Fatalf("home cookie: %q", got)
	}

	envPath := filepath.Join(dir, "env-cookie")
	if err := os.WriteFile(envPath, []byte("env"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvCookie, envPath)
	if got, _ := LoadCookie(Config{}); string(got) != "env" {
		t.Fatalf("env cookie: %q", got)
	}

	cfgPath := filepath.Join(dir, "cfg-cookie")
	if err := os.WriteFile(cfgPath, []byte("cfg"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, _ := LoadCookie(Config{CookiePath: cfgPath}); string(got) != "cfg" {
		t.Fatalf("configured cookie: %q", got)
	}
	if _, err := LoadCookie(Config{CookiePath: filepath.Join(dir, "missing")}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing configured cookie should fail, got %v", err)
	}
}
