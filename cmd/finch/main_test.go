package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()

	for _, want := range []string{"usage: finch", "serve", "status", "version", "-quiet"} {
		if !strings.Contains(out, want) {
			t.Errorf("usage output missing %q: %q", want, out)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9301", true},
		{"localhost:9301", true},
		{"[::1]:9301", true},
		{"0.0.0.0:9301", false},
		{"192.168.1.10:9301", false},
		{"example.com:9301", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{Op: "listen", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	if !isAddrInUse(inUse) {
		t.Error("EADDRINUSE not recognized")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Error("unrelated error reported as in use")
	}
}

func TestBindHint(t *testing.T) {
	if hint := bindHint("127.0.0.1:9301"); !strings.Contains(hint, "9301") {
		t.Errorf("hint does not name the port: %q", hint)
	}
	if hint := bindHint("garbage"); !strings.Contains(hint, "garbage") {
		t.Errorf("hint does not name the address: %q", hint)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nFINCH_TEST_DOTENV=from-file\nFINCH_TEST_PRESET=from-file\n\nNOEQUALS\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FINCH_TEST_PRESET", "from-env")
	os.Unsetenv("FINCH_TEST_DOTENV")
	defer os.Unsetenv("FINCH_TEST_DOTENV")

	loadDotEnv(path)

	if got := os.Getenv("FINCH_TEST_DOTENV"); got != "from-file" {
		t.Errorf("FINCH_TEST_DOTENV = %q, want %q", got, "from-file")
	}
	if got := os.Getenv("FINCH_TEST_PRESET"); got != "from-env" {
		t.Errorf("existing env var overridden: got %q", got)
	}
}
