package furnivia

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func settings(t *testing.T) *Settings {
	t.Helper()
	res := t.TempDir()
	backend := filepath.Join(res, "backend")
	if err := os.MkdirAll(backend, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(backend, "main.py"), []byte("# app\n"), 0o600); err != nil {
		t.Fatalf("write main.py: %v", err)
	}
	py := filepath.Join(res, "python")
	if err := os.WriteFile(py, []byte("#!/bin/sh\necho ready\nexec sleep 30\n"), 0o700); err != nil { // #nosec G306
		t.Fatalf("write python: %v", err)
	}
	t.Setenv("FURNIVIA_DATA_DIR", t.TempDir())
	t.Setenv("FURNIVIA_RESOURCES_DIR", res)
	t.Setenv("FURNIVIA_BACKEND_PYTHON", py)
	t.Setenv("FURNIVIA_BACKEND_PORT", "18947")
	t.Setenv("FURNIVIA_BACKEND_SCANNER", "none")
	t.Setenv("FURNIVIA_BRIDGE_ENABLED", "false")
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	return s
}

func TestShellInvoke(t *testing.T) {
	s := settings(t)
	sh, err := New(context.Background(), s, WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sh.Close() }()

	if _, err := sh.Invoke(context.Background(), "open-file-dialog", nil); err == nil {
		t.Fatalf("expected channel outside the allow-list to be rejected")
	}
	p, err := sh.Invoke(context.Background(), "get-user-profile", nil)
	if err != nil {
		t.Fatalf("get-user-profile: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no profile, got %+v", p)
	}
	if _, err := sh.Invoke(context.Background(), "set-user-profile", []byte(`{"email":"ana@viarom.ro"}`)); err != nil {
		t.Fatalf("set-user-profile: %v", err)
	}
	if p, _ := sh.Invoke(context.Background(), "get-user-profile", nil); p == nil {
		t.Fatalf("expected stored profile")
	}
}

func TestShellSingleInstance(t *testing.T) {
	s := settings(t)
	sh, err := New(context.Background(), s, WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sh.Close() }()
	if _, err := New(context.Background(), s, WithRegistry(prometheus.NewRegistry())); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestShellRunUntilCancelled(t *testing.T) {
	requireUnix(t)
	s := settings(t)
	sh, err := New(context.Background(), s, WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sh.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sh.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !sh.Status().Backend.Running {
		if time.Now().After(deadline) {
			t.Fatalf("backend never started: %+v", sh.Status())
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if !sh.StopBackend(3 * time.Second) {
		t.Fatalf("backend still running after stop")
	}
	if st := sh.Status(); st.Backend.Running || st.Lifecycle != "exited" {
		t.Fatalf("unexpected status after quit: %+v", st)
	}
}
