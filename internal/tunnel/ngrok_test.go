package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

type spawnRecorder struct {
	cmd *exec.Cmd
}

func testManager(apiURL string, attempts int) (*Manager, *spawnRecorder) {
	m := New(Config{
		APIURL:       apiURL,
		PollAttempts: attempts,
		PollInterval: 10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := &spawnRecorder{}
	m.spawn = func(int) *exec.Cmd {
		rec.cmd = exec.Command("sleep", "60")
		return rec.cmd
	}
	return m, rec
}

func tunnelsResponse(addr, publicURL string) string {
	return fmt.Sprintf(`{"tunnels":[{"public_url":"%s","proto":"http","config":{"addr":"%s"}}]}`, publicURL, addr)
}

func waitForProcessGone(t *testing.T, rec *spawnRecorder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.cmd == nil || rec.cmd.Process == nil {
			return
		}
		if err := rec.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("tunnel process still running")
}

func TestOpenReturnsMatchingPublicURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tunnels" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(tunnelsResponse("http://localhost:8080", "https://abc.ngrok.app")))
	}))
	defer server.Close()

	m, _ := testManager(server.URL, 3)
	url, err := m.Open(context.Background(), 8080)
	if err != nil {
		t.Fatalf("expected url, got %v", err)
	}
	if url != "https://abc.ngrok.app" {
		t.Fatalf("unexpected url %q", url)
	}
	if err := m.Close(8080); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
}

func TestOpenKillsProcessWhenBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tunnels":[]}`))
	}))
	defer server.Close()

	m, spawned := testManager(server.URL, 3)
	_, err := m.Open(context.Background(), 8080)
	if !errors.Is(err, ErrTunnelUnavailable) {
		t.Fatalf("expected ErrTunnelUnavailable, got %v", err)
	}
	if spawned.cmd == nil || spawned.cmd.ProcessState == nil {
		t.Fatal("expected failed tunnel process to be reaped")
	}
}

func TestOpenIgnoresTunnelsForOtherPorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(tunnelsResponse("http://localhost:9999", "https://other.ngrok.app")))
	}))
	defer server.Close()

	m, spawned := testManager(server.URL, 2)
	_, err := m.Open(context.Background(), 8080)
	if !errors.Is(err, ErrTunnelUnavailable) {
		t.Fatalf("expected ErrTunnelUnavailable, got %v", err)
	}
	if spawned.cmd == nil || spawned.cmd.ProcessState == nil {
		t.Fatal("expected failed tunnel process to be reaped")
	}
}

func TestOpenIgnoresNonHTTPTunnels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tunnels":[{"public_url":"tcp://1.tcp.ngrok.io:1234","proto":"tcp","config":{"addr":"localhost:8080"}}]}`))
	}))
	defer server.Close()

	m, _ := testManager(server.URL, 2)
	if _, err := m.Open(context.Background(), 8080); !errors.Is(err, ErrTunnelUnavailable) {
		t.Fatalf("expected ErrTunnelUnavailable, got %v", err)
	}
}

func TestCloseTerminatesSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(tunnelsResponse("http://localhost:8080", "https://abc.ngrok.app")))
	}))
	defer server.Close()

	m, spawned := testManager(server.URL, 3)
	if _, err := m.Open(context.Background(), 8080); err != nil {
		t.Fatalf("expected open to succeed, got %v", err)
	}
	if err := m.Close(8080); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	waitForProcessGone(t, spawned)

	// Closing an unknown port is a no-op.
	if err := m.Close(8080); err != nil {
		t.Fatalf("expected repeat close to succeed, got %v", err)
	}
}
