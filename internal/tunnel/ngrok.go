package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTunnelUnavailable indicates no public URL materialized within the
// polling budget.
var ErrTunnelUnavailable = errors.New("tunnel: no public url within budget")

// Config carries the knobs for the ngrok manager.
type Config struct {
	Binary       string
	Region       string
	Authtoken    string
	APIURL       string
	PollAttempts int
	PollInterval time.Duration
}

// Manager spawns ngrok processes and resolves their public URLs through the
// local ngrok control API.
type Manager struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	authOnce sync.Once

	mu       sync.Mutex
	sessions map[int]*exec.Cmd

	// spawn builds the tunnel process for a port; swapped out in tests.
	spawn func(port int) *exec.Cmd
}

// New constructs a Manager.
func New(cfg Config, log *slog.Logger) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "ngrok"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:4040"
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 40
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		http:     &http.Client{Timeout: 5 * time.Second},
		log:      log,
		sessions: make(map[int]*exec.Cmd),
	}
	m.spawn = m.defaultSpawn
	return m
}

// Open exposes the local port through a public tunnel and returns its URL.
// The spawned process is killed when no URL materializes in the budget, so a
// failed provision never leaks a tunnel process.
func (m *Manager) Open(ctx context.Context, port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	m.ensureAuthtoken()

	cmd := m.spawn(port)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start tunnel process: %w", err)
	}

	publicURL, err := m.awaitTunnel(ctx, port)
	if err != nil {
		m.terminate(cmd)
		return "", err
	}

	m.mu.Lock()
	m.sessions[port] = cmd
	m.mu.Unlock()
	// Reap the process whenever it exits so a dead tunnel never lingers as
	// a zombie.
	go func() { _ = cmd.Wait() }()

	m.log.Info("tunnel established", "port", port, "url", publicURL)
	return publicURL, nil
}

// Close terminates the tunnel session for the port, if one is tracked.
func (m *Manager) Close(port int) error {
	m.mu.Lock()
	cmd, ok := m.sessions[port]
	delete(m.sessions, port)
	m.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill tunnel for port %d: %w", port, err)
	}
	return nil
}

func (m *Manager) awaitTunnel(ctx context.Context, port int) (string, error) {
	backoff := retry.WithMaxRetries(uint64(m.cfg.PollAttempts-1), retry.NewConstant(m.cfg.PollInterval))

	var publicURL string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		url, err := m.lookupTunnel(ctx, port)
		if err != nil {
			return retry.RetryableError(err)
		}
		publicURL = url
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrTunnelUnavailable, ctx.Err())
		}
		return "", fmt.Errorf("%w after %d attempts: %v", ErrTunnelUnavailable, m.cfg.PollAttempts, err)
	}
	return publicURL, nil
}

// lookupTunnel asks the control API for an http tunnel forwarding to the
// port. Matching on the forwarded address keeps concurrent environments from
// stealing each other's URLs.
func (m *Manager) lookupTunnel(ctx context.Context, port int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.APIURL+"/api/tunnels", nil)
	if err != nil {
		return "", err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("control api returned status %d", resp.StatusCode)
	}

	var payload struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
			Config    struct {
				Addr string `json:"addr"`
			} `json:"config"`
		} `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode tunnels: %w", err)
	}

	suffix := ":" + strconv.Itoa(port)
	for _, t := range payload.Tunnels {
		if t.Proto != "http" && t.Proto != "https" {
			continue
		}
		if t.Config.Addr == "" || strings.HasSuffix(t.Config.Addr, suffix) {
			if t.PublicURL != "" {
				return t.PublicURL, nil
			}
		}
	}
	return "", fmt.Errorf("no tunnel for port %d yet", port)
}

// ensureAuthtoken writes the authtoken into the ngrok config once per
// process. Failures are logged and swallowed; an already-configured binary
// works without it.
func (m *Manager) ensureAuthtoken() {
	m.authOnce.Do(func() {
		if m.cfg.Authtoken == "" {
			return
		}
		cmd := exec.Command(m.cfg.Binary, "config", "add-authtoken", m.cfg.Authtoken)
		if output, err := cmd.CombinedOutput(); err != nil {
			m.log.Warn("configure tunnel authtoken failed", "error", err, "output", strings.TrimSpace(string(output)))
		}
	})
}

func (m *Manager) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err == nil || errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Wait()
	}
}

func (m *Manager) defaultSpawn(port int) *exec.Cmd {
	args := []string{"http", strconv.Itoa(port)}
	if m.cfg.Region != "" {
		args = append(args, "--region", m.cfg.Region)
	}
	return exec.Command(m.cfg.Binary, args...)
}
