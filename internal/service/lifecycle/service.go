package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/branchbox/branchbox/internal/domain"
	"github.com/branchbox/branchbox/internal/driver"
	"github.com/branchbox/branchbox/internal/repository"
	"github.com/branchbox/branchbox/internal/workspace"
)

var (
	// ErrBranchRequired indicates a provision request without a branch.
	ErrBranchRequired = errors.New("lifecycle: branch required")
	// ErrIDRequired indicates a destroy request without an environment id.
	ErrIDRequired = errors.New("lifecycle: environment id required")
	// ErrServiceNotAllowed indicates a service name outside the allow-list.
	ErrServiceNotAllowed = errors.New("lifecycle: service not allowed")
)

// RollbackError wraps a provisioning failure whose cleanup could not fully
// remove the resources created before the failure point. The original cause
// stays reachable through Unwrap; Failures names what was left behind.
type RollbackError struct {
	Cause    error
	Failures []string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v (rollback incomplete: %s)", e.Cause, strings.Join(e.Failures, "; "))
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// VCSClient resolves branches and materializes checkouts.
type VCSClient interface {
	ResolveBranch(ctx context.Context, branch string) (string, error)
	Checkout(ctx context.Context, workdir, branch string) error
}

// StackRuntime launches and tears down runnable units.
type StackRuntime interface {
	Detect(workdir string) driver.Kind
	Launch(ctx context.Context, spec driver.Spec) error
	Teardown(ctx context.Context, spec driver.Spec) error
}

// TunnelManager exposes local ports through public tunnels.
type TunnelManager interface {
	Open(ctx context.Context, port int) (string, error)
	Close(port int) error
}

// EventSink receives lifecycle notifications for streaming to subscribers.
type EventSink interface {
	Publish(event Event)
}

// Event types published to the sink.
const (
	EventProvisioned = "environment.provisioned"
	EventDestroyed   = "environment.destroyed"
)

// Event describes one lifecycle transition.
type Event struct {
	Type          string    `json:"type"`
	EnvironmentID string    `json:"environment_id"`
	Branch        string    `json:"branch"`
	PublicURL     string    `json:"public_url,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// EnvironmentStatus is a read-only record snapshot with derived expiry info.
type EnvironmentStatus struct {
	domain.Environment
	MinutesRemaining int
}

// Config carries the tunables for the lifecycle service.
type Config struct {
	AllowedServices []string
	DefaultTTL      time.Duration
	GitTimeout      time.Duration
	BuildTimeout    time.Duration
	// ServicePort is the conventional application port: the fixed host port
	// of a compose stack and the in-container port of a single image.
	ServicePort int
}

// Service owns the environment state machine: it is the only component that
// creates, mutates or removes environment records.
type Service struct {
	store    repository.EnvironmentRepository
	vcs      VCSClient
	runtime  StackRuntime
	tunnels  TunnelManager
	workdirs *workspace.Manager
	ports    *PortAllocator
	events   EventSink
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New constructs the lifecycle service.
func New(
	store repository.EnvironmentRepository,
	vcs VCSClient,
	runtime StackRuntime,
	tunnels TunnelManager,
	workdirs *workspace.Manager,
	ports *PortAllocator,
	events EventSink,
	cfg Config,
	log *slog.Logger,
) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 2 * time.Hour
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = 2 * time.Minute
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.ServicePort <= 0 {
		cfg.ServicePort = 8080
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		vcs:      vcs,
		runtime:  runtime,
		tunnels:  tunnels,
		workdirs: workdirs,
		ports:    ports,
		events:   events,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Provision builds, runs and exposes a preview environment for the branch.
// The record is committed only once everything is up; any earlier failure
// rolls back the resources created so far and leaves no trace.
func (s *Service) Provision(ctx context.Context, branch, service string, ttlMinutes int) (*domain.Environment, error) {
	// A caller that disconnects must not abandon a half-built environment;
	// per-stage timeouts bound the work instead of the request context.
	ctx = context.WithoutCancel(ctx)

	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, ErrBranchRequired
	}
	service = strings.TrimSpace(service)
	if !s.serviceAllowed(service) {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotAllowed, service)
	}

	commit, err := s.vcs.ResolveBranch(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	env, err := s.provisionAttempt(ctx, branch, service, commit, ttlMinutes)
	if err != nil && isIdentityConflict(err) {
		// A colliding id is vanishingly rare with the random suffix, but the
		// store enforces uniqueness defensively; one fresh attempt gets a
		// fresh suffix.
		s.log.Warn("environment identity conflict, retrying once", "branch", branch, "error", err)
		env, err = s.provisionAttempt(ctx, branch, service, commit, ttlMinutes)
	}
	if err != nil {
		return nil, err
	}

	s.publish(EventProvisioned, env, "")
	s.log.Info("environment provisioned",
		"environment_id", env.ID,
		"branch", env.Branch,
		"commit", env.Commit,
		"port", env.Port,
		"url", env.PublicURL,
		"expires_at", env.ExpiresAt,
	)
	return env, nil
}

func (s *Service) provisionAttempt(ctx context.Context, branch, service, commit string, ttlMinutes int) (*domain.Environment, error) {
	id := s.newEnvironmentID(branch, commit)
	rollback := newRollbackStack(s.log.With("environment_id", id))

	workdir, err := s.workdirs.Create(id)
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	rollback.add("remove workdir", func() error { return s.workdirs.Cleanup(workdir) })

	checkoutCtx, cancel := context.WithTimeout(ctx, s.cfg.GitTimeout)
	err = s.vcs.Checkout(checkoutCtx, workdir, branch)
	cancel()
	if err != nil {
		return nil, rollback.fail(fmt.Errorf("checkout %s: %w", branch, err))
	}

	kind := s.runtime.Detect(workdir)

	var port int
	if kind == driver.KindCompose {
		port, err = s.ports.ClaimFixed(ctx, s.cfg.ServicePort)
	} else {
		port, err = s.ports.Allocate(ctx)
	}
	if err != nil {
		return nil, rollback.fail(fmt.Errorf("allocate port: %w", err))
	}
	rollback.add("release port", func() error { s.ports.Release(port); return nil })

	spec := driver.Spec{
		ID:            id,
		Service:       service,
		Workdir:       workdir,
		Kind:          kind,
		HostPort:      port,
		ContainerPort: s.cfg.ServicePort,
	}
	launchCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	err = s.runtime.Launch(launchCtx, spec)
	cancel()
	if err != nil {
		return nil, rollback.fail(fmt.Errorf("launch %s stack: %w", kind, err))
	}
	rollback.add("tear down stack", func() error { return s.runtime.Teardown(ctx, spec) })

	publicURL, err := s.tunnels.Open(ctx, port)
	if err != nil {
		return nil, rollback.fail(fmt.Errorf("open tunnel: %w", err))
	}
	rollback.add("close tunnel", func() error { return s.tunnels.Close(port) })

	ttl := s.cfg.DefaultTTL
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * time.Minute
	}
	now := s.now().UTC()
	env := &domain.Environment{
		ID:        id,
		Branch:    branch,
		Commit:    commit,
		Service:   service,
		Workdir:   workdir,
		PublicURL: publicURL,
		Port:      port,
		State:     domain.StateRunning,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		return nil, rollback.fail(fmt.Errorf("commit record: %w", err))
	}
	return env, nil
}

// Destroy tears down the environment and removes its record. Cleanup is
// best-effort: failures are returned as warnings, never as zombie records.
func (s *Service) Destroy(ctx context.Context, id string) ([]string, error) {
	ctx = context.WithoutCancel(ctx)

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIDRequired
	}

	env, err := s.store.GetEnvironmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load environment %s: %w", id, err)
	}

	claimed, err := s.store.MarkEnvironmentDestroying(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim environment %s: %w", id, err)
	}
	if !claimed {
		if env.State == domain.StateDestroying {
			// A previous destroy was interrupted; finish the job.
			return s.teardownAndDelete(ctx, env, "requested")
		}
		// Lost the claim: a concurrent destroy owns the record.
		return nil, nil
	}
	return s.teardownAndDelete(ctx, env, "requested")
}

// List returns a snapshot of all environments with derived expiry minutes.
func (s *Service) List(ctx context.Context) ([]EnvironmentStatus, error) {
	envs, err := s.store.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	now := s.now().UTC()
	statuses := make([]EnvironmentStatus, 0, len(envs))
	for _, env := range envs {
		statuses = append(statuses, EnvironmentStatus{
			Environment:      env,
			MinutesRemaining: env.MinutesRemaining(now),
		})
	}
	return statuses, nil
}

// GarbageCollect destroys every expired environment, continuing past
// individual failures, and returns the ids it removed.
func (s *Service) GarbageCollect(ctx context.Context) ([]string, error) {
	ctx = context.WithoutCancel(ctx)

	expired, err := s.store.ListExpiredEnvironments(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("scan expired environments: %w", err)
	}

	destroyed := make([]string, 0, len(expired))
	for _, env := range expired {
		claimed, err := s.store.MarkEnvironmentDestroying(ctx, env.ID)
		if err != nil {
			s.log.Error("garbage collect claim failed", "environment_id", env.ID, "error", err)
			continue
		}
		if !claimed {
			// An explicit destroy got there first.
			continue
		}
		if _, err := s.teardownAndDelete(ctx, &env, "expired"); err != nil {
			s.log.Error("garbage collect failed", "environment_id", env.ID, "error", err)
			continue
		}
		destroyed = append(destroyed, env.ID)
	}
	return destroyed, nil
}

// RecoverInterrupted finishes destroys that a crash left half-done. Rows in
// the destroying state have already been claimed, so teardown resumes
// directly.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.store.ListEnvironmentsByState(ctx, domain.StateDestroying)
	if err != nil {
		return 0, fmt.Errorf("scan interrupted destroys: %w", err)
	}
	recovered := 0
	for _, env := range stuck {
		if _, err := s.teardownAndDelete(context.WithoutCancel(ctx), &env, "recovered"); err != nil {
			s.log.Error("recover interrupted destroy failed", "environment_id", env.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// teardownAndDelete reverses provisioning for a claimed record. Cleanup
// failures become warnings; the record is removed regardless, because a
// leaked container is preferable to an untracked record blocking the branch.
func (s *Service) teardownAndDelete(ctx context.Context, env *domain.Environment, reason string) ([]string, error) {
	log := s.log.With("environment_id", env.ID)
	var warnings []string

	spec := driver.Spec{
		ID:            env.ID,
		Service:       env.Service,
		Workdir:       env.Workdir,
		Kind:          s.runtime.Detect(env.Workdir),
		HostPort:      env.Port,
		ContainerPort: s.cfg.ServicePort,
	}
	teardownCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	err := s.runtime.Teardown(teardownCtx, spec)
	cancel()
	if err != nil {
		log.Warn("stack teardown failed", "error", err)
		warnings = append(warnings, fmt.Sprintf("stack teardown: %v", err))
	}

	if env.Port > 0 {
		if err := s.tunnels.Close(env.Port); err != nil {
			log.Warn("tunnel close failed", "port", env.Port, "error", err)
			warnings = append(warnings, fmt.Sprintf("close tunnel: %v", err))
		}
		s.ports.Release(env.Port)
	}

	if err := s.workdirs.Cleanup(env.Workdir); err != nil {
		log.Warn("workdir cleanup failed", "workdir", env.Workdir, "error", err)
		warnings = append(warnings, fmt.Sprintf("remove workdir: %v", err))
	}

	if err := s.store.DeleteEnvironment(ctx, env.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return warnings, fmt.Errorf("delete record %s: %w", env.ID, err)
	}

	s.publish(EventDestroyed, env, reason)
	if len(warnings) > 0 {
		log.Warn("environment destroyed with warnings", "reason", reason, "warnings", warnings)
	} else {
		log.Info("environment destroyed", "reason", reason)
	}
	return warnings, nil
}

func (s *Service) serviceAllowed(service string) bool {
	for _, allowed := range s.cfg.AllowedServices {
		if service == allowed {
			return true
		}
	}
	return false
}

func (s *Service) newEnvironmentID(branch, commit string) string {
	short := commit
	if len(short) > 7 {
		short = short[:7]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", slugify(branch), short, suffix)
}

func (s *Service) publish(eventType string, env *domain.Environment, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		Type:          eventType,
		EnvironmentID: env.ID,
		Branch:        env.Branch,
		PublicURL:     env.PublicURL,
		Reason:        reason,
		At:            s.now().UTC(),
	})
}

// isIdentityConflict reports whether a provision attempt died on a duplicate
// id, either at the store or on disk.
func isIdentityConflict(err error) bool {
	return errors.Is(err, repository.ErrConflict) || errors.Is(err, workspace.ErrExists)
}

// slugify turns a branch name into a safe identifier segment usable as a
// container name and image repository.
func slugify(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "branch"
	}
	return slug
}

type rollbackStep struct {
	name string
	fn   func() error
}

// rollbackStack unwinds partially provisioned resources in reverse order.
type rollbackStack struct {
	log   *slog.Logger
	steps []rollbackStep
}

func newRollbackStack(log *slog.Logger) *rollbackStack {
	return &rollbackStack{log: log}
}

func (r *rollbackStack) add(name string, fn func() error) {
	r.steps = append(r.steps, rollbackStep{name: name, fn: fn})
}

// fail unwinds every recorded step and returns the cause. When a step fails
// the cause is wrapped in a RollbackError so operators learn about leaked
// resources while callers still see the original failure through Unwrap.
func (r *rollbackStack) fail(cause error) error {
	var failures []string
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.fn(); err != nil {
			r.log.Error("rollback step failed", "step", step.name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", step.name, err))
		}
	}
	if len(failures) > 0 {
		return &RollbackError{Cause: cause, Failures: failures}
	}
	return cause
}
