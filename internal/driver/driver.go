package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-connections/nat"

	"github.com/branchbox/branchbox/internal/docker"
	"github.com/branchbox/branchbox/internal/runner"
)

// Kind distinguishes the two stack shapes an environment can take.
type Kind string

const (
	// KindCompose is a multi-service stack described by a compose file,
	// started as a unit on its conventional port.
	KindCompose Kind = "compose"
	// KindImage is a single buildable unit: image build plus container run
	// with an explicit host port mapping.
	KindImage Kind = "image"
)

// Spec describes one environment's runnable unit.
type Spec struct {
	ID            string
	Service       string
	Workdir       string
	Kind          Kind
	HostPort      int
	ContainerPort int
}

// ContainerAPI is the slice of the docker client the runtime needs.
type ContainerAPI interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error
	RunContainer(ctx context.Context, name, image, network string, env []string, ports nat.PortMap) (string, error)
	RemoveContainer(ctx context.Context, name string) error
	EnsureNetwork(ctx context.Context, name string) error
}

// CommandRunner executes the compose CLI.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) (string, error)
}

// Runtime builds and runs environments, polymorphic over compose stacks and
// single images.
type Runtime struct {
	containers  ContainerAPI
	run         CommandRunner
	composeFile string
	network     string
	log         *slog.Logger
}

// New constructs a Runtime.
func New(containers ContainerAPI, run CommandRunner, composeFile, network string, log *slog.Logger) *Runtime {
	if composeFile == "" {
		composeFile = "docker-compose.preview.yml"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		containers:  containers,
		run:         run,
		composeFile: composeFile,
		network:     network,
		log:         log,
	}
}

// Detect reports the stack shape of a checked-out workdir: compose when the
// descriptor is present, a single image otherwise.
func (r *Runtime) Detect(workdir string) Kind {
	if _, err := os.Stat(filepath.Join(workdir, r.composeFile)); err == nil {
		return KindCompose
	}
	return KindImage
}

// Launch builds and starts the environment's runnable unit.
func (r *Runtime) Launch(ctx context.Context, spec Spec) error {
	switch spec.Kind {
	case KindCompose:
		return r.launchCompose(ctx, spec)
	case KindImage:
		return r.launchImage(ctx, spec)
	default:
		return fmt.Errorf("unknown stack kind %q", spec.Kind)
	}
}

// Teardown stops and removes whatever Launch started. It is idempotent: a
// stack that is already gone tears down successfully.
func (r *Runtime) Teardown(ctx context.Context, spec Spec) error {
	if spec.Kind == KindCompose {
		if _, err := os.Stat(filepath.Join(spec.Workdir, r.composeFile)); err == nil {
			cmd := runner.Command{
				Name: "docker",
				Args: []string{"compose", "-f", r.composeFile, "down", "-v"},
				Dir:  spec.Workdir,
			}
			if _, err := r.run.Run(ctx, cmd); err != nil {
				return fmt.Errorf("compose down for %s: %w", spec.ID, err)
			}
			return nil
		}
		// The checkout is already gone; fall back to removing whatever
		// container may carry the environment's name.
	}
	if err := r.containers.RemoveContainer(ctx, spec.ID); err != nil {
		return fmt.Errorf("remove container %s: %w", spec.ID, err)
	}
	return nil
}

func (r *Runtime) launchCompose(ctx context.Context, spec Spec) error {
	cmd := runner.Command{
		Name: "docker",
		Args: []string{"compose", "-f", r.composeFile, "up", "-d", "--build"},
		Dir:  spec.Workdir,
	}
	if _, err := r.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("compose up for %s: %w", spec.ID, err)
	}
	return nil
}

func (r *Runtime) launchImage(ctx context.Context, spec Spec) error {
	if err := r.containers.EnsureNetwork(ctx, r.network); err != nil {
		return fmt.Errorf("ensure network: %w", err)
	}

	tag := spec.ID + ":" + spec.Service
	onOutput := func(line string) {
		r.log.Debug("image build", "environment_id", spec.ID, "output", line)
	}
	if err := r.containers.BuildImage(ctx, spec.Workdir, tag, onOutput); err != nil {
		return fmt.Errorf("build image for %s: %w", spec.ID, err)
	}

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	ports := nat.PortMap{
		containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
	}
	if _, err := r.containers.RunContainer(ctx, spec.ID, tag, r.network, nil, ports); err != nil {
		return fmt.Errorf("run container for %s: %w", spec.ID, err)
	}
	return nil
}
