package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/stackvisor/internal/service"
)

// CommandExecutor creates commands; tests replace it to avoid a real runtime.
type CommandExecutor interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

// DefaultCommandExecutor uses os/exec directly.
type DefaultCommandExecutor struct{}

func (DefaultCommandExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}

// Container runs services as containers through a docker-compatible CLI.
// Containers are started with --rm so a stopped service leaves nothing behind.
type Container struct {
	Binary      string // docker, podman, ...
	NamePrefix  string
	StopTimeout time.Duration
	Executor    CommandExecutor
}

// NewContainer returns a Container host for binary ("docker" when empty).
func NewContainer(binary, prefix string, stopTimeout time.Duration) *Container {
	if binary == "" {
		binary = "docker"
	}
	if prefix == "" {
		prefix = "stackvisor-"
	}
	return &Container{Binary: binary, NamePrefix: prefix, StopTimeout: stopTimeout, Executor: DefaultCommandExecutor{}}
}

func (*Container) Kind() service.Kind { return service.KindContainer }

// ContainerName is the runtime name used for descriptor name.
func (c *Container) ContainerName(name string) string { return c.NamePrefix + name }

// RunArgs builds the arguments of the run invocation for d.
func (c *Container) RunArgs(d service.Descriptor) []string {
	port := strconv.Itoa(d.Port)
	args := []string{"run", "-d", "--rm", "--name", c.ContainerName(d.Name), "-p", port + ":" + port}
	for _, kv := range d.Env {
		args = append(args, "-e", kv)
	}
	if d.WorkDir != "" {
		args = append(args, "-w", d.WorkDir)
	}
	args = append(args, d.Image)
	return append(args, d.Args...)
}

func (c *Container) Spawn(ctx context.Context, d service.Descriptor, _ []string, logFile *os.File) (Handle, error) {
	// a leftover container with our name would make run fail
	_ = c.run(ctx, "rm", "-f", c.ContainerName(d.Name))

	out, err := c.output(ctx, c.RunArgs(d)...)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %v", service.ErrSpawnFailure, d.Name, err)
	}
	id := lastLine(out)
	if id == "" {
		return Handle{}, fmt.Errorf("%w: %s: runtime returned no container id", service.ErrSpawnFailure, d.Name)
	}
	if logFile != nil {
		c.followLogs(id, logFile)
	}
	return Handle{ID: id}, nil
}

// followLogs streams container output into logFile through a detached
// "logs -f" process that lives as long as the container does.
func (c *Container) followLogs(id string, logFile *os.File) {
	// #nosec G204
	cmd := exec.Command(c.Binary, "logs", "-f", id)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		_, _ = fmt.Fprintf(logFile, "stackvisor: cannot follow container logs: %v\n", err)
		return
	}
	go func() { _ = cmd.Wait() }()
}

func (c *Container) Signal(ctx context.Context, id string, force bool) error {
	if force {
		return c.run(ctx, "kill", id)
	}
	secs := int(c.StopTimeout / time.Second)
	if secs <= 0 {
		secs = 2
	}
	return c.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
}

func (c *Container) Alive(ctx context.Context, id string, _ int64) bool {
	out, err := c.output(ctx, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		return false
	}
	return lastLine(out) == "true"
}

func (c *Container) run(ctx context.Context, args ...string) error {
	_, err := c.output(ctx, args...)
	return err
}

func (c *Container) output(ctx context.Context, args ...string) (string, error) {
	exe := c.Executor
	if exe == nil {
		exe = DefaultCommandExecutor{}
	}
	cmd := exe.CommandContext(ctx, c.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && stderr.Len() > 0 {
			return string(out), fmt.Errorf("%s %s: %s", c.Binary, args[0], strings.TrimSpace(stderr.String()))
		}
		return string(out), fmt.Errorf("%s %s: %w", c.Binary, args[0], err)
	}
	return string(out), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
