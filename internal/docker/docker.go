package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultKillGrace is how long a campaign container may outlive its timeout
// before the host removes it. The image is expected to honour
// CAPTAIN_TIMEOUT itself.
const DefaultKillGrace = time.Minute

// Client runs docker CLI commands.
type Client struct {
	dockerPath string
	killGrace  time.Duration
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBinary uses the docker binary at path instead of looking it up.
func WithBinary(path string) Option {
	return func(c *Client) { c.dockerPath = path }
}

// WithKillGrace overrides DefaultKillGrace.
func WithKillGrace(d time.Duration) Option {
	return func(c *Client) { c.killGrace = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a Client. ErrUnavailable is returned when docker is not on
// PATH and no binary was given.
func New(opts ...Option) (*Client, error) {
	c := &Client{killGrace: DefaultKillGrace, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.dockerPath == "" {
		path, err := exec.LookPath("docker")
		if err != nil {
			return nil, ErrUnavailable
		}
		c.dockerPath = path
	}
	return c, nil
}

// Build builds image from contextDir. Build output is appended to logPath
// when it is set. Failures wrap ErrBuild.
func (c *Client) Build(ctx context.Context, image, contextDir, logPath string) error {
	cmd := exec.CommandContext(ctx, c.dockerPath, buildArgs(image, contextDir)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if logPath != "" {
		if werr := appendFile(logPath, out.Bytes()); werr != nil {
			c.logger.Warn("Failed to write build log", zap.String("path", logPath), zap.Error(werr))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBuild, image, err)
	}
	return nil
}

// Run executes a campaign container in the foreground and waits for it.
// A non-zero container exit is reported in RunResult, not as an error. When
// ctx is done or the timeout plus kill grace elapses the container is
// removed and the result is marked Killed; cancellation additionally
// returns ctx's error.
func (c *Client) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	logFile, err := openLog(spec.LogPath)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	limit := spec.Timeout + c.killGrace
	execCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	cmd := exec.CommandContext(execCtx, c.dockerPath, runArgs(spec)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	result := &RunResult{ExitCode: -1, StartedAt: time.Now()}
	err = cmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	// Killing the CLI client does not stop the container.
	if execCtx.Err() != nil {
		result.Killed = true
		if ctx.Err() != nil {
			result.KillReason = "context canceled"
		} else {
			result.KillReason = fmt.Sprintf("timeout after %s", limit)
		}
		if rmErr := c.Remove(context.Background(), spec.Name); rmErr != nil {
			c.logger.Warn("Failed to remove killed container", zap.String("container", spec.Name), zap.Error(rmErr))
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("failed to run container %s: %w", spec.Name, err)
	}
	return result, nil
}

// StartCoverage starts a detached coverage container.
func (c *Client) StartCoverage(ctx context.Context, spec CoverageSpec) (Handle, error) {
	out, err := c.output(ctx, coverageArgs(spec)...)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start coverage container %s: %w", spec.Name, err)
	}
	return Handle{Name: spec.Name, ID: strings.TrimSpace(out)}, nil
}

// Running reports whether a container with name is running.
func (c *Client) Running(ctx context.Context, name string) (bool, error) {
	out, err := c.output(ctx, "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// inspect exits non-zero for unknown containers
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// Remove force-removes a container, stopping it first if needed. Removing a
// container that does not exist is not an error.
func (c *Client) Remove(ctx context.Context, name string) error {
	_, err := c.output(ctx, "rm", "-f", name)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

func (c *Client) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.dockerPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log %s: %w", path, err)
	}
	return f, nil
}

func appendFile(path string, data []byte) error {
	f, err := openLog(path)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
