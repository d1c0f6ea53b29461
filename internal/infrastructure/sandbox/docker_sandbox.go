package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ContainerStatus tracks a Docker-backed instance's lazily-launched
// container across the idle/launching/launched/error lifecycle.
type ContainerStatus string

const (
	ContainerIdle      ContainerStatus = "idle"
	ContainerLaunching ContainerStatus = "launching"
	ContainerLaunched  ContainerStatus = "launched"
	ContainerError     ContainerStatus = "error"
)

// DockerConfig configures a DockerSandbox. Host is empty for the local
// daemon; when set, every docker CLI call is prefixed with "-H <host>" to
// target a remote daemon.
type DockerConfig struct {
	ContainerName string
	Image         string
	WorkDir       string
	Host          string
	Timeout       time.Duration
	LaunchTimeout time.Duration
	MaxOutputChars int
}

// DefaultDockerConfig returns sane defaults for a per-instance container.
func DefaultDockerConfig(containerName string) *DockerConfig {
	return &DockerConfig{
		ContainerName:  containerName,
		Image:          "python:3.11-slim",
		WorkDir:        "/workspace",
		Timeout:        120 * time.Second,
		LaunchTimeout:  60 * time.Second,
		MaxOutputChars: 100_000,
	}
}

// DockerSandbox runs commands inside a named Docker container via `docker
// exec`, launching the container on first use rather than at construction
// time. Grounded on original_source's docker_backend.py: lazy launch with
// a status enum broadcast on transition, `docker exec` (not `docker cp`)
// for file transfer so the agent host can itself run inside a container
// with only a mounted socket.
type DockerSandbox struct {
	cfg    *DockerConfig
	logger *zap.Logger

	mu       sync.Mutex
	status   ContainerStatus
	launchErr error
}

// NewDockerSandbox creates a sandbox bound to cfg.ContainerName. No
// container exists yet — it is launched lazily by the first Execute call,
// or explicitly via LaunchAsync.
func NewDockerSandbox(cfg *DockerConfig, logger *zap.Logger) *DockerSandbox {
	return &DockerSandbox{cfg: cfg, logger: logger, status: ContainerIdle}
}

// Status returns the container's current lifecycle state and, if in the
// error state, the error that caused it.
func (s *DockerSandbox) Status() (ContainerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.launchErr
}

func (s *DockerSandbox) dockerCmd(args ...string) *exec.Cmd {
	full := make([]string, 0, len(args)+2)
	if s.cfg.Host != "" {
		full = append(full, "-H", s.cfg.Host)
	}
	full = append(full, args...)
	return exec.Command("docker", full...)
}

// LaunchAsync transitions idle -> launching -> launched|error in the
// background, returning immediately. Safe to call concurrently; only the
// first caller actually launches, the rest observe the in-flight
// transition via Status(). statusChanged, if non-nil, is invoked once per
// transition (used to broadcast container_status events).
func (s *DockerSandbox) LaunchAsync(statusChanged func(ContainerStatus, error)) {
	s.mu.Lock()
	if s.status == ContainerLaunched || s.status == ContainerLaunching {
		s.mu.Unlock()
		return
	}
	s.status = ContainerLaunching
	s.launchErr = nil
	s.mu.Unlock()
	if statusChanged != nil {
		statusChanged(ContainerLaunching, nil)
	}

	go func() {
		err := s.ensureContainer()
		s.mu.Lock()
		if err != nil {
			s.status = ContainerError
			s.launchErr = err
		} else {
			s.status = ContainerLaunched
		}
		status := s.status
		s.mu.Unlock()
		if statusChanged != nil {
			statusChanged(status, err)
		}
	}()
}

// waitForLaunch blocks until the container reaches launched or error,
// launching it first if still idle. Bounded by cfg.LaunchTimeout.
func (s *DockerSandbox) waitForLaunch() error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	switch status {
	case ContainerLaunched:
		return nil
	case ContainerIdle:
		s.mu.Lock()
		s.status = ContainerLaunching
		s.mu.Unlock()
		err := s.ensureContainer()
		s.mu.Lock()
		if err != nil {
			s.status = ContainerError
			s.launchErr = err
		} else {
			s.status = ContainerLaunched
		}
		s.mu.Unlock()
		return err
	}

	deadline := time.Now().Add(s.cfg.LaunchTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		s.mu.Lock()
		status = s.status
		err := s.launchErr
		s.mu.Unlock()
		if status == ContainerLaunched {
			return nil
		}
		if status == ContainerError {
			return err
		}
	}
	return fmt.Errorf("timed out waiting for container %q to launch", s.cfg.ContainerName)
}

// ensureContainer checks whether the named container is already running
// and, if not, removes any stale container and starts a fresh one with
// `sleep infinity` as its entrypoint so `docker exec` has something to
// attach to.
func (s *DockerSandbox) ensureContainer() error {
	inspect := s.dockerCmd("inspect", "--format", "{{.State.Running}}", s.cfg.ContainerName)
	out, err := inspect.CombinedOutput()
	if err == nil && bytes.Contains(bytes.ToLower(out), []byte("true")) {
		s.logger.Info("Docker sandbox container already running", zap.String("container", s.cfg.ContainerName))
		return nil
	}

	s.logger.Info("Launching sandbox container",
		zap.String("container", s.cfg.ContainerName),
		zap.String("image", s.cfg.Image),
	)

	rm := s.dockerCmd("rm", "-f", s.cfg.ContainerName)
	_ = rm.Run() // best effort, container may not exist

	run := s.dockerCmd("run", "-d",
		"--name", s.cfg.ContainerName,
		"-w", s.cfg.WorkDir,
		s.cfg.Image,
		"sleep", "infinity",
	)
	if out, err := run.CombinedOutput(); err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, string(out))
	}
	return nil
}

// Stop removes the container and resets state to idle.
func (s *DockerSandbox) Stop() error {
	rm := s.dockerCmd("rm", "-f", s.cfg.ContainerName)
	_ = rm.Run()
	s.mu.Lock()
	s.status = ContainerIdle
	s.launchErr = nil
	s.mu.Unlock()
	return nil
}

// Execute runs a shell command inside the container via `docker exec`,
// lazily launching it first if idle.
func (s *DockerSandbox) Execute(ctx context.Context, command string) (*Result, error) {
	start := time.Now()
	if err := s.waitForLaunch(); err != nil {
		return nil, fmt.Errorf("container not available: %w", err)
	}

	args := []string{"exec", "-w", s.cfg.WorkDir, s.cfg.ContainerName, "sh", "-c", command}
	if s.cfg.Host != "" {
		args = append([]string{"-H", s.cfg.Host}, args...)
	}
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		return result, fmt.Errorf("docker exec timed out after %v", s.cfg.Timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("docker exec failed: %w", err)
		}
	}
	if len(result.Stdout) > s.cfg.MaxOutputChars {
		result.Stdout = result.Stdout[:s.cfg.MaxOutputChars] + "\n... truncated"
	}
	return result, nil
}

// UploadFile writes content into the container at destPath via a base64
// pipe over `docker exec -i`, mirroring the Python backend's approach so
// it keeps working when the agent host itself runs in a container with
// only a mounted Docker socket (docker cp reads host paths, not the
// caller's).
func (s *DockerSandbox) UploadFile(ctx context.Context, destPath string, content []byte) error {
	if err := s.waitForLaunch(); err != nil {
		return fmt.Errorf("container not available: %w", err)
	}

	mkdir := s.dockerCmd("exec", s.cfg.ContainerName, "mkdir", "-p", filepath.Dir(destPath))
	if out, err := mkdir.CombinedOutput(); err != nil {
		return fmt.Errorf("mkdir in container failed: %w: %s", err, string(out))
	}

	encoded := base64.StdEncoding.EncodeToString(content)
	write := s.dockerCmd("exec", "-i", s.cfg.ContainerName, "sh", "-c", fmt.Sprintf("base64 -d > '%s'", destPath))
	write.Stdin = bytes.NewBufferString(encoded)
	if out, err := write.CombinedOutput(); err != nil {
		return fmt.Errorf("write file in container failed: %w: %s", err, string(out))
	}
	return nil
}

// DownloadFile reads srcPath out of the container via `docker exec` +
// base64.
func (s *DockerSandbox) DownloadFile(ctx context.Context, srcPath string) ([]byte, error) {
	if err := s.waitForLaunch(); err != nil {
		return nil, fmt.Errorf("container not available: %w", err)
	}

	read := s.dockerCmd("exec", s.cfg.ContainerName, "sh", "-c", fmt.Sprintf("base64 '%s'", srcPath))
	out, err := read.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("file not found in container: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(out)))
	if err != nil {
		return nil, fmt.Errorf("decode file contents: %w", err)
	}
	return decoded, nil
}
