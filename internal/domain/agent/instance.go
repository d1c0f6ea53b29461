package agent

import (
	"context"
	"sync"
	"time"

	"github.com/agentrun/gateway/internal/domain/service"
)

// FileBackend is the subset of a sandbox's contract the HTTP file-browse
// routes and the terminal bridge need. Both sandbox.ProcessSandbox and
// sandbox.DockerSandbox satisfy this without this package importing the
// infrastructure sandbox package — the InstanceFactory injected from the
// application layer supplies a concrete value.
type FileBackend interface {
	UploadFile(ctx context.Context, destPath string, content []byte) error
	DownloadFile(ctx context.Context, srcPath string) ([]byte, error)
}

// BackendHandle describes the live backend an instance's AgentLoop was
// built against, enough for the HTTP layer to route file and terminal
// operations without reaching back into application-layer wiring.
type BackendHandle struct {
	Kind          string // "process" | "docker"
	Files         FileBackend
	DockerHost    string // only meaningful when Kind == "docker"
	ContainerName string // only meaningful when Kind == "docker"
}

// InstanceStatus mirrors SpawnedAgent's status enum (kept distinct from
// AgentState, which tracks a single run's ReAct step, not the instance's
// lifetime across many runs).
type InstanceStatus int

const (
	InstanceIdle InstanceStatus = iota
	InstanceRunning
	InstanceInterrupted
	InstanceError
)

func (s InstanceStatus) String() string {
	switch s {
	case InstanceRunning:
		return "running"
	case InstanceInterrupted:
		return "interrupted"
	case InstanceError:
		return "error"
	default:
		return "idle"
	}
}

// Instance is a per-(template, username) clone: its own AgentLoop (with the
// template's model and interrupt rules), its own sandbox backend handle and
// its own set of threads. Two users invoking the same template never share
// an Instance, so one user's threads and interrupted calls never reach
// another's. Tool calls from every instance run through the application's
// shared tool registry; the template's allow/deny lists are not applied.
type Instance struct {
	ID         string
	TemplateID string
	Username   string
	Loop       *service.AgentLoop
	Backend    BackendHandle
	CreatedAt  time.Time

	mu            sync.Mutex
	status        InstanceStatus
	activeThreads map[string]bool
}

func newInstance(id, templateID, username string, loop *service.AgentLoop, backend BackendHandle) *Instance {
	return &Instance{
		ID:            id,
		TemplateID:    templateID,
		Username:      username,
		Loop:          loop,
		Backend:       backend,
		CreatedAt:     time.Now(),
		status:        InstanceIdle,
		activeThreads: make(map[string]bool),
	}
}

// AcquireThread marks a thread busy, returning false if another invocation
// on the same thread is already in flight (the caller should surface this
// as a ThreadBusy error rather than queue or cancel the earlier one).
func (i *Instance) AcquireThread(threadID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.activeThreads[threadID] {
		return false
	}
	i.activeThreads[threadID] = true
	i.status = InstanceRunning
	return true
}

// ReleaseThread marks a thread free again once its run (or its pause at an
// interrupt) has been handed back to the caller.
func (i *Instance) ReleaseThread(threadID string, interrupted bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.activeThreads, threadID)
	if interrupted {
		i.status = InstanceInterrupted
	} else if len(i.activeThreads) == 0 {
		i.status = InstanceIdle
	}
}

// Status returns the instance's current coarse status.
func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}
