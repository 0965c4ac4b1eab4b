package docker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/hbomb79/Relay/pkg/logger"
)

type ContainerStatus int

const (
	// Container struct instance has just been created
	INIT ContainerStatus = iota

	// Container image has been pulled to local docker daemon, but the container has not yet been created
	PULLED

	// Container has been created from a previously PULLED image
	CREATED

	// Container is UP and working normally
	UP

	// Container has CRASHED
	CRASHED

	// Container is being closed intentionally, next status should always be DOWN
	CLOSING

	// Container is DOWN (intentionally closed)
	DOWN

	// Container has been removed
	DEAD
)

func (e ContainerStatus) String() string {
	return []string{"INIT", "PULLED", "CREATED", "UP", "CRASHED", "CLOSING", "DOWN", "DEAD"}[e]
}

type (
	// Spec describes a container to be spawned by the Manager.
	Spec struct {
		Label      string
		Image      string
		Config     *container.Config
		HostConfig *container.HostConfig
	}

	// Container is a handle to a container spawned by the Manager. The
	// status is updated by the manager as the container progresses through
	// its lifecycle.
	Container struct {
		spec    Spec
		id      string
		mu      sync.Mutex
		status  ContainerStatus
		crashed chan struct{}
	}

	pullEvent struct {
		Status   string `json:"status"`
		Error    string `json:"error"`
		Progress string `json:"progress"`
	}
)

func newContainer(spec Spec) *Container {
	return &Container{spec: spec, status: INIT, crashed: make(chan struct{})}
}

func (c *Container) ID() string    { return c.id }
func (c *Container) Label() string { return c.spec.Label }

func (c *Container) Status() ContainerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Crashed returns a channel which is closed if the container exits
// without being closed by the manager.
func (c *Container) Crashed() <-chan struct{} { return c.crashed }

func (c *Container) String() string {
	if len(c.id) < 10 {
		return fmt.Sprintf("%v[...]", c.spec.Label)
	}

	return fmt.Sprintf("%v[%v]", c.spec.Label, c.id[:10])
}

func (c *Container) setStatus(stat ContainerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == DEAD {
		return
	}

	if stat == CRASHED && c.status != CRASHED {
		close(c.crashed)
	}

	dockerLogger.Emit(logger.INFO, "Container %s - Status change: %s\n", c, stat)
	c.status = stat
}

func (c *Container) canStop() bool {
	switch c.Status() {
	case CREATED, UP, CRASHED, CLOSING:
		return true
	}
	return false
}

func (c *Container) canRemove() bool {
	return c.canStop() || c.Status() == DOWN
}

func (c *Container) logPullEvent(raw json.RawMessage) {
	var ev pullEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch {
	case ev.Error != "":
		dockerLogger.Emit(logger.ERROR, "%s: %s\n", c, ev.Error)
	case ev.Progress != "":
		dockerLogger.Emit(logger.VERBOSE, "%s: %s\n", c, ev.Progress)
	case ev.Status != "":
		dockerLogger.Emit(logger.DEBUG, "%s: %s\n", c, ev.Status)
	}
}
