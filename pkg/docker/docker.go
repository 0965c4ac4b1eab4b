// Package docker spawns and tears down supporting containers (such as
// an embedded PostgreSQL server) through the Docker SDK.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/hbomb79/Relay/pkg/logger"
)

var dockerLogger = logger.Get("Docker")

var ErrLabelInUse = errors.New("container label already in use")

type (
	Manager interface {
		SpawnContainer(context.Context, Spec) (*Container, error)
		CloseContainer(label string, timeout time.Duration) error
		Shutdown(timeout time.Duration)
	}

	manager struct {
		mu         sync.Mutex
		cli        client.APIClient
		containers map[string]*Container
		wg         sync.WaitGroup
	}
)

// NewDockerManager connects to the docker daemon described by the
// environment (DOCKER_HOST et al.).
func NewDockerManager() (*manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to construct docker client: %w", err)
	}

	return NewDockerManagerWithClient(cli), nil
}

func NewDockerManagerWithClient(cli client.APIClient) *manager {
	return &manager{cli: cli, containers: make(map[string]*Container)}
}

// SpawnContainer pulls the image for the spec, then creates and
// starts the container. Once started, the container logs are followed
// until the container exits.
func (m *manager) SpawnContainer(ctx context.Context, spec Spec) (*Container, error) {
	m.mu.Lock()
	if _, ok := m.containers[spec.Label]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("cannot spawn container %s: %w", spec.Label, ErrLabelInUse)
	}
	c := newContainer(spec)
	m.containers[spec.Label] = c
	m.mu.Unlock()

	if err := m.start(ctx, c); err != nil {
		_ = m.close(c, time.Second*10)
		return nil, err
	}

	m.wg.Add(1)
	go m.monitor(c)

	dockerLogger.Emit(logger.SUCCESS, "Container %s is UP!\n", c)
	return c, nil
}

func (m *manager) CloseContainer(label string, timeout time.Duration) error {
	m.mu.Lock()
	c, ok := m.containers[label]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	return m.close(c, timeout)
}

// Shutdown closes every container spawned by this manager and waits
// for their log monitors to detach.
func (m *manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	containers := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.mu.Unlock()

	for _, c := range containers {
		if err := m.close(c, timeout); err != nil {
			dockerLogger.Emit(logger.ERROR, "Failed to close container %s: %v\n", c, err)
		}
	}

	m.wg.Wait()
}

func (m *manager) start(ctx context.Context, c *Container) error {
	out, err := m.cli.ImagePull(ctx, c.spec.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %v for container %s: %w", c.spec.Image, c, err)
	}
	defer out.Close()

	dec := json.NewDecoder(out)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read image pull progress for %s: %w", c, err)
		}
		c.logPullEvent(raw)
	}
	c.setStatus(PULLED)

	resp, err := m.cli.ContainerCreate(ctx, c.spec.Config, c.spec.HostConfig, nil, nil, c.spec.Label)
	if err != nil {
		return fmt.Errorf("failed to create container for %s: %w", c, err)
	}
	c.id = resp.ID
	c.setStatus(CREATED)

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container for %s: %w", c, err)
	}
	c.setStatus(UP)

	return nil
}

func (m *manager) close(c *Container, timeout time.Duration) error {
	if c.Status() == DEAD {
		return nil
	}

	ctx := context.Background()
	if c.canStop() {
		c.setStatus(CLOSING)
		timeoutSeconds := int(timeout.Seconds())
		if err := m.cli.ContainerStop(ctx, c.id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
			return fmt.Errorf("failed to stop container %s: %w", c, err)
		}
		c.setStatus(DOWN)
	}

	if c.canRemove() {
		if err := m.cli.ContainerRemove(ctx, c.id, container.RemoveOptions{}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", c, err)
		}
	}
	c.setStatus(DEAD)

	return nil
}

// monitor follows the containers logs, re-emitting them at VERBOSE. When
// the log stream ends without the container being closed, the container
// is marked as CRASHED.
func (m *manager) monitor(c *Container) {
	defer func() {
		dockerLogger.Emit(logger.INFO, "Container %s - Status management DETACHED\n", c)
		m.wg.Done()
	}()

	reader, err := m.cli.ContainerLogs(context.Background(), c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		c.setStatus(CRASHED)
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		dockerLogger.Emit(logger.VERBOSE, "%s: %s\n", c, scanner.Text())
	}

	if c.Status() == UP {
		c.setStatus(CRASHED)
	}
}
