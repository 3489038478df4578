// Package container provisions per-session desktop environments on Docker.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/config"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	namePrefix   = "agentdesk-"
	labelSession = "agentdesk.session"
	labelManaged = "agentdesk.managed"

	pidsLimit = 512

	networkSubnet = "172.29.0.0/16"

	readyPollInterval = 500 * time.Millisecond
)

// dockerAPI is the slice of the Docker client the manager uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// DockerManager starts, stops and probes session environments.
type DockerManager struct {
	cli          dockerAPI
	env          config.EnvironmentConfig
	stopGrace    time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewDockerManager creates a Docker-backed environment manager.
// env.Runtime can be "" for the default Docker runtime or "runsc" for gVisor.
func NewDockerManager(env config.EnvironmentConfig, stopGrace time.Duration, logger *slog.Logger) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	m := newManager(cli, env, stopGrace, logger)
	runtime := env.Runtime
	if runtime == "" {
		runtime = "default"
	}
	m.logger.Info("Docker client initialized", "runtime", runtime, "image", env.Image)
	return m, nil
}

func newManager(cli dockerAPI, env config.EnvironmentConfig, stopGrace time.Duration, logger *slog.Logger) *DockerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerManager{
		cli:          cli,
		env:          env,
		stopGrace:    stopGrace,
		pollInterval: readyPollInterval,
		logger:       logger.With("component", "environments"),
	}
}

// containerName is deterministic so a retried create collides instead of duplicating.
func containerName(sessionID string) string {
	return namePrefix + sessionID
}

func (m *DockerManager) spec(sessionID string, cfg domain.SessionConfig, port int) (*container.Config, *container.HostConfig) {
	desktop := nat.Port(strconv.Itoa(m.env.DesktopPort) + "/tcp")

	env := []string{
		"SESSION_ID=" + sessionID,
		"MODEL=" + cfg.Model,
		"WIDTH=" + strconv.Itoa(cfg.ScreenWidth),
		"HEIGHT=" + strconv.Itoa(cfg.ScreenHeight),
		"API_PROVIDER=" + m.env.APIProvider,
	}
	if cfg.SystemPrompt != "" {
		env = append(env, "SYSTEM_PROMPT="+cfg.SystemPrompt)
	}
	if m.env.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+m.env.APIKey)
	}
	if m.env.HealthPort > 0 {
		env = append(env, "HEALTH_PORT="+strconv.Itoa(m.env.HealthPort))
	}

	cc := &container.Config{
		Image:        m.env.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{desktop: struct{}{}},
		Labels: map[string]string{
			labelSession: sessionID,
			labelManaged: "true",
		},
	}

	hc := &container.HostConfig{
		Runtime: m.env.Runtime,
		PortBindings: nat.PortMap{
			desktop: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}},
		},
		Resources: container.Resources{
			Memory:    m.env.MemoryLimit,
			NanoCPUs:  int64(m.env.CPUCount * 1e9),
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if m.env.Network != "" {
		hc.NetworkMode = container.NetworkMode(m.env.Network)
	}
	return cc, hc
}

// Start launches the environment for a session with its desktop published
// on port, and blocks until it is ready or ctx expires. On failure nothing
// is left running and the error is a *domain.ProvisionError.
func (m *DockerManager) Start(ctx context.Context, sessionID string, cfg domain.SessionConfig, port int) (string, error) {
	name := containerName(sessionID)
	cc, hc := m.spec(sessionID, cfg, port)

	m.logger.Info("Creating environment", "session_id", sessionID, "port", port, "model", cfg.Model)

	resp, err := m.cli.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if err != nil {
		if isNameConflict(err) {
			// A leftover from an earlier attempt. The janitor reaps it once
			// it is an orphan; retrying is the caller's decision.
			m.logger.Warn("Container name already in use", "session_id", sessionID, "container_name", name)
		}
		return "", classify(fmt.Errorf("create container: %w", err))
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.discard(resp.ID)
		return "", classify(fmt.Errorf("start container %s: %w", resp.ID, err))
	}

	if err := m.waitReady(ctx, resp.ID); err != nil {
		m.discard(resp.ID)
		return "", classify(err)
	}

	m.logger.Info("Environment ready", "container_id", resp.ID, "session_id", sessionID, "port", port)
	return resp.ID, nil
}

// discard force-removes a half-started container. It runs on its own
// context because the provisioning context is usually what failed.
func (m *DockerManager) discard(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.stopGrace+5*time.Second)
	defer cancel()
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		m.logger.Warn("Failed to remove container after failed start", "container_id", containerID, "error", err)
	}
}

func (m *DockerManager) waitReady(ctx context.Context, containerID string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		inspect, err := m.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("inspect container %s: %w", containerID, err)
		}
		if inspect.State != nil && !inspect.State.Running && inspect.State.Status == "exited" {
			return fmt.Errorf("container %s exited with code %d", containerID, inspect.State.ExitCode)
		}
		if inspect.State != nil && inspect.State.Running {
			if m.env.HealthPort <= 0 {
				return nil
			}
			if addr := m.probeAddr(inspect); addr != "" && probe(ctx, addr) == domain.HealthHealthy {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for container %s: %w", containerID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop stops and removes an environment.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) Stop(ctx context.Context, handle string) error {
	m.logger.Info("Stopping environment", "container_id", handle)

	if _, err := m.cli.ContainerInspect(ctx, handle); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", handle)
			return nil
		}
		return &domain.StopError{Handle: handle, Err: fmt.Errorf("inspect: %w", err)}
	}

	timeout := int(m.stopGrace.Seconds())
	if err := m.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			m.logger.Debug("Container already stopped/removed", "container_id", handle)
		case ctx.Err() != nil:
			m.logger.Debug("Context canceled during stop, continuing with force removal", "container_id", handle)
		default:
			m.logger.Debug("Container stop returned error, continuing to remove", "container_id", handle, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return &domain.StopError{Handle: handle, Err: fmt.Errorf("remove: %w", err)}
	}

	m.logger.Info("Environment stopped and removed", "container_id", handle)
	return nil
}

// Healthcheck reports whether an environment is serving. An environment
// that cannot be inspected is Unknown; one that is gone or stopped is Unhealthy.
func (m *DockerManager) Healthcheck(ctx context.Context, handle string) domain.Health {
	inspect, err := m.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.HealthUnhealthy
		}
		m.logger.Debug("Healthcheck inspect failed", "container_id", handle, "error", err)
		return domain.HealthUnknown
	}
	if inspect.State == nil || !inspect.State.Running {
		return domain.HealthUnhealthy
	}
	if m.env.HealthPort <= 0 {
		return domain.HealthHealthy
	}
	addr := m.probeAddr(inspect)
	if addr == "" {
		return domain.HealthUnknown
	}
	return probe(ctx, addr)
}

func (m *DockerManager) probeAddr(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	port := strconv.Itoa(m.env.HealthPort)
	if ep, ok := inspect.NetworkSettings.Networks[m.env.Network]; ok && ep != nil && ep.IPAddress != "" {
		return ep.IPAddress + ":" + port
	}
	for _, ep := range inspect.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress + ":" + port
		}
	}
	return ""
}

// ListEnvironments returns every environment this orchestrator labeled,
// running or not.
func (m *DockerManager) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	envs := make([]domain.Environment, 0, len(list))
	for _, c := range list {
		envs = append(envs, domain.Environment{
			Handle:    c.ID,
			SessionID: c.Labels[labelSession],
			CreatedAt: time.Unix(c.Created, 0),
			Running:   c.State == "running",
		})
	}
	return envs, nil
}

// Ping checks that the Docker daemon answers.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// EnsureNetwork creates the session bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	if m.env.Network == "" {
		return "", nil
	}

	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == m.env.Network {
			m.logger.Info("Session network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, m.env.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: networkSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", m.env.Network, err)
	}

	m.logger.Info("Session network created", "network_id", createResp.ID, "subnet", networkSubnet)
	return createResp.ID, nil
}

func isNameConflict(err error) bool {
	if errdefs.IsConflict(err) || errdefs.IsAlreadyExists(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is already in use") || strings.Contains(msg, "conflict")
}

// classify maps a runtime error onto a provisioning failure kind.
func classify(err error) error {
	var pe *domain.ProvisionError
	if errors.As(err, &pe) {
		return err
	}

	kind := domain.ProvisionRuntimeUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadlineExceeded(err):
		kind = domain.ProvisionTimeout
	case errdefs.IsResourceExhausted(err):
		kind = domain.ProvisionResourceLimit
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		kind = domain.ProvisionRuntimeUnavailable
	}
	return &domain.ProvisionError{Kind: kind, Err: err}
}

func ptr[T any](v T) *T {
	return &v
}
