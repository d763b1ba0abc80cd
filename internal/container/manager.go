package container

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsouza/go-dockerclient"
	"github.com/rs/zerolog/log"
	"graphrunner/internal/config"
)

const (
	LabelManaged = "valhalla.managed"
	LabelGraph   = "valhalla.graph"
	LabelProject = "com.docker.compose.project"

	// ServeConfigName is the serve-time configuration file inside a graph's output directory
	ServeConfigName = "valhalla_serve.json"

	stopTimeout uint = 10
)

// Options describes the service containers the Manager creates
type Options struct {
	Image         string
	Network       string
	Prefix        string
	BasePort      int
	ContainerPort int
	MountPoint    string
	Project       string
	// SelfContainer is the name of the container this process runs in, if any. Its mounts are used
	// to translate local paths under GraphRoot into host paths.
	SelfContainer string
	GraphRoot     string
	ProbeTimeout  time.Duration
}

func OptionsFromConfig(conf *config.GRConfig) Options {
	return Options{
		Image:         conf.Docker.Image,
		Network:       conf.Docker.Network,
		Prefix:        conf.Docker.Prefix,
		BasePort:      conf.Docker.BasePort,
		ContainerPort: conf.Docker.ContainerPort,
		MountPoint:    conf.Docker.MountPoint,
		Project:       conf.Docker.Project,
		SelfContainer: conf.Docker.SelfContainer,
		GraphRoot:     conf.Paths.GraphRoot,
		ProbeTimeout:  conf.ProbeTimeout(),
	}
}

// Manager owns every interaction with the container runtime. Runtime failures are reported through
// Result rather than as errors.
type Manager struct {
	client Client
	opts   Options

	// mu serializes Start so that port allocation and container creation happen as one step
	mu sync.Mutex
}

func NewManager(client Client, opts Options) *Manager {
	if opts.ContainerPort == 0 {
		opts.ContainerPort = 8002
	}
	if opts.BasePort == 0 {
		opts.BasePort = opts.ContainerPort
	}
	if opts.MountPoint == "" {
		opts.MountPoint = "/data/valhalla"
	}
	return &Manager{client: client, opts: opts}
}

// ContainerName derives the container name of a graph
func (m *Manager) ContainerName(graph string) string {
	return m.opts.Prefix + graph
}

// MountPoint is where a graph's output directory is mounted inside its container
func (m *Manager) MountPoint() string {
	return m.opts.MountPoint
}

func (m *Manager) portKey() docker.Port {
	return docker.Port(fmt.Sprintf("%d/tcp", m.opts.ContainerPort))
}

// Start makes sure the container of graph is running. A running container is left alone, a stopped
// one is started in place, and a missing one is created on port (or the next free port when port is
// zero) with dataDir mounted.
func (m *Manager) Start(ctx context.Context, graph, dataDir string, port int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.ContainerName(graph)
	logger := log.With().Str("graph", graph).Str("container", name).Logger()

	existing, err := m.inspect(ctx, name)
	switch {
	case err == nil && existing.State.Running:
		return Result{
			Status:      StatusAlreadyRunning,
			ContainerID: existing.ID,
			Port:        m.hostPort(existing),
			Message:     "container already running",
		}

	case err == nil:
		msg := "container restarted"
		err := m.client.StartContainerWithContext(existing.ID, nil, ctx)
		if isNetworkNotFound(err) {
			logger.Warn().Err(err).Msg("Stale network attachment, healing")
			if err = m.heal(ctx, existing.ID); err == nil {
				err = m.client.StartContainerWithContext(existing.ID, nil, ctx)
				msg = "container restarted after network repair"
			}
		}
		if err != nil {
			return errorResult("docker error", err)
		}
		return m.resultFor(ctx, StatusRestarted, existing, msg)

	case !isNoSuchContainer(err):
		return errorResult("docker error", err)
	}

	if port == 0 {
		if port, err = m.NextPort(ctx); err != nil {
			return errorResult("could not allocate a port", err)
		}
	}

	if err := m.ensureImage(ctx); err != nil {
		return errorResult("could not pull the routing image", err)
	}

	hostDir, err := m.HostPath(ctx, dataDir)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not resolve host path, mounting data dir as is")
		hostDir = dataDir
	}

	created, err := m.client.CreateContainer(m.createOptions(ctx, graph, hostDir, port))
	if err != nil {
		return errorResult("docker error", err)
	}
	if err := m.client.StartContainerWithContext(created.ID, nil, ctx); err != nil {
		if rmErr := m.client.RemoveContainer(docker.RemoveContainerOptions{ID: created.ID, Force: true, Context: ctx}); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Could not clean up container that failed to start")
		}
		return errorResult("docker error", err)
	}

	logger.Info().Int("port", port).Msg("Started serving container")
	return Result{
		Status:      StatusStarted,
		ContainerID: created.ID,
		Port:        port,
		Message:     fmt.Sprintf("container started on port %d", port),
	}
}

func (m *Manager) createOptions(ctx context.Context, graph, hostDir string, port int) docker.CreateContainerOptions {
	key := m.portKey()
	serveConfig := path.Join(m.opts.MountPoint, ServeConfigName)

	return docker.CreateContainerOptions{
		Name: m.ContainerName(graph),
		Config: &docker.Config{
			Image:        m.opts.Image,
			Cmd:          []string{"valhalla_service", serveConfig, "1"},
			ExposedPorts: map[docker.Port]struct{}{key: {}},
			Labels: map[string]string{
				LabelManaged: "true",
				LabelGraph:   graph,
				LabelProject: m.opts.Project,
			},
			Healthcheck: &docker.HealthConfig{
				Test:     []string{"CMD", "curl", "-f", fmt.Sprintf("http://localhost:%d/status", m.opts.ContainerPort)},
				Interval: 30 * time.Second,
				Timeout:  10 * time.Second,
				Retries:  3,
			},
		},
		HostConfig: &docker.HostConfig{
			Binds:         []string{hostDir + ":" + m.opts.MountPoint + ":rw"},
			PortBindings:  map[docker.Port][]docker.PortBinding{key: {{HostPort: strconv.Itoa(port)}}},
			RestartPolicy: docker.RestartUnlessStopped(),
			NetworkMode:   m.opts.Network,
		},
		Context: ctx,
	}
}

// Stop stops the container of graph
func (m *Manager) Stop(ctx context.Context, graph string) Result {
	c, err := m.inspect(ctx, m.ContainerName(graph))
	if isNoSuchContainer(err) {
		return notFound()
	} else if err != nil {
		return errorResult("docker error", err)
	}

	if err := m.client.StopContainerWithContext(c.ID, stopTimeout, ctx); err != nil && !isNotRunning(err) {
		if isNoSuchContainer(err) {
			return notFound()
		}
		return errorResult("docker error", err)
	}
	return Result{Status: StatusStopped, ContainerID: c.ID, Message: "container stopped"}
}

// Restart restarts the container of graph, healing a stale network attachment once if needed
func (m *Manager) Restart(ctx context.Context, graph string) Result {
	c, err := m.inspect(ctx, m.ContainerName(graph))
	if isNoSuchContainer(err) {
		return notFound()
	} else if err != nil {
		return errorResult("docker error", err)
	}

	msg := "container restarted"
	err = m.client.RestartContainer(c.ID, stopTimeout)
	if isNetworkNotFound(err) {
		log.Warn().Err(err).Str("graph", graph).Msg("Stale network attachment, healing")
		if healErr := m.heal(ctx, c.ID); healErr != nil {
			return errorResult("network repair failed", healErr)
		}
		if err = m.client.StartContainerWithContext(c.ID, nil, ctx); err != nil {
			return errorResult("network repair failed", err)
		}
		msg = "container restarted after network repair"
	} else if err != nil {
		return errorResult("docker error", err)
	}
	return m.resultFor(ctx, StatusRestarted, c, msg)
}

// Remove deletes the container of graph
func (m *Manager) Remove(ctx context.Context, graph string, force bool) Result {
	err := m.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:      m.ContainerName(graph),
		Force:   force,
		Context: ctx,
	})
	if isNoSuchContainer(err) {
		return notFound()
	} else if err != nil {
		return errorResult("docker error", err)
	}
	return Result{Status: StatusRemoved, Message: "container removed"}
}

// Status inspects the container of graph. Resource usage is only sampled for running containers.
func (m *Manager) Status(ctx context.Context, graph string) Status {
	c, err := m.inspect(ctx, m.ContainerName(graph))
	if isNoSuchContainer(err) {
		return Status{Status: StatusNotFound}
	} else if err != nil {
		return Status{Status: StatusError, Message: err.Error()}
	}

	st := Status{
		Status:  c.State.Status,
		Running: c.State.Running,
		Port:    m.hostPort(c),
		Health:  health(c),
	}
	if st.Status == "" {
		st.Status = c.State.StateString()
	}
	if !c.State.StartedAt.IsZero() {
		started := c.State.StartedAt
		st.StartedAt = &started
	}
	if !c.State.Running {
		return st
	}

	sample, err := m.sample(ctx, c.ID)
	if err != nil {
		return Status{Status: StatusError, Message: err.Error()}
	}
	st.CPUPercent = round2(CPUPercent(sample))
	st.MemoryMB = round2(float64(sample.MemoryStats.Usage) / (1024 * 1024))
	st.MemoryPercent = round2(MemoryPercent(sample))
	return st
}

// sample takes a single stats reading. The daemon fills in the previous reading as PreCPUStats.
func (m *Manager) sample(ctx context.Context, id string) (*docker.Stats, error) {
	statsC := make(chan *docker.Stats, 1)
	errC := make(chan error, 1)
	go func() {
		errC <- m.client.Stats(docker.StatsOptions{
			ID:      id,
			Stats:   statsC,
			Stream:  false,
			Timeout: 10 * time.Second,
			Context: ctx,
		})
	}()

	var sample *docker.Stats
	for s := range statsC {
		sample = s
	}
	if err := <-errC; err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, errors.New("no stats returned")
	}
	return sample, nil
}

// ListManaged enumerates every container carrying the management label
func (m *Manager) ListManaged(ctx context.Context) ([]Managed, error) {
	containers, err := m.client.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"label": {LabelManaged + "=true"}},
		Context: ctx,
	})
	if err != nil {
		return nil, err
	}

	managed := make([]Managed, 0, len(containers))
	for _, apiC := range containers {
		item := Managed{
			Graph:         apiC.Labels[LabelGraph],
			ContainerID:   apiC.ID,
			ContainerName: containerName(apiC.Names),
			Status:        apiC.State,
			Running:       apiC.State == "running",
			Health:        "unknown",
		}
		if item.Graph == "" {
			item.Graph = "unknown"
		}
		if c, err := m.inspect(ctx, apiC.ID); err == nil {
			item.Port = m.hostPort(c)
			item.Health = health(c)
		} else {
			log.Debug().Err(err).Str("container", apiC.ID).Msg("Could not inspect managed container")
		}
		managed = append(managed, item)
	}
	return managed, nil
}

// SystemStats summarises the managed containers
func (m *Manager) SystemStats(ctx context.Context) (SystemStats, error) {
	containers, err := m.ListManaged(ctx)
	if err != nil {
		return SystemStats{}, err
	}
	stats := SystemStats{Total: len(containers), Containers: containers}
	for _, c := range containers {
		if c.Running {
			stats.Running++
		}
	}
	stats.Stopped = stats.Total - stats.Running
	return stats, nil
}

// NextPort returns the lowest port from the base port up that no managed or prefixed container
// reserves. Stopped containers keep their reservation through their port bindings.
func (m *Manager) NextPort(ctx context.Context) (int, error) {
	managed, err := m.client.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"label": {LabelManaged + "=true"}},
		Context: ctx,
	})
	if err != nil {
		return 0, err
	}
	all, err := m.client.ListContainers(docker.ListContainersOptions{All: true, Context: ctx})
	if err != nil {
		return 0, err
	}

	candidates := map[string]bool{}
	for _, c := range managed {
		candidates[c.ID] = true
	}
	for _, c := range all {
		if strings.HasPrefix(containerName(c.Names), m.opts.Prefix) {
			candidates[c.ID] = true
		}
	}

	used := map[int]bool{}
	for id := range candidates {
		c, err := m.inspect(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("container", id).Msg("Skipping container during port scan")
			continue
		}
		for _, p := range m.reservedPorts(c) {
			used[p] = true
		}
	}

	port := m.opts.BasePort
	for used[port] {
		port++
	}
	return port, nil
}

// HostPath translates a local path into the path the daemon sees. When this process runs inside a
// container, the mount of that container backing GraphRoot is used. Otherwise the path is returned
// unchanged.
func (m *Manager) HostPath(ctx context.Context, local string) (string, error) {
	if m.opts.SelfContainer == "" || m.opts.GraphRoot == "" {
		return local, nil
	}

	if m.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ProbeTimeout)
		defer cancel()
	}

	self, err := m.inspect(ctx, m.opts.SelfContainer)
	if err != nil {
		return local, fmt.Errorf("inspect %s: %w", m.opts.SelfContainer, err)
	}

	root := strings.TrimSuffix(m.opts.GraphRoot, "/")
	for _, mount := range self.Mounts {
		if strings.TrimSuffix(mount.Destination, "/") != root {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(local, root), "/")
		return strings.ReplaceAll(path.Join(mount.Source, rel), "\\", "/"), nil
	}
	return local, nil
}

// heal reconnects a container to the expected network to drop a stale network reference
func (m *Manager) heal(ctx context.Context, id string) error {
	if err := m.client.DisconnectNetwork(m.opts.Network, docker.NetworkConnectionOptions{
		Container: id,
		Force:     true,
		Context:   ctx,
	}); err != nil {
		log.Debug().Err(err).Str("container", id).Msg("Disconnect before heal failed, ignoring")
	}
	return m.client.ConnectNetwork(m.opts.Network, docker.NetworkConnectionOptions{
		Container: id,
		Context:   ctx,
	})
}

func (m *Manager) ensureImage(ctx context.Context) error {
	_, err := m.client.InspectImage(m.opts.Image)
	if err == nil {
		return nil
	}
	if !errors.Is(err, docker.ErrNoSuchImage) {
		return err
	}

	repo, tag := docker.ParseRepositoryTag(m.opts.Image)
	log.Info().Str("image", m.opts.Image).Msg("Pulling image")
	return m.client.PullImage(docker.PullImageOptions{Repository: repo, Tag: tag, Context: ctx}, docker.AuthConfiguration{})
}

func (m *Manager) inspect(ctx context.Context, id string) (*docker.Container, error) {
	return m.client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: id, Context: ctx})
}

// resultFor re-inspects c after a (re)start so the reported port reflects the live mapping
func (m *Manager) resultFor(ctx context.Context, status string, c *docker.Container, msg string) Result {
	if fresh, err := m.inspect(ctx, c.ID); err == nil {
		c = fresh
	}
	return Result{Status: status, ContainerID: c.ID, Port: m.hostPort(c), Message: msg}
}

// hostPort is the host port mapped to the service port, live mapping first
func (m *Manager) hostPort(c *docker.Container) int {
	if ports := m.reservedPorts(c); len(ports) > 0 {
		return ports[0]
	}
	return 0
}

func (m *Manager) reservedPorts(c *docker.Container) []int {
	key := m.portKey()
	var ports []int
	add := func(bindings []docker.PortBinding) {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
				ports = append(ports, p)
			}
		}
	}
	if c.NetworkSettings != nil {
		add(c.NetworkSettings.Ports[key])
	}
	if c.HostConfig != nil {
		add(c.HostConfig.PortBindings[key])
	}
	return ports
}

func health(c *docker.Container) string {
	if c.State.Health.Status == "" {
		return "unknown"
	}
	return c.State.Health.Status
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
