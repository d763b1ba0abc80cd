package container

import (
	"context"
	"errors"
	"strings"

	"github.com/fsouza/go-dockerclient"
)

// Client contains the methods called on the go Docker client
type Client interface {
	ListContainers(opts docker.ListContainersOptions) ([]docker.APIContainers, error)
	InspectContainerWithOptions(opts docker.InspectContainerOptions) (*docker.Container, error)
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	StopContainerWithContext(id string, timeout uint, ctx context.Context) error
	RestartContainer(id string, timeout uint) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	Stats(opts docker.StatsOptions) error
	ConnectNetwork(id string, opts docker.NetworkConnectionOptions) error
	DisconnectNetwork(id string, opts docker.NetworkConnectionOptions) error
}

// NewDockerClient connects to the daemon at endpoint, or to the one described by the DOCKER_*
// environment variables when endpoint is empty
func NewDockerClient(endpoint string) (*docker.Client, error) {
	if endpoint == "" {
		return docker.NewClientFromEnv()
	}
	return docker.NewClient(endpoint)
}

func isNoSuchContainer(err error) bool {
	var noSuch *docker.NoSuchContainer
	if errors.As(err, &noSuch) {
		return true
	}
	var apiErr *docker.Error
	return errors.As(err, &apiErr) && apiErr.Status == 404 && strings.Contains(strings.ToLower(apiErr.Message), "no such container")
}

func isNotRunning(err error) bool {
	var notRunning *docker.ContainerNotRunning
	return errors.As(err, &notRunning)
}

// isNetworkNotFound detects a container holding a stale reference to a network that was recreated
func isNetworkNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network") && strings.Contains(msg, "not found")
}
