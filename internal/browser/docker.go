package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	cdpPort      = "3000/tcp"
	readyRetries = 20
	readyBackoff = 500 * time.Millisecond
)

// Container is a running browserless container
type Container struct {
	ID         string
	Name       string
	ConnectURL string
	Port       string
}

// DockerLauncher runs each browser in its own browserless container and
// attaches to it over CDP
type DockerLauncher struct {
	client *client.Client
	driver *Driver
	image  string
	logger logrus.FieldLogger
	http   *http.Client
}

// NewDockerLauncher creates a launcher backed by the local docker daemon
func NewDockerLauncher(driver *Driver, imageRef string, logger logrus.FieldLogger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerLauncher{
		client: cli,
		driver: driver,
		image:  imageRef,
		logger: logger.WithField("component", "docker"),
		http:   &http.Client{Timeout: 2 * time.Second},
	}, nil
}

// Launch starts a container and connects playwright to it. The container is
// stopped and removed when the returned browser is closed.
func (l *DockerLauncher) Launch(ctx context.Context) (Browser, error) {
	pw, err := l.driver.playwright()
	if err != nil {
		return nil, err
	}

	c, err := l.startContainer(ctx)
	if err != nil {
		return nil, err
	}

	b, err := pw.Chromium.ConnectOverCDP(c.ConnectURL)
	if err != nil {
		l.stopContainer(c)
		return nil, fmt.Errorf("failed to connect to %s: %w", c.ConnectURL, err)
	}

	l.logger.WithField("container", c.Name).Debug("browser container attached")
	return newPWBrowser(b, func() error { return l.stopContainer(c) }), nil
}

func (l *DockerLauncher) startContainer(ctx context.Context) (*Container, error) {
	name := "vizreview-" + uuid.New().String()[:8]

	containerConfig := &container.Config{
		Image: l.image,
		Labels: map[string]string{
			"managed-by": "vizreview",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	c := &Container{ID: resp.ID, Name: name}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.removeContainer(c)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.stopContainer(c)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		l.stopContainer(c)
		return nil, fmt.Errorf("container %s exposes no CDP port", name)
	}
	c.Port = bindings[0].HostPort
	c.ConnectURL = fmt.Sprintf("ws://127.0.0.1:%s", c.Port)

	if err := l.waitForBrowserReady(ctx, c.Port); err != nil {
		l.stopContainer(c)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}
	return c, nil
}

func (l *DockerLauncher) stopContainer(c *Container) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	timeout := 10
	if err := l.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		l.logger.WithError(err).WithField("container", c.Name).Warn("failed to stop container")
	}
	return l.removeContainerCtx(ctx, c)
}

func (l *DockerLauncher) removeContainer(c *Container) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.removeContainerCtx(ctx, c)
}

func (l *DockerLauncher) removeContainerCtx(ctx context.Context, c *Container) error {
	if err := l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image unless it is already present
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.image {
				return nil
			}
		}
	}

	l.logger.WithField("image", l.image).Info("pulling browser image")
	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until chrome answers
func (l *DockerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)

	for i := 0; i < readyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := l.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyBackoff):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", readyRetries)
}
