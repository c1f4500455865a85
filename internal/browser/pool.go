package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const (
	devtoolsPort  = nat.Port("3000/tcp")
	profileTarget = "/data"
	managedBy     = "venice-relay"
)

// Container is a running browserless container
type Container struct {
	ID         string
	Port       string
	ControlURL string
	ProfileDir string
}

// ContainerPool starts and stops browser containers through the local
// docker daemon.
type ContainerPool struct {
	client *client.Client
	image  string
	logger *zap.Logger
}

// NewContainerPool creates a new pool using the docker environment settings
func NewContainerPool(image string, logger *zap.Logger) (*ContainerPool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerPool{client: cli, image: image, logger: logger}, nil
}

// ContainerOptions configures one browser container
type ContainerOptions struct {
	Name       string
	ProfileDir string
}

// Start creates and starts a container, mounting ProfileDir so cookies
// survive restarts, and waits until DevTools answers.
func (p *ContainerPool) Start(ctx context.Context, opts ContainerOptions) (*Container, error) {
	profileDir := opts.ProfileDir
	if profileDir == "" {
		profileDir = filepath.Join(os.TempDir(), "venice-relay", opts.Name)
	}
	profileDir, err := filepath.Abs(profileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile directory: %w", err)
	}
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"managed-by": managedBy,
			"instance":   opts.Name,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"KEEP_ALIVE=true",
			"PREBOOT_CHROME=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{devtoolsPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: profileDir, Target: profileTarget},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no devtools port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	if err := waitReady(ctx, port); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	p.logger.Info("Browser container started",
		zap.String("container", resp.ID[:12]),
		zap.String("port", port),
		zap.String("profile", profileDir))

	return &Container{
		ID:         resp.ID,
		Port:       port,
		ControlURL: controlURL(port),
		ProfileDir: profileDir,
	}, nil
}

// Stop stops and removes a container
func (p *ContainerPool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsHealthy reports whether the container is still running
func (p *ContainerPool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// EnsureImage pulls the browser image unless it is already present
func (p *ContainerPool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	p.logger.Info("Pulling browser image", zap.String("image", p.image))
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *ContainerPool) Close() error {
	return p.client.Close()
}

func (p *ContainerPool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("Failed to remove container", zap.String("container", containerID), zap.Error(err))
	}
}

func containerName(name string) string {
	if len(name) > 8 {
		name = name[:8]
	}
	return "venice-relay-" + name
}

// controlURL points the browserless endpoint at the mounted profile and the
// same window size a local launch uses.
func controlURL(port string) string {
	return fmt.Sprintf("ws://127.0.0.1:%s?--user-data-dir=%s&--window-size=%s", port, profileTarget, windowSize)
}

// waitReady polls /json/version until the browser answers or ctx ends
func waitReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	const maxRetries = 40

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
