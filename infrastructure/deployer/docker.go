package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/kavos113/ctf-instancer/domain"
)

const stopTimeoutSeconds = 10

// DockerDeployer runs one container per (challenge, user) pair on the local
// Docker daemon. The host port is assigned by the daemon; the published
// address becomes the connection details shown to the user.
type DockerDeployer struct {
	dockerClient *client.Client
	internalPort int
	publicHost   string
	logger       *slog.Logger
}

func NewDockerDeployer(logger *slog.Logger) (*DockerDeployer, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	internalPort, err := strconv.Atoi(os.Getenv("INTERNAL_CONTAINER_PORT"))
	if err != nil {
		internalPort = 80
	}

	publicHost := os.Getenv("PUBLIC_HOST")
	if publicHost == "" {
		publicHost = "localhost"
	}

	return &DockerDeployer{
		dockerClient: cli,
		internalPort: internalPort,
		publicHost:   publicHost,
		logger:       logger,
	}, nil
}

func containerName(challenge *domain.Challenge, userToken string) string {
	return fmt.Sprintf("%s-%s", challenge.ID, userToken)
}

func (d *DockerDeployer) Invoke(ctx context.Context, cmd domain.DeployCommand, challenge *domain.Challenge, userToken string) (string, error) {
	name := containerName(challenge, userToken)

	switch cmd {
	case domain.CommandStart:
		return d.start(ctx, challenge, name)
	case domain.CommandStop:
		return "", d.remove(ctx, name)
	case domain.CommandRestart:
		return "", d.restart(ctx, name)
	case domain.CommandCleanup:
		return "", d.remove(ctx, name)
	default:
		return "", fmt.Errorf("unknown deploy command: %s", cmd)
	}
}

func (d *DockerDeployer) start(ctx context.Context, challenge *domain.Challenge, name string) (string, error) {
	if err := d.pullImage(ctx, challenge.Image); err != nil {
		return "", err
	}

	containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", d.internalPort))
	if err != nil {
		return "", fmt.Errorf("failed to parse container port: %w", err)
	}

	hostConfig := &container.HostConfig{
		PortBindings: network.PortMap{
			containerPort: []network.PortBinding{
				{
					HostIP:   netip.MustParseAddr("0.0.0.0"),
					HostPort: "", // daemon picks a free port
				},
			},
		},
		AutoRemove: false,
	}

	containerConfig := &container.Config{
		Image: challenge.Image,
		ExposedPorts: network.PortSet{
			containerPort: struct{}{},
		},
	}

	createOptions := client.ContainerCreateOptions{
		Config:           containerConfig,
		HostConfig:       hostConfig,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             name,
	}

	resp, err := d.dockerClient.ContainerCreate(ctx, createOptions)
	if cerrdefs.IsConflict(err) {
		// Leftover container from an abandoned run. Replace it.
		if err := d.remove(ctx, name); err != nil && !errors.Is(err, domain.ErrUnsupported) {
			return "", err
		}
		resp, err = d.dockerClient.ContainerCreate(ctx, createOptions)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if _, err := d.dockerClient.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	hostPort, err := d.publishedPort(ctx, resp.ID, containerPort)
	if err != nil {
		return "", err
	}

	d.logger.Info("started container",
		slog.String("container_id", resp.ID),
		slog.String("name", name),
		slog.String("host_port", hostPort))

	return fmt.Sprintf("%s:%s", d.publicHost, hostPort), nil
}

// publishedPort polls the container until the daemon reports the host port
// binding. A freshly started container may not have it yet.
func (d *DockerDeployer) publishedPort(ctx context.Context, containerID string, containerPort network.Port) (string, error) {
	var hostPort string

	operation := func() error {
		containerJSON, err := d.dockerClient.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to inspect container: %w", err))
		}

		if containerJSON.Container.NetworkSettings != nil {
			if bindings, ok := containerJSON.Container.NetworkSettings.Ports[containerPort]; ok && len(bindings) > 0 {
				hostPort = bindings[0].HostPort
				return nil
			}
		}
		return fmt.Errorf("port %s not yet published", containerPort)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 10), ctx)); err != nil {
		return "", err
	}
	return hostPort, nil
}

func (d *DockerDeployer) restart(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	if _, err := d.dockerClient.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container for restart: %w", err)
	}
	if _, err := d.dockerClient.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container after stop: %w", err)
	}
	return nil
}

// remove force-removes the container. A missing container counts as already
// torn down.
func (d *DockerDeployer) remove(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	if _, err := d.dockerClient.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return domain.ErrUnsupported
		}
		d.logger.Warn("failed to stop container", slog.String("name", name), slog.String("error", err.Error()))
	}

	if _, err := d.dockerClient.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return domain.ErrUnsupported
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerDeployer) pullImage(ctx context.Context, imageName string) error {
	reader, err := d.dockerClient.ImagePull(ctx, imageName, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Status string `json:"status,omitempty"`
			Error  string `json:"error,omitempty"`
		}

		if err := decoder.Decode(&message); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to decode pull output: %w", err)
		}

		if message.Error != "" {
			return fmt.Errorf("pull error: %s", message.Error)
		}
	}

	return nil
}
