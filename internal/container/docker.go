package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/logging"
)

// DockerClient interface for Docker operations (mockable)
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// PortScanner tracks host ports published by running containers. Those
// containers are started outside the orchestrator, so the port allocator
// treats their ports as taken even if its own table says otherwise.
type PortScanner struct {
	cli    DockerClient
	logger logrus.FieldLogger

	mu          sync.RWMutex
	inUse       map[int]struct{}
	refreshedAt time.Time
}

// NewPortScanner creates a PortScanner with a Docker client from the environment
func NewPortScanner(logger logrus.FieldLogger) (*PortScanner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewPortScannerWithClient(cli, logger), nil
}

// NewPortScannerWithClient creates a PortScanner with a provided client (for testing)
func NewPortScannerWithClient(cli DockerClient, logger logrus.FieldLogger) *PortScanner {
	return &PortScanner{
		cli:    cli,
		logger: logging.OrRoot(logger),
		inUse:  make(map[int]struct{}),
	}
}

// Refresh lists running containers and replaces the published port set.
// On error the previous set is kept.
func (s *PortScanner) Refresh(ctx context.Context) error {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	ports := make(map[int]struct{})
	for _, c := range list {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports[int(p.PublicPort)] = struct{}{}
			}
		}
	}

	s.mu.Lock()
	s.inUse = ports
	s.refreshedAt = time.Now()
	s.mu.Unlock()

	s.logger.WithField("PublishedPorts", len(ports)).Debug("refreshed container port set")
	return nil
}

// InUse reports whether a running container publishes the port.
func (s *PortScanner) InUse(port int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inUse[port]
	return ok
}

// RefreshedAt returns when the port set was last rebuilt.
func (s *PortScanner) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// Close releases the Docker client
func (s *PortScanner) Close() error {
	return s.cli.Close()
}
