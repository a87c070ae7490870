//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type endpoint struct {
	host string
	port int
}

func (e endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

// startContainer runs req and returns the host address of port.
func startContainer(t *testing.T, req tc.ContainerRequest, port nat.Port) endpoint {
	t.Helper()
	ctx := context.Background()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("mapped port %s: %v", port, err)
	}
	return endpoint{host: host, port: mapped.Int()}
}

func startRedis(t *testing.T) endpoint {
	t.Helper()
	port := nat.Port("6379/tcp")
	return startContainer(t, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(30 * time.Second),
	}, port)
}

func startPostgres(t *testing.T) endpoint {
	t.Helper()
	port := nat.Port("5432/tcp")
	return startContainer(t, tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "dhtsync",
		},
		// The server restarts once after initdb.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, port)
}

func startMosquitto(t *testing.T) endpoint {
	t.Helper()
	port := nat.Port("1883/tcp")
	return startContainer(t, tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{string(port)},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(30 * time.Second),
	}, port)
}

func postgresURL(e endpoint) string {
	return fmt.Sprintf("postgres://postgres:postgres@%s/dhtsync?sslmode=disable", e)
}
