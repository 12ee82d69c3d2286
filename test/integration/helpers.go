//go:build integration

// Package integration runs the HTTP API against real PostgreSQL and Redis
// containers with a scripted LLM provider.
package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/timmyxieat/tcm-intake/internal/application/intake"
	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres/repositories"
	cache "github.com/timmyxieat/tcm-intake/internal/infrastructure/database/redis"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	httpserver "github.com/timmyxieat/tcm-intake/internal/interfaces/http"
	"github.com/timmyxieat/tcm-intake/internal/interfaces/http/handlers"
	"github.com/timmyxieat/tcm-intake/pkg/client"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

const (
	// EnvIntegrationEnabled controls whether integration tests run.
	EnvIntegrationEnabled = "TCMINTAKE_INTEGRATION_TEST"

	startupTimeout = 90 * time.Second
)

// SkipIfNoIntegration skips the calling test when the integration flag is unset.
func SkipIfNoIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvIntegrationEnabled) == "" {
		t.Skipf("skipping integration test: set %s=1 to enable", EnvIntegrationEnabled)
	}
}

// ScriptedProvider returns a fixed completion and counts calls.  Gate, when
// set, blocks every call until it is closed.
type ScriptedProvider struct {
	mu       sync.Mutex
	Response string
	Gate     chan struct{}
	calls    int
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Complete(ctx context.Context, _, _ string, _ note.ResponseSchema) (string, error) {
	p.mu.Lock()
	p.calls++
	gate := p.Gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.Response, nil
}

// Calls returns the number of Complete calls so far.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TestEnvironment is one API server wired to fresh containers.
type TestEnvironment struct {
	Provider *ScriptedProvider
	Client   *client.Client
	Conn     *postgres.Connection
	Redis    *cache.Client
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) (string, int) {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	n, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)
	return host, n
}

// SetupTestEnvironment starts PostgreSQL and Redis, migrates the schema and
// serves the API over httptest.
func SetupTestEnvironment(t *testing.T, provider *ScriptedProvider) *TestEnvironment {
	t.Helper()
	SkipIfNoIntegration(t)
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	logger := logging.NewNopLogger()

	pgHost, pgPort := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "tcmintake_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432")
	redisHost, redisPort := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379")

	pgCfg := config.PostgresConfig{
		Enabled: true, Host: pgHost, Port: pgPort,
		User: "test", Password: "test", DBName: "tcmintake_test", SSLMode: "disable",
	}
	m, err := postgres.NewMigrator(pgCfg.DSN(), logger)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	conn, err := postgres.NewConnection(ctx, pgCfg, logger)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	rc, err := cache.NewClient(ctx, config.RedisConfig{
		Enabled:   true,
		Addr:      redisHost + ":" + strconv.Itoa(redisPort),
		KeyPrefix: "tcmintake:test:",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	svc, err := intake.NewService(provider, intake.Options{
		Store:   repositories.NewNoteRepository(conn.Pool(), logger),
		Cache:   cache.NewNoteCache(rc, logger),
		Locker:  intake.NewRedisLocker(cache.NewLocker(rc, logger, cache.WithLockTTL(30*time.Second))),
		Logger:  logger,
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)

	router := httpserver.NewRouter(httpserver.RouterConfig{
		NoteHandler:        handlers.NewNoteHandler(svc, logger, nil),
		AcupunctureHandler: handlers.NewAcupunctureHandler(svc, logger, nil),
		ICDHandler:         handlers.NewICDHandler(logger, nil),
		HealthHandler: handlers.NewHealthHandler("test", nil,
			handlers.CheckFunc{Component: "postgres", Fn: conn.HealthCheck},
			handlers.CheckFunc{Component: "redis", Fn: rc.Ping},
		),
		Logger: logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	c, err := client.NewClient(srv.URL, client.WithRetryMax(0))
	require.NoError(t, err)
	return &TestEnvironment{Provider: provider, Client: c, Conn: conn, Redis: rc}
}
