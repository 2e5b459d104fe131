//go:build integration

// Package integration runs the client against a real server in a
// container, rather than the in-memory fakes the rest of the repo tests
// against. Build with -tags=integration; it is skipped by a plain go
// test ./....
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	gel "github.com/geldata/gel-go"
	"github.com/geldata/gel-go/internal/conn"
	"github.com/geldata/gel-go/internal/protocol"
)

const containerPort = "5656/tcp"

// startServer launches a Gel server container in insecure dev mode (no
// TLS verification, trust auth) and returns its reachable address.
func startServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "geldata/gel:latest",
		ExposedPorts: []string{containerPort},
		Env: map[string]string{
			"GEL_SERVER_SECURITY":      "insecure_dev_mode",
			"GEL_SERVER_TLS_CERT_MODE": "generate_self_signed",
			"GEL_CLIENT_SECURITY":      "insecure_dev_mode",
		},
		WaitingFor: wait.ForListeningPort(containerPort).WithStartupTimeout(2 * time.Minute),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start gel container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate gel container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, containerPort)
	if err != nil {
		t.Fatalf("get mapped port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func connectClient(t *testing.T, addr string) *gel.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := gel.Connect(ctx, gel.Options{
		Address:           addr,
		User:              "edgedb",
		Database:          "main",
		TLSVerifyHostname: false,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectAndQueryScalar(t *testing.T) {
	addr := startServer(t)
	c := connectClient(t, addr)

	row, err := c.QueryRequiredSingle(context.Background(), "select 1 + 1", nil)
	if err != nil {
		t.Fatalf("QueryRequiredSingle: %v", err)
	}
	got, ok := row.(int64)
	if !ok || got != 2 {
		t.Fatalf("got %v, want int64 2", row)
	}
}

func TestTransactionCommitsSuccessfulClosure(t *testing.T) {
	addr := startServer(t)
	c := connectClient(t, addr)

	var ran int
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *gel.Tx) error {
		ran++
		_, err := tx.Query(ctx, "select 1", nil, conn.QueryOptions{
			OutputFormat:        protocol.IOFormatBinary,
			ExpectedCardinality: protocol.CardinalityMany,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if ran != 1 {
		t.Fatalf("closure ran %d times, want 1", ran)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	addr := startServer(t)
	c := connectClient(t, addr)

	boom := fmt.Errorf("rolling back on purpose")
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *gel.Tx) error {
		return boom
	})
	if err == nil {
		t.Fatal("expected Transaction to surface the closure error")
	}
}

func TestPoolReusesConnectionsUnderConcurrency(t *testing.T) {
	addr := startServer(t)
	c := connectClient(t, addr)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.QueryRequiredSingle(context.Background(), "select 1", nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent query: %v", err)
		}
	}
}
