package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of the Neo4j container.
//
// The enterprise variant is required to create a database per test case (see
// NewDatabase).
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// Port of the transactional HTTP endpoint, which also serves the browser:
// <https://neo4j.com/docs/rest-docs/current>
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j runs a Neo4j container for the duration of the given test and
// returns a driver connected to it. Both are torn down during cleanup.
//
// The test is skipped with the '-short' flag, and is marked parallel because
// container-based tests are long-running.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()

	container, err := neo4jtest.Run(ctx, Neo4jImage,
		testcontainers.WithLogger(log.TestLogger(t)),
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating neo4j container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	httpEndpoint, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Encountered an error during cleanup while closing the neo4j driver:", err)
		}
	})

	if err := awaitConnectivity(ctx, t, driver); err != nil {
		t.Fatalf("Failed to connect to the neo4j server: %v", err)
	}

	// Cleanups run in reverse, so this one runs before the container terminates.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
			t.Logf("HTTP URL = %s/browser?preselectAuthMethod=%s&dbms=%s", httpEndpoint, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
			t.Logf("Bolt URL = %s", boltURL)
			waitForInterrupt()
		}
	})

	return driver
}

// NewDatabase creates an empty database with a unique name on the server the
// driver is connected to, and returns its name. Test cases sharing a server use
// a database each to stay independent of one another.
func NewDatabase(t *testing.T, driver neo4j.DriverWithContext) string {
	t.Helper()
	ctx := context.Background()

	// Database names must begin with a letter and may contain dashes.
	name := "test-" + uuid.NewString()
	_, err := neo4j.ExecuteQuery(ctx, driver, "CREATE DATABASE $name IF NOT EXISTS WAIT",
		map[string]any{"name": name},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase("system"),
	)
	if err != nil {
		t.Fatalf("Failed to create database %q: %v", name, err)
	}
	t.Logf("Created database %q", name)
	return name
}

// awaitConnectivity verifies the connection to the server, retrying a few times
// because the container may report readiness before Neo4j accepts connections.
func awaitConnectivity(ctx context.Context, t *testing.T, driver neo4j.DriverWithContext) error {
	t.Helper()

	const attempts = 6
	const pause = 100 * time.Millisecond

	var err error
	for i := range attempts {
		if i > 0 {
			t.Logf("Retrying [%d/%d] to connect to the neo4j server: %v", i, attempts-1, err)
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return fmt.Errorf("retry pause interrupted: %w", ctx.Err())
			}
		}
		if err = driver.VerifyConnectivity(ctx); err == nil {
			return nil
		}
	}
	return err
}
