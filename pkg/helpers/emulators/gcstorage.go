package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const (
	testGCSImage       = "fsouza/fake-gcs-server:1.49"
	testGCSPort        = "4443"
	testGCSBaseStorage = "/storage/v1/b"
)

// GCSConfig describes a fake-gcs-server and the bucket to create in it.
type GCSConfig struct {
	GCImageContainer
	BaseBucket  string
	BaseStorage string
}

// GetDefaultGCSConfig returns a config for fake-gcs-server. An empty
// bucket name skips bucket creation.
func GetDefaultGCSConfig(projectID, bucket string) GCSConfig {
	return GCSConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testGCSImage,
				EmulatorHTTPPort: testGCSPort,
			},
			ProjectID: projectID,
		},
		BaseBucket:  bucket,
		BaseStorage: testGCSBaseStorage,
	}
}

// SetupGCSEmulator starts fake-gcs-server, creates the configured bucket
// and terminates the container when the test ends.
func SetupGCSEmulator(t *testing.T, ctx context.Context, cfg GCSConfig) EmulatorConnection {
	t.Helper()

	httpPort := fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{httpPort},
		Cmd:          []string{"-scheme", "http", "-port", cfg.EmulatorHTTPPort},
		WaitingFor: wait.ForHTTP(cfg.BaseStorage).WithPort(nat.Port(httpPort)).WithStatusCodeMatcher(
			func(status int) bool {
				return status > 0
			}).WithStartupTimeout(20 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate GCS emulator container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "http")
	require.NoError(t, err)
	t.Setenv("STORAGE_EMULATOR_HOST", endpoint)

	opts := []option.ClientOption{option.WithoutAuthentication(), option.WithEndpoint(endpoint + "/storage/v1/")}
	if cfg.BaseBucket != "" {
		client, err := storage.NewClient(ctx, opts...)
		require.NoError(t, err)
		defer client.Close()
		require.NoError(t, client.Bucket(cfg.BaseBucket).Create(ctx, cfg.ProjectID, nil))
	}

	return EmulatorConnection{EmulatorAddress: endpoint, ClientOptions: opts}
}
