package transport

import (
	"context"
	"net/http"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func setupTestPubsub(t *testing.T, projectID string) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}
	client, err := pubsub.NewClient(context.Background(), projectID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPubSubTransport_Submit(t *testing.T) {
	ctx := context.Background()
	srv, client := setupTestPubsub(t, "test-project")
	_, err := client.CreateTopic(ctx, "stumbles")
	require.NoError(t, err)

	tr, err := NewPubSubTransport(client, "stumbles", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(tr.Stop)

	resp, err := tr.Submit(ctx, []byte("compressed"), map[string]string{
		HeaderContentEncoding: "gzip",
		HeaderRequestID:       "req-1",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Body, "the message ID is returned as the body")
	assert.Equal(t, int64(len("compressed")), resp.BytesSent)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("compressed"), msgs[0].Data)
	assert.Equal(t, "gzip", msgs[0].Attributes[HeaderContentEncoding])
	assert.Equal(t, "req-1", msgs[0].Attributes[HeaderRequestID])
}

func TestPubSubTransport_MissingTopicIsPermanent(t *testing.T) {
	_, client := setupTestPubsub(t, "test-project")
	tr, err := NewPubSubTransport(client, "does-not-exist", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(tr.Stop)

	resp, err := tr.Submit(context.Background(), []byte("compressed"), nil, true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewPubSubTransport_Validation(t *testing.T) {
	_, err := NewPubSubTransport(nil, "topic", zerolog.Nop())
	assert.Error(t, err)
	_, client := setupTestPubsub(t, "test-project")
	_, err = NewPubSubTransport(client, "", zerolog.Nop())
	assert.Error(t, err)
}
