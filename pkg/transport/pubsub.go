package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSubTransport publishes each batch as one Pub/Sub message. Submission
// headers become message attributes.
type PubSubTransport struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubSubTransport creates a transport publishing to topicID. The caller
// owns the client.
func NewPubSubTransport(client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubSubTransport, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if topicID == "" {
		return nil, errors.New("pubsub topic ID is required")
	}
	topic := client.Topic(topicID)
	// One batch per publish; the uploader already batches.
	topic.PublishSettings.CountThreshold = 1
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond

	logger.Info().Str("topic_id", topicID).Msg("PubSubTransport initialized.")
	return &PubSubTransport{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubTransport").Logger(),
	}, nil
}

// Submit publishes one payload and waits for the server to acknowledge it.
func (t *PubSubTransport) Submit(ctx context.Context, payload []byte, headers map[string]string, precompressed bool) (*Response, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	result := t.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: copyHeaders(headers, precompressed),
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		if code, ok := httpStatusFromGRPC(err); ok {
			t.logger.Warn().Err(err).Int("code", code).Msg("Pub/Sub rejected batch message.")
			return &Response{StatusCode: code, Body: []byte(status.Convert(err).Message())}, nil
		}
		return nil, fmt.Errorf("failed to publish batch to %s: %w", t.topic.ID(), err)
	}
	t.logger.Debug().Str("message_id", msgID).Int("bytes", len(payload)).Msg("Published batch message.")
	return &Response{
		StatusCode: http.StatusOK,
		Body:       []byte(msgID),
		BytesSent:  int64(len(payload)),
	}, nil
}

// Stop flushes outstanding publishes.
func (t *PubSubTransport) Stop() {
	t.topic.Stop()
}

// httpStatusFromGRPC maps gRPC codes that mean the message will never be
// accepted onto 4xx statuses. Everything else stays an error so that it is
// retried.
func httpStatusFromGRPC(err error) (int, bool) {
	switch status.Code(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest, true
	case codes.Unauthenticated:
		return http.StatusUnauthorized, true
	case codes.PermissionDenied:
		return http.StatusForbidden, true
	case codes.NotFound:
		return http.StatusNotFound, true
	default:
		return 0, false
	}
}
