package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

// GCSTransportConfig holds configuration for the GCS collector transport.
type GCSTransportConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSTransport writes each batch to its own object in a bucket, partitioned
// by upload date.
type GCSTransport struct {
	client GCSClient
	config GCSTransportConfig
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewGCSTransport creates a transport that writes batches to GCS.
func NewGCSTransport(client GCSClient, cfg GCSTransportConfig, clock clockwork.Clock, logger zerolog.Logger) (*GCSTransport, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &GCSTransport{
		client: client,
		config: cfg,
		clock:  clock,
		logger: logger.With().Str("component", "GCSTransport").Logger(),
	}, nil
}

// Submit uploads one payload as a new object. Errors carrying an HTTP status
// from the GCS API are returned as a Response so that client errors are
// classified as permanent.
func (t *GCSTransport) Submit(ctx context.Context, payload []byte, headers map[string]string, precompressed bool) (*Response, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	hdrs := copyHeaders(headers, precompressed)
	attrs := GCSObjectAttrs{
		ContentType:     hdrs[HeaderContentType],
		ContentEncoding: hdrs[HeaderContentEncoding],
		Metadata:        make(map[string]string),
	}
	for k, v := range hdrs {
		if k == HeaderContentType || k == HeaderContentEncoding {
			continue
		}
		attrs.Metadata[k] = v
	}

	objectName := t.objectName(attrs.ContentEncoding)
	w := t.client.Bucket(t.config.BucketName).Object(objectName).NewWriter(ctx, attrs)
	written, copyErr := io.Copy(w, bytes.NewReader(payload))
	closeErr := w.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code > 0 {
			t.logger.Warn().Int("code", apiErr.Code).Str("object_name", objectName).Msg("GCS rejected batch object.")
			return &Response{StatusCode: apiErr.Code, Body: []byte(apiErr.Message)}, nil
		}
		return nil, fmt.Errorf("failed to write GCS object %s: %w", objectName, err)
	}

	t.logger.Debug().Str("object_name", objectName).Int64("bytes_written", written).Msg("Uploaded batch object.")
	return &Response{
		StatusCode: http.StatusOK,
		Body:       []byte(objectName),
		BytesSent:  written,
	}, nil
}

func (t *GCSTransport) objectName(encoding string) string {
	ext := ".json"
	switch encoding {
	case "":
	case "gzip":
		ext += ".gz"
	default:
		ext += "." + encoding
	}
	day := t.clock.Now().UTC().Format("2006/01/02")
	return path.Join(t.config.ObjectPrefix, day, uuid.New().String()+ext)
}
