// Package transport holds the collector submission backends used by the
// uploader. Each backend answers a submission with an HTTP-style status code
// so that a single outcome policy can classify every transport.
package transport

import "errors"

// Well-known submission headers.
const (
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRequestID       = "X-Request-ID"
)

// maxResponseBody bounds how much of a collector response is kept.
const maxResponseBody = 64 * 1024

// ErrEmptyPayload is returned when a submission carries no bytes.
var ErrEmptyPayload = errors.New("cannot submit an empty payload")

// Response is the collector's answer to one submission.
type Response struct {
	StatusCode int
	Body       []byte
	BytesSent  int64
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// copyHeaders returns a copy of headers, without Content-Encoding when the
// payload is not compressed.
func copyHeaders(headers map[string]string, precompressed bool) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if !precompressed && k == HeaderContentEncoding {
			continue
		}
		out[k] = v
	}
	return out
}
