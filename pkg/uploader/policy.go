package uploader

import (
	"github.com/google/uuid"
	"github.com/illmade-knight/go-stumbler/pkg/reportstore"
	"github.com/illmade-knight/go-stumbler/pkg/stats"
	"github.com/illmade-knight/go-stumbler/pkg/transport"
)

// DefaultUserAgent identifies the stumbler to the collector.
const DefaultUserAgent = "go-stumbler/1.0"

// SubmissionPolicy decides what is attached to a submission and what an
// accepted batch adds to the delivery counters.
type SubmissionPolicy interface {
	Headers(b *reportstore.Batch) map[string]string
	Tally(b *reportstore.Batch, resp *transport.Response) stats.Delta
}

// DefaultPolicy sends JSON with the compressor's content encoding and
// tallies bytes, observations, cells and Wi-Fi access points.
type DefaultPolicy struct {
	UserAgent       string
	ContentEncoding string
	// ObservationsOnly limits the tally to bytes and observations, for
	// collectors that do not report radio counts.
	ObservationsOnly bool
}

// NewDefaultPolicy builds a DefaultPolicy whose content encoding matches c.
func NewDefaultPolicy(userAgent string, c reportstore.Compressor) DefaultPolicy {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	p := DefaultPolicy{UserAgent: userAgent}
	if c != nil {
		p.ContentEncoding = c.Name()
	}
	return p
}

// Headers implements SubmissionPolicy. Every call gets a fresh request ID.
func (p DefaultPolicy) Headers(_ *reportstore.Batch) map[string]string {
	h := map[string]string{
		transport.HeaderContentType: "application/json",
		transport.HeaderRequestID:   uuid.NewString(),
	}
	if p.ContentEncoding != "" {
		h[transport.HeaderContentEncoding] = p.ContentEncoding
	}
	ua := p.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	h[transport.HeaderUserAgent] = ua
	return h
}

// Tally implements SubmissionPolicy.
func (p DefaultPolicy) Tally(b *reportstore.Batch, resp *transport.Response) stats.Delta {
	sent := int64(len(b.Payload))
	if resp != nil && resp.BytesSent > 0 {
		sent = resp.BytesSent
	}
	d := stats.Delta{
		Bytes:        sent,
		Observations: int64(b.RecordCount),
	}
	if !p.ObservationsOnly {
		d.Cells = int64(b.CellCount)
		d.Wifis = int64(b.WifiCount)
	}
	return d
}
