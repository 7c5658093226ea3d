package uploader

import "github.com/illmade-knight/go-stumbler/pkg/transport"

// Outcome is the three-way classification of a submission.
type Outcome int

const (
	// Retryable covers 5xx, transport errors and timeouts. The batch is kept.
	Retryable Outcome = iota
	// Success means the collector accepted the batch. The batch is deleted.
	Success
	// PermanentClientError means the collector will never accept the batch.
	// The batch is deleted.
	PermanentClientError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PermanentClientError:
		return "rejected"
	default:
		return "retried"
	}
}

// Classify maps a transport result onto an Outcome: 2xx is Success, 4xx is
// PermanentClientError, anything else is Retryable.
func Classify(resp *transport.Response, err error) Outcome {
	if err != nil || resp == nil {
		return Retryable
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return PermanentClientError
	default:
		return Retryable
	}
}
