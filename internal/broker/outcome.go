package broker

import (
	"context"
	"errors"
	"time"
)

// Outcome is the three-way result of a single publish attempt.
type Outcome int

const (
	Success Outcome = iota
	FailedNoRoute
	FailedBrokerError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case FailedNoRoute:
		return "failed_no_route"
	case FailedBrokerError:
		return "failed_broker_error"
	default:
		return "unknown"
	}
}

var (
	ErrUnroutable      = errors.New("message could not be routed to any queue")
	ErrNacked          = errors.New("broker negatively acknowledged the message")
	ErrEmptyRoutingKey = errors.New("routing key is empty")
	ErrChannelClosed   = errors.New("broker channel closed")
	// ErrPermanent marks consumer errors that redelivery cannot fix.
	ErrPermanent = errors.New("permanent consumer failure")
)

// Result pairs an outcome with the cause of a failure. Err is nil on Success.
type Result struct {
	Outcome Outcome
	Err     error
}

func succeeded() Result {
	return Result{Outcome: Success}
}

func noRoute(err error) Result {
	return Result{Outcome: FailedNoRoute, Err: err}
}

func brokerError(err error) Result {
	return Result{Outcome: FailedBrokerError, Err: err}
}

// Description is the text persisted as an outbox row's last error.
func (r Result) Description() string {
	if r.Err == nil {
		return r.Outcome.String()
	}
	return r.Outcome.String() + ": " + r.Err.Error()
}

// Message is what the drain loop hands to a publisher.
type Message struct {
	EventID    string
	EventType  string
	RoutingKey string
	Body       []byte
	CreatedAt  time.Time
}

// Publisher delivers one message and reports how it went. Implementations
// never return broker failures as panics or errors, only as a Result.
type Publisher interface {
	Publish(ctx context.Context, msg Message) Result
	Close() error
}
