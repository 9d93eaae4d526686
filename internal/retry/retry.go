package retry

import (
	"context"
	"errors"
	"net"
)

// Class tells the swap worker whether a failure may be retried.
type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

// Terminal marks err as non-retryable. The job fails on the first occurrence.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify reports how the worker should treat err. Unmarked errors are
// transient: a submission or confirmation problem is assumed to be an
// infrastructure hiccup unless the caller said otherwise.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTransient, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
		return Decision{Class: ClassTransient, Reason: "net_error"}
	}

	return Decision{Class: ClassTransient, Reason: "unclassified"}
}
