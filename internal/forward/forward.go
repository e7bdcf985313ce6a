// Package forward defines the backends that re-deliver an accepted message
// to a forwarding address.
package forward

import (
	"context"
	"fmt"
)

// Mail is an accepted message as received from the wire.
type Mail struct {
	// Sender is the envelope sender (MAIL FROM).
	Sender string
	// Raw holds the full message, headers and body.
	Raw []byte
}

// Forwarder is implemented by every forwarding backend.
type Forwarder interface {
	// Forward delivers m unchanged to the single address to.
	Forward(ctx context.Context, m *Mail, to string) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// Func is the forward primitive handed to the pipeline for one message.
type Func func(ctx context.Context, to string) error

// Bind returns the forward primitive for m, or nil when f is nil.
func Bind(f Forwarder, m *Mail) Func {
	if f == nil {
		return nil
	}
	return func(ctx context.Context, to string) error {
		if err := f.Forward(ctx, m, to); err != nil {
			return fmt.Errorf("%s: %w", f.Name(), err)
		}
		return nil
	}
}
