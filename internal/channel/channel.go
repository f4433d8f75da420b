// Package channel abstracts the telephony leg of a call: answering,
// reading caller audio frame by frame, writing bot audio, and hangup. The
// engine only ever sees this interface, so the same call loop runs against a
// live media stream or a scripted channel in tests.
package channel

import (
	"context"
	"errors"
)

// ErrChannelClosed reports that the caller hung up or the transport dropped.
// It is terminal for the call.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one answered (or answerable) call leg carrying 20ms PCM16LE
// frames at the negotiated channel rate.
type Channel interface {
	// CallID identifies the call for logging and accounting.
	CallID() string
	// CallerID is the caller's presented number, empty when withheld.
	CallerID() string

	// Answer accepts the call. Media may not flow before it.
	Answer(ctx context.Context) error
	// ReadFrame blocks for the next inbound audio frame. It returns
	// ErrChannelClosed once the remote side is gone.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame streams one frame of bot audio to the caller.
	WriteFrame(ctx context.Context, frame []byte) error

	// Variable reads a channel variable set by the switch or the engine.
	Variable(name string) (string, bool)
	// SetVariable records a channel variable, e.g. the termination reason.
	SetVariable(name, value string)

	// Hangup ends the call from our side.
	Hangup(ctx context.Context) error
	// Close releases transport resources. Safe after Hangup.
	Close() error
}
