package channel

import (
	"context"
	"encoding/binary"
	"sync"
)

// Scripted is an in-memory channel for tests and dry runs. Inbound audio is
// a pre-queued frame script; outbound frames are captured for assertions.
// When the script runs out it either loops silence (an idle caller) or
// reports ErrChannelClosed (a hangup), depending on SilenceWhenEmpty.
type Scripted struct {
	id         string
	caller     string
	frameBytes int

	// SilenceWhenEmpty makes an exhausted script behave like a silent
	// caller instead of a hangup.
	SilenceWhenEmpty bool

	mu       sync.Mutex
	queue    [][]byte
	written  [][]byte
	vars     map[string]string
	closed   bool
	answered bool
	hungup   bool
	onWrite  func(written int)
}

// NewScripted returns an answered-ready scripted channel emitting frames of
// frameBytes bytes.
func NewScripted(callID, callerID string, frameBytes int) *Scripted {
	return &Scripted{
		id:         callID,
		caller:     callerID,
		frameBytes: frameBytes,
		vars:       make(map[string]string),
	}
}

func (s *Scripted) CallID() string   { return s.id }
func (s *Scripted) CallerID() string { return s.caller }

// QueueFrames appends inbound frames to the script.
func (s *Scripted) QueueFrames(frames ...[]byte) {
	s.mu.Lock()
	s.queue = append(s.queue, frames...)
	s.mu.Unlock()
}

// QueueSilence appends n silent frames.
func (s *Scripted) QueueSilence(n int) {
	for i := 0; i < n; i++ {
		s.QueueFrames(SilentFrame(s.frameBytes))
	}
}

// QueueSpeech appends n voiced frames of the given sample amplitude.
func (s *Scripted) QueueSpeech(n int, amplitude int16) {
	for i := 0; i < n; i++ {
		s.QueueFrames(VoicedFrame(s.frameBytes, amplitude))
	}
}

// OnWrite registers a hook invoked after every outbound frame with the total
// written so far. Tests use it to inject caller speech mid-playback.
func (s *Scripted) OnWrite(fn func(written int)) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

func (s *Scripted) Answer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelClosed
	}
	s.answered = true
	return nil
}

func (s *Scripted) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrChannelClosed
	}
	if len(s.queue) == 0 {
		if s.SilenceWhenEmpty {
			return SilentFrame(s.frameBytes), nil
		}
		return nil, ErrChannelClosed
	}
	frame := s.queue[0]
	s.queue = s.queue[1:]
	return frame, nil
}

func (s *Scripted) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.written = append(s.written, cp)
	n := len(s.written)
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *Scripted) Variable(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

func (s *Scripted) SetVariable(name, value string) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

func (s *Scripted) Hangup(ctx context.Context) error {
	s.mu.Lock()
	s.hungup = true
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Written returns a copy of all outbound frames so far.
func (s *Scripted) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// WrittenFrames returns the number of outbound frames so far.
func (s *Scripted) WrittenFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// Answered reports whether Answer was called.
func (s *Scripted) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// HungUp reports whether Hangup was called.
func (s *Scripted) HungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungup
}

// SilentFrame returns an all-zero PCM16LE frame.
func SilentFrame(bytes int) []byte { return make([]byte, bytes) }

// VoicedFrame returns a PCM16LE frame whose samples alternate around the
// given amplitude, giving it an RMS close to that amplitude.
func VoicedFrame(bytes int, amplitude int16) []byte {
	frame := make([]byte, bytes)
	for i := 0; i+1 < bytes; i += 2 {
		v := amplitude
		if (i/2)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(frame[i:i+2], uint16(v))
	}
	return frame
}
