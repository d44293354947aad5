package session

import (
	"errors"
	"sync"
)

// CaptureState is the lifecycle state of one audio capture.
type CaptureState string

const (
	StateIdle       CaptureState = "idle"
	StateArmed      CaptureState = "armed"
	StateStreaming  CaptureState = "streaming"
	StateFinalizing CaptureState = "finalizing"
	StateClosed     CaptureState = "closed"
)

var (
	// ErrInvalidState rejects a structurally invalid transition (double start,
	// stop before start, a second concurrent capture).
	ErrInvalidState = errors.New("invalid capture state")

	// ErrProtocolViolation marks a message that arrived in the wrong state.
	// The message is dropped; the capture itself stays usable.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Recorder accumulates the ordered audio frames of a single capture.
// A new Recorder is Armed; Start moves it to Streaming, Stop finalizes the
// buffered frames into one blob, Abort discards them. Frames are kept in
// strict arrival order with no deduplication; a frame dropped for arriving
// in the wrong state is counted but never recovered.
type Recorder struct {
	mu       sync.Mutex
	state    CaptureState
	encoding string
	frames   [][]byte
	size     int
	dropped  int
}

// NewRecorder creates an armed recorder awaiting Start.
func NewRecorder() *Recorder {
	return &Recorder{state: StateArmed}
}

// Start begins streaming with the declared content encoding.
func (r *Recorder) Start(encoding string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateArmed {
		return ErrInvalidState
	}
	r.state = StateStreaming
	r.encoding = encoding
	return nil
}

// Frame appends one binary audio frame in arrival order. Zero-length frames
// are ignored. Outside Streaming the frame is dropped and counted, and
// ErrProtocolViolation is returned so the caller can report it.
func (r *Recorder) Frame(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStreaming {
		r.dropped++
		return ErrProtocolViolation
	}
	if len(b) == 0 {
		return nil
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	r.frames = append(r.frames, buf)
	r.size += len(buf)
	return nil
}

// Stop finalizes the capture: all buffered frames are concatenated in arrival
// order into one blob and the recorder is closed. Returns the blob and the
// encoding declared at Start.
func (r *Recorder) Stop() ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStreaming {
		return nil, "", ErrInvalidState
	}
	r.state = StateFinalizing

	blob := make([]byte, 0, r.size)
	for _, f := range r.frames {
		blob = append(blob, f...)
	}
	r.frames = nil
	r.size = 0
	r.state = StateClosed
	return blob, r.encoding, nil
}

// Abort discards all buffered frames and closes the recorder. Valid from any
// state; aborting an already closed recorder is a no-op.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
	r.size = 0
	r.state = StateClosed
}

// State returns the current capture state.
func (r *Recorder) State() CaptureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Encoding returns the content encoding declared at Start.
func (r *Recorder) Encoding() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encoding
}

// Dropped returns how many frames arrived in the wrong state and were discarded.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
