package usecase

import (
	"io"
	"strings"
)

const (
	streamStartMarker = "[STARTED]"
	streamEndMarker   = "[DONE]"
)

// FlushWriter is the output sink for a streamed exchange. Flush pushes any
// buffered bytes to the caller and surfaces transport faults (e.g. a
// disconnected client).
type FlushWriter interface {
	io.Writer
	Flush() error
}

// StreamOpener commits the streaming response once the conversation thread is
// resolved, so the transport can emit the thread id before the first byte of
// the body. It is invoked at most once per turn.
type StreamOpener func(threadID string) (FlushWriter, error)

// streamRelay frames the outgoing byte stream with lifecycle markers and
// flushes after every chunk. Chunks before the first non-blank one are
// suppressed; once content has started every chunk is forwarded verbatim.
// Forwarded text accumulates in buf for the persistence step.
type streamRelay struct {
	sink    FlushWriter
	started bool
	buf     strings.Builder
}

func newStreamRelay(sink FlushWriter) *streamRelay {
	return &streamRelay{sink: sink}
}

// Start emits the literal start marker.
func (r *streamRelay) Start() error {
	return r.emit(streamStartMarker)
}

// Forward relays one chunk to the sink. Leading whitespace-only chunks are
// dropped entirely: not forwarded and not buffered.
func (r *streamRelay) Forward(chunk string) error {
	if !r.started {
		if strings.TrimSpace(chunk) == "" {
			return nil
		}
		r.started = true
	}
	// Buffer only after a successful emit so the persisted text matches what
	// actually reached the caller.
	if err := r.emit(chunk); err != nil {
		return err
	}
	r.buf.WriteString(chunk)
	return nil
}

// Finish emits the literal end marker.
func (r *streamRelay) Finish() error {
	return r.emit(streamEndMarker)
}

// Text returns the accumulated forwarded chunk text.
func (r *streamRelay) Text() string {
	return r.buf.String()
}

func (r *streamRelay) emit(s string) error {
	if _, err := io.WriteString(r.sink, s); err != nil {
		return err
	}
	return r.sink.Flush()
}
