package trace

import (
	"bufio"
	"io"
	"sync"
)

// StreamTracer writes each admitted event to an output as it happens.
// Writes are buffered; Flush pushes them out.
type StreamTracer struct {
	level  Level
	format Format

	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
	err    error
}

// NewStreamTracer writes events to w. When w is also an io.Closer, Close
// closes it.
func NewStreamTracer(w io.Writer, level Level, format Format) *StreamTracer {
	t := &StreamTracer{level: level, format: format, buf: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// Emit writes ev. The first write error is kept for Flush and later events
// are dropped; tracing never stops the guest.
func (t *StreamTracer) Emit(ev *Event) {
	if !t.level.admits(ev) {
		return
	}
	data := FormatEvent(ev, t.format)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	_, t.err = t.buf.Write(data)
}

// Flush writes buffered events and reports the first write error.
func (t *StreamTracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.err = t.buf.Flush()
	return t.err
}

// Close flushes and closes the output.
func (t *StreamTracer) Close() error {
	err := t.Flush()
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (t *StreamTracer) Level() Level { return t.level }
