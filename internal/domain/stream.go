package domain

import "sync"

// StreamWriter is the producer half of a chunk pipe. Providers write chunks;
// the consumer pulls them through the ChunkStream half. Send fails once the
// consumer has closed, which is the cooperative cancellation signal for the
// producer.
type StreamWriter struct {
	ch        chan StreamChunk
	closed    chan struct{}
	closeOnce sync.Once
}

type streamReader struct {
	w *StreamWriter
}

// NewStreamPipe builds a connected writer/reader pair. buffer bounds how far
// the producer can run ahead of the consumer (natural backpressure).
func NewStreamPipe(buffer int) (*StreamWriter, ChunkStream) {
	if buffer <= 0 {
		buffer = 8
	}
	w := &StreamWriter{
		ch:     make(chan StreamChunk, buffer),
		closed: make(chan struct{}),
	}
	return w, &streamReader{w: w}
}

// Send delivers one chunk, blocking on backpressure. It returns false when
// the consumer closed early or ctx is done; the producer should stop.
func (w *StreamWriter) Send(ctx Context, c StreamChunk) bool {
	select {
	case <-w.closed:
		return false
	default:
	}
	select {
	case w.ch <- c:
		return true
	case <-w.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream. Idempotent; the reader observes end-of-stream after
// draining buffered chunks.
func (w *StreamWriter) Close() {
	w.closeOnce.Do(func() { close(w.closed) })
}

func (r *streamReader) Recv(ctx Context) (StreamChunk, bool) {
	select {
	case c := <-r.w.ch:
		return c, true
	default:
	}
	select {
	case c := <-r.w.ch:
		return c, true
	case <-r.w.closed:
		// Drain anything buffered before reporting end-of-stream.
		select {
		case c := <-r.w.ch:
			return c, true
		default:
			return StreamChunk{}, false
		}
	case <-ctx.Done():
		return StreamChunk{}, false
	}
}

func (r *streamReader) Close() { r.w.Close() }
