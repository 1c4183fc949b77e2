package derived

import (
	"errors"
	"io"
	"sync"
)

const (
	// chunkSize is the unit the producer hands to consumer queues.
	chunkSize = 8 << 10

	// queueDepth bounds each consumer queue at 10 MiB of buffered chunks.
	// A slow consumer blocks the producer instead of growing memory.
	queueDepth = (10 << 20) / chunkSize
)

// errAllConsumersGone stops the producer once nobody is reading.
var errAllConsumersGone = errors.New("all consumers abandoned the build")

// chunkQueue is one bounded consumer queue. The producer side puts
// chunks, the consumer side reads them as a stream. Abandoning the queue
// detaches the consumer without stopping the producer.
type chunkQueue struct {
	ch        chan []byte
	abandoned chan struct{}

	abandonOnce sync.Once
	closeOnce   sync.Once

	mu  sync.Mutex
	err error

	leftover []byte
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{
		ch:        make(chan []byte, queueDepth),
		abandoned: make(chan struct{}),
	}
}

// put enqueues one chunk, blocking while the queue is full. It reports
// false once the consumer has abandoned the queue.
func (q *chunkQueue) put(chunk []byte) bool {
	select {
	case <-q.abandoned:
		return false
	default:
	}
	select {
	case q.ch <- chunk:
		return true
	case <-q.abandoned:
		return false
	}
}

// close ends the stream. A nil err is a clean EOF; a non-nil err is
// surfaced to the consumer after the buffered chunks drain.
func (q *chunkQueue) close(err error) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.err = err
		q.mu.Unlock()
		close(q.ch)
	})
}

// abandon detaches the consumer. Pending and future puts are dropped.
func (q *chunkQueue) abandon() {
	q.abandonOnce.Do(func() { close(q.abandoned) })
}

// Read implements io.Reader over the queued chunks.
func (q *chunkQueue) Read(p []byte) (int, error) {
	if len(q.leftover) == 0 {
		chunk, ok := <-q.ch
		if !ok {
			q.mu.Lock()
			err := q.err
			q.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		q.leftover = chunk
	}

	n := copy(p, q.leftover)
	q.leftover = q.leftover[n:]
	return n, nil
}

var _ io.Reader = (*chunkQueue)(nil)

// fanOutWriter feeds the producer's output to every live consumer queue
// in fixed-size chunks. Writes fail only when every queue is gone, so the
// producer exits within one chunk boundary of the last consumer leaving.
type fanOutWriter struct {
	queues []*chunkQueue
}

func newFanOutWriter(queues ...*chunkQueue) *fanOutWriter {
	return &fanOutWriter{queues: queues}
}

func (f *fanOutWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), chunkSize)

		// each queue owns its copy, the caller reuses p
		chunk := make([]byte, n)
		copy(chunk, p[:n])

		alive := 0
		for _, q := range f.queues {
			if q.put(chunk) {
				alive++
			}
		}
		if alive == 0 {
			return written, errAllConsumersGone
		}

		written += n
		p = p[n:]
	}
	return written, nil
}

// closeAll ends every queue with the same error.
func (f *fanOutWriter) closeAll(err error) {
	for _, q := range f.queues {
		q.close(err)
	}
}

var _ io.Writer = (*fanOutWriter)(nil)
