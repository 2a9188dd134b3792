package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"go.uber.org/zap"
)

// connectionLostSentinel is delivered to every pending caller's channel when
// the session tears down with requests still in flight, instead of closing
// the channel. A receive on a closed channel yields a nil *Response with no
// way to tell "the connection died" apart from "a real, empty reply
// arrived" — send checks for this exact pointer to make that distinction.
var connectionLostSentinel = &Response{}

// writeQueueCapacity bounds the writer's pending-frame queue (spec.md §4.1
// "bounded, default 256"). A full queue fails fast with BackpressureError
// rather than blocking the caller indefinitely.
const writeQueueCapacity = 256

type writeJob struct {
	data []byte
	err  chan error
}

// stdioFraming drives newline-delimited JSON-RPC framing over one child
// process's stdin/stdout. One reader goroutine and one writer goroutine per
// instance; the pending table is the only state shared between them and is
// guarded by mu, held only for O(1) map operations (spec.md §5).
type stdioFraming struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader
	logger *zap.Logger

	mu      sync.Mutex
	pending map[int64]chan *Response

	writeCh       chan writeJob
	notifyHandler func(req *Request)

	done      chan struct{}
	closeOnce sync.Once
}

func newStdioFraming(stdin io.WriteCloser, stdout io.ReadCloser, logger *zap.Logger) *stdioFraming {
	f := &stdioFraming{
		stdin:   stdin,
		stdout:  stdout,
		reader:  bufio.NewReaderSize(stdout, 64*1024),
		logger:  logger,
		pending: make(map[int64]chan *Response),
		writeCh: make(chan writeJob, writeQueueCapacity),
		done:    make(chan struct{}),
	}
	go f.readLoop()
	go f.writeLoop()
	return f
}

// readLoop reads complete newline-delimited frames until EOF or a pipe
// error, then closes f.done so every blocked Send wakes with ConnectionLost.
func (f *stdioFraming) readLoop() {
	defer close(f.done)

	for {
		line, err := f.reader.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				f.dispatch(line)
			}
			return
		}
		f.dispatch(line)
	}
}

func (f *stdioFraming) dispatch(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		id, ok := normalizeID(resp.ID)
		if !ok {
			f.logger.Warn("dropping response with non-numeric id")
			return
		}
		f.mu.Lock()
		ch, exists := f.pending[id]
		if exists {
			delete(f.pending, id)
		}
		f.mu.Unlock()

		if exists {
			ch <- &resp
		} else {
			f.logger.Warn("late or unknown reply dropped", zap.Int64("id", id))
		}
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err == nil && req.Method != "" {
		if f.notifyHandler != nil {
			h := f.notifyHandler
			go h(&req)
		}
		return
	}

	f.logger.Warn("malformed frame, ignoring", zap.ByteString("frame", line))
}

// writeLoop is the single producer to the child's stdin, preserving FIFO
// submission order (spec.md §5 "per session: requests ... preserve
// submission order").
func (f *stdioFraming) writeLoop() {
	for job := range f.writeCh {
		_, err := f.stdin.Write(job.data)
		job.err <- err
		if err != nil {
			f.failAllPending()
			return
		}
	}
}

// send writes req and waits for its response, honoring ctx and the
// transport's own closed state.
func (f *stdioFraming) send(ctx context.Context, req *Request) (*Response, error) {
	id, ok := normalizeID(req.ID)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindTransport, "request id must be numeric")
	}

	ch := make(chan *Response, 1)
	f.mu.Lock()
	f.pending[id] = ch
	f.mu.Unlock()

	if err := f.write(req); err != nil {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == connectionLostSentinel {
			return nil, gwerrors.New(gwerrors.KindTransport, "connection lost")
		}
		return resp, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
		return nil, gwerrors.Wrap(gwerrors.KindTimeout, "call timed out", ctx.Err())
	case <-f.done:
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
		return nil, gwerrors.New(gwerrors.KindTransport, "connection lost")
	}
}

// sendNotification writes req without registering a pending entry.
func (f *stdioFraming) sendNotification(req *Request) error {
	return f.write(req)
}

func (f *stdioFraming) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindTransport, "marshal frame failed", err)
	}
	data = append(data, '\n')

	job := writeJob{data: data, err: make(chan error, 1)}
	select {
	case f.writeCh <- job:
	default:
		return gwerrors.New(gwerrors.KindBackpressure, "writer queue full")
	}

	select {
	case err := <-job.err:
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindTransport, "write failed", err)
		}
		return nil
	case <-f.done:
		return gwerrors.New(gwerrors.KindTransport, "connection lost")
	}
}

func (f *stdioFraming) onNotification(handler func(req *Request)) {
	f.notifyHandler = handler
}

// closed reports whether the reader has observed EOF/an error.
func (f *stdioFraming) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// failAllPending resolves every outstanding promise with an error, used
// when the session transitions to closed outside the normal read-EOF path
// (e.g. a writer failure cascading per spec.md §4.1's failure model).
func (f *stdioFraming) failAllPending() {
	f.mu.Lock()
	pending := f.pending
	f.pending = make(map[int64]chan *Response)
	f.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- connectionLostSentinel:
		default:
		}
	}
}

func (f *stdioFraming) close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.writeCh)
		err = f.stdin.Close()
	})
	return err
}

// normalizeID converts a JSON-decoded id (float64, string, or int) into an
// int64 key, the numeric id space this gateway allocates from.
func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
