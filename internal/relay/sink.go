package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultSinkTimeout is how long a client sink stays open without completion.
const DefaultSinkTimeout = 8 * time.Minute

var (
	// ErrSinkClosed is returned when sending on a completed sink
	ErrSinkClosed = errors.New("sink closed")
	// ErrClientGone is returned when the client connection is no longer writable
	ErrClientGone = errors.New("client disconnected")
	// ErrStreamReplaced is the reason given to a sink evicted by a newer
	// session under the same stream id
	ErrStreamReplaced = errors.New("stream replaced by a newer request")
)

// Sink is the client-facing side of a stream session.
//
// Exactly one of Complete, CompleteWithError, Detach or the timeout takes
// effect; later calls are no-ops. Callbacks registered with OnCompletion run
// after every terminal transition.
type Sink interface {
	Send(event string, payload any) error
	Complete()
	CompleteWithError(reason string)
	OnCompletion(fn func())
	OnError(fn func(error))
	OnTimeout(fn func())
	Done() <-chan struct{}
}

type writeFunc func(event string, payload any) error

// sinkBase implements Sink on top of a transport write function.
type sinkBase struct {
	mu     sync.Mutex
	write  writeFunc
	close  func()
	closed bool
	gone   bool
	done   chan struct{}
	timer  *time.Timer

	onCompletion []func()
	onError      []func(error)
	onTimeout    []func()
}

func newSinkBase(write writeFunc, closeFn func(), timeout time.Duration) *sinkBase {
	b := &sinkBase{
		write: write,
		close: closeFn,
		done:  make(chan struct{}),
	}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, b.expire)
	}
	return b
}

type errorPayload struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Send writes one named event. A transport failure marks the client gone.
func (b *sinkBase) Send(event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gone {
		return ErrClientGone
	}
	if b.closed {
		return ErrSinkClosed
	}
	if err := b.write(event, payload); err != nil {
		b.gone = true
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

func (b *sinkBase) Complete() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closeLocked()
	completion := append([]func(){}, b.onCompletion...)
	b.mu.Unlock()

	b.release()
	for _, fn := range completion {
		fn()
	}
}

// CompleteWithError sends an "error" event when the client is still there,
// then closes the sink.
func (b *sinkBase) CompleteWithError(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if !b.gone {
		_ = b.write("error", errorPayload{Error: true, Message: reason, Timestamp: time.Now().UnixMilli()})
	}
	b.closeLocked()
	onError := append([]func(error){}, b.onError...)
	completion := append([]func(){}, b.onCompletion...)
	b.mu.Unlock()

	b.release()
	cause := errors.New(reason)
	for _, fn := range onError {
		fn(cause)
	}
	for _, fn := range completion {
		fn()
	}
}

// Detach closes the sink after the client went away. Nothing more is written.
func (b *sinkBase) Detach() {
	b.mu.Lock()
	b.gone = true
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closeLocked()
	onError := append([]func(error){}, b.onError...)
	completion := append([]func(){}, b.onCompletion...)
	b.mu.Unlock()

	b.release()
	for _, fn := range onError {
		fn(ErrClientGone)
	}
	for _, fn := range completion {
		fn()
	}
}

func (b *sinkBase) expire() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closeLocked()
	onTimeout := append([]func(){}, b.onTimeout...)
	completion := append([]func(){}, b.onCompletion...)
	b.mu.Unlock()

	b.release()
	for _, fn := range onTimeout {
		fn()
	}
	for _, fn := range completion {
		fn()
	}
}

func (b *sinkBase) closeLocked() {
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	close(b.done)
}

func (b *sinkBase) release() {
	if b.close != nil {
		b.close()
	}
}

func (b *sinkBase) OnCompletion(fn func()) {
	b.mu.Lock()
	b.onCompletion = append(b.onCompletion, fn)
	b.mu.Unlock()
}

func (b *sinkBase) OnError(fn func(error)) {
	b.mu.Lock()
	b.onError = append(b.onError, fn)
	b.mu.Unlock()
}

func (b *sinkBase) OnTimeout(fn func()) {
	b.mu.Lock()
	b.onTimeout = append(b.onTimeout, fn)
	b.mu.Unlock()
}

func (b *sinkBase) Done() <-chan struct{} {
	return b.done
}

// Closed reports whether the sink reached a terminal state.
func (b *sinkBase) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
