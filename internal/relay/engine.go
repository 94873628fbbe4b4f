package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultAnswerType     = domain.AnswerTypeText
	defaultPersistTimeout = 10 * time.Second

	// DefaultStopPollInterval is how often a relay waiting on upstream
	// checks for a stop request.
	DefaultStopPollInterval = 250 * time.Millisecond
)

// Persister is the durable store the finalizer writes a turn into. Every
// call is idempotent for a given record.
type Persister interface {
	SaveResponse(ctx context.Context, rec *domain.ChatRequestRecord, text, sid string, answerType int, edit bool) error
	SaveThinking(ctx context.Context, rec *domain.ChatRequestRecord, text string, edit bool) error
	SaveTrace(ctx context.Context, rec *domain.ChatRequestRecord, text string, edit bool) error
}

// Turn identifies the chat turn a relay serves.
type Turn struct {
	StreamID string
	// Record is the persisted request. It may be nil only for debug turns
	// and workflow resumes, which are not persisted.
	Record *domain.ChatRequestRecord
	Edit   bool
	Debug  bool
}

// Options tunes an Engine
type Options struct {
	// BufferSize coalesces that many data events into one send. Zero
	// forwards every event as it arrives.
	BufferSize       int
	MaxLineBytes     int
	PersistTimeout   time.Duration
	StopPollInterval time.Duration
}

// Engine runs one relay goroutine per stream.
type Engine struct {
	registry  *Registry
	signals   StopSignals
	persister Persister
	logger    *zap.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders Start against Shutdown and guards running.
	mu      sync.Mutex
	closing bool
	running map[*Session]struct{}
}

// NewEngine creates a relay engine
func NewEngine(registry *Registry, signals StopSignals, persister Persister, logger *zap.Logger, opts Options) *Engine {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.StopPollInterval <= 0 {
		opts.StopPollInterval = DefaultStopPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:  registry,
		signals:   signals,
		persister: persister,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[*Session]struct{}),
	}
}

// Registry returns the session registry
func (e *Engine) Registry() *Registry { return e.registry }

// Signals returns the local stop-signal store
func (e *Engine) Signals() StopSignals { return e.signals }

// Start registers sink under turn.StreamID and relays the upstream opened by
// opener in a new goroutine. It returns without waiting for the upstream.
func (e *Engine) Start(turn Turn, sink Sink, opener Opener, dec Decoder) *Session {
	sess := e.registry.Create(turn.StreamID, dec.Provider(), sink)

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		sess.state.Store(int32(StateTerminated))
		sink.CompleteWithError("server is shutting down")
		e.registry.removeIf(sess.ID, sess)
		return sess
	}
	e.running[sess] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.RecordStreamStart(dec.Provider())
	go e.run(sess, turn, opener, dec)
	return sess
}

// Streams lists the relays still running, including those whose client has
// already gone.
func (e *Engine) Streams() []SessionInfo {
	e.mu.Lock()
	out := make([]SessionInfo, 0, len(e.running))
	for sess := range e.running {
		cur, ok := e.registry.lookup(sess.ID)
		out = append(out, SessionInfo{
			StreamID:       sess.ID,
			Provider:       sess.Provider,
			State:          sess.State().String(),
			StartedAt:      sess.StartedAt,
			ClientAttached: ok && cur == sess,
		})
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stop aborts every running relay of streamID at once. The relays finalize
// as stopped and persist what they collected. It reports whether any relay
// was found.
func (e *Engine) Stop(streamID string) bool {
	found := false
	for _, sess := range e.sessions(streamID) {
		sess.abort(StateStoppingSignal, "stopped")
		found = true
	}
	return found
}

func (e *Engine) sessions(streamID string) []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Session
	for sess := range e.running {
		if streamID == "" || sess.ID == streamID {
			out = append(out, sess)
		}
	}
	return out
}

// Shutdown waits for running relays. If ctx expires first, upstream reads
// are aborted so every relay still finalizes with what it collected.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		for _, sess := range e.sessions("") {
			sess.abort(StateStoppingError, "shutdown")
		}
		<-done
		return ctx.Err()
	}
}

func (e *Engine) run(sess *Session, turn Turn, opener Opener, dec Decoder) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, sess)
		e.mu.Unlock()
	}()

	start := time.Now()
	log := e.logger.With(
		zap.String("stream_id", sess.ID),
		zap.String("provider", dec.Provider()),
	)

	body, err := opener.Open(sess.bind(e.ctx))
	if err != nil {
		metrics.RecordConnectFailure(dec.Provider())
		log.Error("Upstream request failed", zap.Error(err))
		sess.state.Store(int32(StateTerminated))
		_ = sess.releaseUpstream()
		sess.sink.CompleteWithError(connectFailureMessage(err))
		e.registry.removeIf(sess.ID, sess)
		return
	}
	sess.attachUpstream(body)

	acc := NewAccumulator()
	fwd := e.newForwarder(sess, log)
	watching := make(chan struct{})
	go e.watchStop(sess, watching, log)
	exit := e.loop(sess, body, dec, acc, fwd, log)
	close(watching)
	fwd.flush()

	if err := sess.transition(exit); err != nil {
		log.Error("Relay state", zap.Error(err))
	}
	e.finalize(sess, turn, dec.Provider(), acc, exit, start, log)
}

// loop relays upstream lines until a stopping state is reached.
func (e *Engine) loop(sess *Session, body io.Reader, dec Decoder, acc *Accumulator, fwd forwarder, log *zap.Logger) State {
	lines := newLineReader(body, e.opts.MaxLineBytes)

	for {
		if st, cause, ok := sess.aborted(); ok {
			log.Info("Relay aborted, saving collected data", zap.String("cause", cause))
			return st
		}
		if e.signals.IsStoppedAndConsume(sess.ID) {
			log.Info("Stop signal detected, saving collected data")
			return StateStoppingSignal
		}

		line, err := lines.Next()
		if err != nil {
			if st, cause, ok := sess.aborted(); ok {
				log.Info("Upstream read aborted, saving collected data", zap.String("cause", cause))
				return st
			}
			if errors.Is(err, io.EOF) {
				log.Warn("Upstream closed without end marker")
			} else {
				log.Error("Upstream read failed, saving collected data", zap.Error(err))
			}
			return StateStoppingError
		}

		kind, payload := ParseLine(line)
		switch kind {
		case LineSkip:
			continue
		case LineDone:
			return StateStoppingDone
		}

		frame, err := decode(dec, []byte(payload))
		if err != nil {
			metrics.RecordParseError(dec.Provider())
			log.Error("Failed to decode upstream payload", zap.Error(err))
			log.Debug("Malformed upstream payload", zap.String("payload", payload))
			frame = parseErrorFrame(err, dec.ErrorTable())
		}
		apply(frame, acc, fwd)

		if frame.Terminal {
			return StateStoppingDone
		}
		if st, cause, ok := sess.aborted(); ok {
			log.Info("Relay aborted after processing data, saving collected data", zap.String("cause", cause))
			return st
		}
		if e.signals.IsStoppedAndConsume(sess.ID) {
			log.Info("Stop signal detected after processing data, saving collected data")
			return StateStoppingSignal
		}
	}
}

// watchStop observes stop requests while the loop is blocked on a read that
// may never return. A request seen here aborts the upstream read.
func (e *Engine) watchStop(sess *Session, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(e.opts.StopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if e.signals.IsStoppedAndConsume(sess.ID) {
				log.Info("Stop signal detected while waiting on upstream")
				sess.abort(StateStoppingSignal, "stop signal")
				return
			}
		}
	}
}

// decode shields the loop from a panicking decoder.
func decode(dec Decoder, payload []byte) (frame *Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			frame, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	frame, err = dec.Decode(payload)
	if err == nil && frame == nil {
		frame = &Frame{}
	}
	return frame, err
}

func apply(f *Frame, acc *Accumulator, fwd forwarder) {
	for _, ev := range f.Events {
		fwd.event(ev.Name, ev.Payload)
	}
	if f.Forward != nil {
		fwd.data(f.Forward)
	}

	acc.SetSessionID(f.SessionID)
	if f.ErrorText != "" {
		acc.AppendContent(f.ErrorText)
	}
	acc.AppendContent(f.Content)
	acc.AppendThinking(f.Reasoning)
	for _, t := range f.Traces {
		acc.AppendTrace(t)
	}
	acc.SetAnswerType(f.AnswerType)
	acc.SetEnvelope(f.Envelope)
}

func connectFailureMessage(err error) string {
	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("Request failed: %s", statusErr.Status)
	}
	return "Request failed: upstream unavailable"
}
