package relay

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"
)

// forwarder relays frames to the client. Failures never reach the loop.
type forwarder interface {
	data(payload json.RawMessage)
	event(name string, payload any)
	flush()
}

type directForwarder struct {
	registry *Registry
	sess     *Session
	log      *zap.Logger
	lost     bool
}

func (f *directForwarder) send(name string, payload any) {
	if err := f.registry.deliver(f.sess, name, payload); err != nil && !f.lost {
		f.lost = true
		f.log.Info("Client disconnected, continuing to collect upstream data", zap.Error(err))
	}
}

func (f *directForwarder) data(payload json.RawMessage)   { f.send("data", payload) }
func (f *directForwarder) event(name string, payload any) { f.send(name, payload) }
func (f *directForwarder) flush()                         {}

// bufferedForwarder coalesces contiguous data payloads into one JSON array
// event. Named events flush first so ordering is kept.
type bufferedForwarder struct {
	*directForwarder
	size int
	buf  []json.RawMessage
}

func (f *bufferedForwarder) data(payload json.RawMessage) {
	f.buf = append(f.buf, payload)
	if len(f.buf) >= f.size {
		f.flush()
	}
}

func (f *bufferedForwarder) event(name string, payload any) {
	f.flush()
	f.directForwarder.event(name, payload)
}

func (f *bufferedForwarder) flush() {
	if len(f.buf) == 0 {
		return
	}
	batch := append(append([]byte{'['}, bytes.Join(rawSlices(f.buf), []byte{','})...), ']')
	f.buf = f.buf[:0]
	f.send("data", json.RawMessage(batch))
}

func rawSlices(in []json.RawMessage) [][]byte {
	out := make([][]byte, len(in))
	for i, r := range in {
		out[i] = r
	}
	return out
}

func (e *Engine) newForwarder(sess *Session, log *zap.Logger) forwarder {
	direct := &directForwarder{registry: e.registry, sess: sess, log: log}
	if e.opts.BufferSize <= 1 {
		return direct
	}
	return &bufferedForwarder{
		directForwarder: direct,
		size:            e.opts.BufferSize,
		buf:             make([]json.RawMessage, 0, e.opts.BufferSize),
	}
}
