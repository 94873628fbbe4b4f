package relay

import (
	"context"
	"time"

	"github.com/liliang-cn/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

const interruptedReason = "Stream interrupted or client disconnected"

// CompletionData is the body of the "complete" event.
type CompletionData struct {
	FinalResult    string `json:"finalResult"`
	ThinkingResult string `json:"thinkingResult"`
	TraceResult    string `json:"traceResult"`
	SID            string `json:"sid,omitempty"`
	Provider       string `json:"provider"`
	StreamID       string `json:"sseId"`
	ChatID         string `json:"chatId,omitempty"`
	RequestID      int64  `json:"requestId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Interrupted    bool   `json:"interrupted,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type completeEnvelope struct {
	Complete  bool           `json:"complete"`
	Timestamp int64          `json:"timestamp"`
	Data      CompletionData `json:"data"`
}

type endMarker struct {
	End       bool  `json:"end"`
	Timestamp int64 `json:"timestamp"`
}

// finalize persists the turn, then tells the client, then tears the session
// down. It runs at most once per session whatever the exit path.
func (e *Engine) finalize(sess *Session, turn Turn, provider string, acc *Accumulator, exit State, start time.Time, log *zap.Logger) {
	sess.finalizeOnce.Do(func() {
		if !turn.Debug && turn.Record != nil {
			e.persist(turn, acc, log)
		}

		now := time.Now()
		data := CompletionData{
			FinalResult:    acc.Final(),
			ThinkingResult: acc.Thinking(),
			TraceResult:    acc.Trace(),
			SID:            acc.SessionID(),
			Provider:       provider,
			StreamID:       sess.ID,
			Timestamp:      now.UnixMilli(),
		}
		if turn.Record != nil {
			data.ChatID = turn.Record.ChatID
			data.RequestID = turn.Record.ID
		}
		if exit.Interrupted() {
			data.Interrupted = true
			data.Reason = interruptedReason
		}

		e.notify(sess, data, log)

		if exit == StateStoppingError {
			sess.sink.CompleteWithError(interruptedReason)
		} else {
			sess.sink.Complete()
		}
		if err := sess.releaseUpstream(); err != nil {
			log.Debug("Closing upstream body", zap.Error(err))
		}
		e.registry.removeIf(sess.ID, sess)
		if err := sess.transition(StateTerminated); err != nil {
			log.Error("Relay state", zap.Error(err))
		}

		metrics.RecordStreamEnd(provider, exit.reason(), time.Since(start))
		_, cause, _ := sess.aborted()
		log.Info("Stream finalized",
			zap.String("reason", exit.reason()),
			zap.String("cause", cause),
			zap.Int("final_len", len(data.FinalResult)),
			zap.Int("thinking_len", len(data.ThinkingResult)),
			zap.Int("trace_len", len(data.TraceResult)),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// persist writes every buffer. A failed write does not stop the others.
func (e *Engine) persist(turn Turn, acc *Accumulator, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
	defer cancel()

	rec := turn.Record
	if err := e.persister.SaveResponse(ctx, rec, acc.Persisted(), acc.SessionID(), acc.AnswerType(), turn.Edit); err != nil {
		metrics.RecordPersistFailure("response")
		log.Error("Failed to save chat response", zap.Int64("req_id", rec.ID), zap.Error(err))
	}
	if err := e.persister.SaveThinking(ctx, rec, acc.Thinking(), turn.Edit); err != nil {
		metrics.RecordPersistFailure("reasoning")
		log.Error("Failed to save thinking result", zap.Int64("req_id", rec.ID), zap.Error(err))
	}
	if trace := acc.Trace(); trace != "" {
		if err := e.persister.SaveTrace(ctx, rec, trace, turn.Edit); err != nil {
			metrics.RecordPersistFailure("trace")
			log.Error("Failed to save trace result", zap.Int64("req_id", rec.ID), zap.Error(err))
		}
	}
}

// notify sends the completion payload and the end marker. The client may
// already be gone; that is expected and only logged at debug level.
func (e *Engine) notify(sess *Session, data CompletionData, log *zap.Logger) {
	if err := sess.sink.Send("complete", completeEnvelope{Complete: true, Timestamp: data.Timestamp, Data: data}); err != nil {
		log.Debug("Completion event not delivered", zap.Error(err))
		return
	}
	if err := sess.sink.Send("end", endMarker{End: true, Timestamp: time.Now().UnixMilli()}); err != nil {
		log.Debug("End event not delivered", zap.Error(err))
	}
}
