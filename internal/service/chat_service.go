package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/metrics"
	"github.com/liliang-cn/chatrelay/internal/provider"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/liliang-cn/chatrelay/internal/repository"
	"go.uber.org/zap"
)

// StopPublisher fans a stop request out to every instance
type StopPublisher interface {
	RequestStop(ctx context.Context, streamID string) error
}

// ChatService starts, stops and resumes streamed chat turns
type ChatService struct {
	engine    *relay.Engine
	providers provider.Set
	workflow  *provider.Workflow
	records   *repository.ChatRecordRepository
	publisher StopPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewChatService creates a new chat service. publisher may be nil, in which
// case stop requests only reach relays running in this process.
func NewChatService(
	engine *relay.Engine,
	providers provider.Set,
	workflow *provider.Workflow,
	records *repository.ChatRecordRepository,
	publisher StopPublisher,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		engine:    engine,
		providers: providers,
		workflow:  workflow,
		records:   records,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Providers lists the provider names chat requests may address
func (s *ChatService) Providers() []string {
	return s.providers.Names()
}

// StreamID returns the caller's stream id or derives one from the turn.
func (s *ChatService) StreamID(req *domain.ChatRequest) string {
	if id := strings.TrimSpace(req.StreamID); id != "" {
		return id
	}
	if req.ChatID == "" || req.UID == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s_%s_%d", req.ChatID, req.UID, s.now().UnixMilli())
}

// StartChat relays a chat turn to sink. The start event is sent before the
// relay goroutine begins so it is always the first event the client sees.
func (s *ChatService) StartChat(ctx context.Context, providerName string, req *domain.ChatRequest, sink relay.Sink) (*domain.StreamStarted, error) {
	p, err := s.providers.Lookup(providerName)
	if err != nil {
		return nil, err
	}
	up, err := p.Prepare(req)
	if err != nil {
		return nil, err
	}

	var rec *domain.ChatRequestRecord
	if !req.Debug {
		rec, err = s.requestRecord(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	turn := relay.Turn{
		StreamID: s.StreamID(req),
		Record:   rec,
		Edit:     req.Edit,
		Debug:    req.Debug,
	}
	started := s.started(turn.StreamID, req.ChatID)
	if err := sink.Send("data", started); err != nil {
		s.logger.Debug("Start event not delivered", zap.String("stream_id", turn.StreamID), zap.Error(err))
	}

	s.engine.Start(turn, sink, up.Opener, up.Decoder)
	s.logger.Info("Chat stream started",
		zap.String("stream_id", turn.StreamID),
		zap.String("provider", p.Name()),
		zap.Bool("debug", req.Debug),
		zap.Bool("edit", req.Edit),
	)
	return started, nil
}

// requestRecord finds the record being regenerated on edit, otherwise it
// stores a new one.
func (s *ChatService) requestRecord(ctx context.Context, req *domain.ChatRequest) (*domain.ChatRequestRecord, error) {
	if req.UID == "" {
		return nil, fmt.Errorf("%w: uid is required", domain.ErrInvalidRequest)
	}
	if req.Edit {
		rec, err := s.records.LatestRequest(ctx, req.UID, req.ChatID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, domain.ErrEmptyMessage
		}
		return rec, nil
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	rec := &domain.ChatRequestRecord{
		UID:     req.UID,
		ChatID:  req.ChatID,
		Message: text,
	}
	if err := s.records.CreateRequest(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ResumeWorkflow answers a workflow interrupt and relays the continuation.
// Resumed turns are not persisted.
func (s *ChatService) ResumeWorkflow(ctx context.Context, req *domain.ResumeRequest, sink relay.Sink) (*domain.StreamStarted, error) {
	if s.workflow == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, provider.WorkflowName)
	}
	up, err := s.workflow.PrepareResume(req)
	if err != nil {
		return nil, err
	}

	streamID := fmt.Sprintf("%s_resume_%d", req.ChatID, s.now().UnixMilli())
	started := s.started(streamID, req.ChatID)
	if err := sink.Send("data", started); err != nil {
		s.logger.Debug("Start event not delivered", zap.String("stream_id", streamID), zap.Error(err))
	}

	s.engine.Start(relay.Turn{StreamID: streamID}, sink, up.Opener, up.Decoder)
	s.logger.Info("Workflow resume started",
		zap.String("stream_id", streamID),
		zap.String("event_id", req.EventID),
	)
	return started, nil
}

// StopStream asks the relay owning streamID to stop. With a publisher the
// request reaches every instance; the call succeeds even when no relay
// currently holds the stream.
func (s *ChatService) StopStream(ctx context.Context, streamID string) error {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("%w: streamId is required", domain.ErrInvalidRequest)
	}

	if s.publisher != nil {
		err := s.publisher.RequestStop(ctx, streamID)
		if err == nil {
			metrics.RecordStopRequest("broadcast")
			s.logger.Info("Stop request published", zap.String("stream_id", streamID))
			return nil
		}
		s.logger.Warn("Failed to publish stop request, stopping locally",
			zap.String("stream_id", streamID), zap.Error(err))
	}

	s.engine.Signals().RequestStop(streamID)
	metrics.RecordStopRequest("local")
	s.logger.Info("Stop request recorded", zap.String("stream_id", streamID))
	return nil
}

func (s *ChatService) started(streamID, chatID string) *domain.StreamStarted {
	return &domain.StreamStarted{
		Type:      "start",
		StreamID:  streamID,
		ChatID:    chatID,
		Timestamp: s.now().UnixMilli(),
	}
}
