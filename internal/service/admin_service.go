package service

import (
	"context"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/metrics"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/liliang-cn/chatrelay/internal/repository"
	"go.uber.org/zap"
)

// AdminService handles admin operations
type AdminService struct {
	engine  *relay.Engine
	records *repository.ChatRecordRepository
	logger  *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(
	engine *relay.Engine,
	records *repository.ChatRecordRepository,
	logger *zap.Logger,
) *AdminService {
	return &AdminService{
		engine:  engine,
		records: records,
		logger:  logger,
	}
}

// Stream operations

// ListStreams returns the relays running in this instance, including those
// whose client already disconnected.
func (s *AdminService) ListStreams(ctx context.Context) []relay.SessionInfo {
	return s.engine.Streams()
}

// StopStream aborts a relay running in this instance. It finalizes at once
// and persists what it collected.
func (s *AdminService) StopStream(ctx context.Context, streamID string) error {
	if !s.engine.Stop(streamID) {
		return domain.ErrNotFound
	}
	metrics.RecordStopRequest("admin")
	s.logger.Info("Stream stopped by admin", zap.String("stream_id", streamID))
	return nil
}

// Record operations

func (s *AdminService) GetTurn(ctx context.Context, reqID int64) (*domain.ChatTurn, error) {
	return s.records.GetTurn(ctx, reqID)
}

func (s *AdminService) ListRequests(ctx context.Context, uid, chatID string) ([]*domain.ChatRequestRecord, error) {
	return s.records.ListRequests(ctx, uid, chatID)
}

// Stats returns relay statistics
func (s *AdminService) Stats(ctx context.Context) (*domain.Stats, error) {
	requests, responses, err := s.records.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Stats{
		ActiveStreams:  len(s.engine.Streams()),
		TotalRequests:  requests,
		TotalResponses: responses,
	}, nil
}
