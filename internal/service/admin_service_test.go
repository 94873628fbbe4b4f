package service

import (
	"context"
	"testing"
	"time"

	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminService_StatsAndTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sparkLines...)
	sink, _ := newSink()

	_, err := f.chat.StartChat(ctx, "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi"}, sink)
	require.NoError(t, err)
	waitDone(t, sink)

	stats, err := f.admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.TotalResponses)

	reqs, err := f.admin.ListRequests(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	turn, err := f.admin.GetTurn(ctx, reqs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", turn.Response.Message)

	_, err = f.admin.GetTurn(ctx, reqs[0].ID+100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdminService_StopStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.admin.StopStream(ctx, "missing"), domain.ErrNotFound)
	assert.Empty(t, f.admin.ListStreams(ctx))
}

func TestAdminService_StopDetachedStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sparkLines[0], holdLine)
	sink, _ := newSink()

	_, err := f.chat.StartChat(ctx, "spark", &domain.ChatRequest{ChatID: "c1", UID: "u1", Text: "hi", StreamID: "adm-1"}, sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.admin.ListStreams(ctx)) == 1 }, time.Second, 5*time.Millisecond)

	sink.Detach()
	streams := f.admin.ListStreams(ctx)
	require.Len(t, streams, 1)
	assert.Equal(t, "adm-1", streams[0].StreamID)
	assert.False(t, streams[0].ClientAttached)

	require.NoError(t, f.admin.StopStream(ctx, "adm-1"))
	require.Eventually(t, func() bool { return len(f.admin.ListStreams(ctx)) == 0 }, 2*time.Second, 5*time.Millisecond)

	rec, err := f.records.LatestRequest(ctx, "u1", "c1")
	require.NoError(t, err)
	turn, err := f.admin.GetTurn(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, turn.Response)
	assert.Equal(t, "Hello", turn.Response.Message)
}
