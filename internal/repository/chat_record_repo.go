package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/chatrelay/internal/domain"
)

const dateStampLayout = "20060102"

// ChatRecordRepository persists the rows of a chat turn
type ChatRecordRepository struct {
	db  *DB
	now func() time.Time
}

// NewChatRecordRepository creates a new chat record repository
func NewChatRecordRepository(db *DB) *ChatRecordRepository {
	return &ChatRecordRepository{db: db, now: time.Now}
}

// CreateRequest stores the user side of a turn and fills in its id
func (r *ChatRecordRepository) CreateRequest(ctx context.Context, rec *domain.ChatRequestRecord) error {
	rec.CreatedAt = r.now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_req_records (uid, chat_id, message, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.UID, rec.ChatID, rec.Message, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// GetRequest retrieves a request record by id; nil when absent
func (r *ChatRecordRepository) GetRequest(ctx context.Context, id int64) (*domain.ChatRequestRecord, error) {
	rec := &domain.ChatRequestRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, uid, chat_id, message, created_at
		FROM chat_req_records WHERE id = ?
	`, id).Scan(&rec.ID, &rec.UID, &rec.ChatID, &rec.Message, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LatestRequest returns the newest request of a chat; nil when absent
func (r *ChatRecordRepository) LatestRequest(ctx context.Context, uid, chatID string) (*domain.ChatRequestRecord, error) {
	rec := &domain.ChatRequestRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, uid, chat_id, message, created_at
		FROM chat_req_records WHERE uid = ? AND chat_id = ?
		ORDER BY id DESC LIMIT 1
	`, uid, chatID).Scan(&rec.ID, &rec.UID, &rec.ChatID, &rec.Message, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveResponse writes the answer of a turn. In edit mode only an existing
// row is updated; otherwise the row is created or overwritten.
func (r *ChatRecordRepository) SaveResponse(ctx context.Context, rec *domain.ChatRequestRecord, text, sid string, answerType int, edit bool) error {
	now := r.now()
	if edit {
		_, err := r.db.ExecContext(ctx, `
			UPDATE chat_resp_records
			SET message = ?, sid = ?, answer_type = ?, updated_at = ?
			WHERE uid = ? AND chat_id = ? AND req_id = ?
		`, text, sid, answerType, now, rec.UID, rec.ChatID, rec.ID)
		return wrap("update response", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_resp_records (uid, chat_id, req_id, message, sid, answer_type, date_stamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(req_id) DO UPDATE SET
			message = excluded.message,
			sid = excluded.sid,
			answer_type = excluded.answer_type,
			updated_at = excluded.updated_at
	`, rec.UID, rec.ChatID, rec.ID, text, sid, answerType, now.Format(dateStampLayout), now, now)
	return wrap("insert response", err)
}

// SaveThinking writes reasoning text; empty text is ignored
func (r *ChatRecordRepository) SaveThinking(ctx context.Context, rec *domain.ChatRequestRecord, text string, edit bool) error {
	if text == "" {
		return nil
	}
	return r.saveAux(ctx, "chat_reason_records", domain.ReasonTypeSpark, rec, text, edit)
}

// SaveTrace writes tool-call trace text; empty text is ignored
func (r *ChatRecordRepository) SaveTrace(ctx context.Context, rec *domain.ChatRequestRecord, text string, edit bool) error {
	if text == "" {
		return nil
	}
	return r.saveAux(ctx, "chat_trace_sources", domain.TraceTypeSearch, rec, text, edit)
}

func (r *ChatRecordRepository) saveAux(ctx context.Context, table, kind string, rec *domain.ChatRequestRecord, text string, edit bool) error {
	now := r.now()
	if edit {
		_, err := r.db.ExecContext(ctx, `UPDATE `+table+`
			SET content = ?, updated_at = ?
			WHERE uid = ? AND chat_id = ? AND req_id = ?
		`, text, now, rec.UID, rec.ChatID, rec.ID)
		return wrap("update "+table, err)
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO `+table+` (uid, chat_id, req_id, content, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(req_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
	`, rec.UID, rec.ChatID, rec.ID, text, kind, now, now)
	return wrap("insert "+table, err)
}

// GetTurn loads every row of the turn started by request id
func (r *ChatRecordRepository) GetTurn(ctx context.Context, reqID int64) (*domain.ChatTurn, error) {
	req, err := r.GetRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.ErrNotFound
	}
	turn := &domain.ChatTurn{Request: req}

	resp := &domain.ChatResponseRecord{}
	var sid sql.NullString
	err = r.db.QueryRowContext(ctx, `
		SELECT id, uid, chat_id, req_id, message, sid, answer_type, date_stamp, created_at, updated_at
		FROM chat_resp_records WHERE req_id = ?
	`, reqID).Scan(&resp.ID, &resp.UID, &resp.ChatID, &resp.ReqID, &resp.Message, &sid,
		&resp.AnswerType, &resp.DateStamp, &resp.CreatedAt, &resp.UpdatedAt)
	switch {
	case err == nil:
		resp.SID = sid.String
		turn.Response = resp
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	if turn.Reason, err = r.getAux(ctx, "chat_reason_records", reqID); err != nil {
		return nil, err
	}
	if turn.Trace, err = r.getAux(ctx, "chat_trace_sources", reqID); err != nil {
		return nil, err
	}
	return turn, nil
}

func (r *ChatRecordRepository) getAux(ctx context.Context, table string, reqID int64) (*domain.ChatAuxRecord, error) {
	rec := &domain.ChatAuxRecord{}
	err := r.db.QueryRowContext(ctx, `SELECT id, uid, chat_id, req_id, content, type, created_at, updated_at
		FROM `+table+` WHERE req_id = ?`, reqID).
		Scan(&rec.ID, &rec.UID, &rec.ChatID, &rec.ReqID, &rec.Content, &rec.Type, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRequests returns the requests of a chat, oldest first
func (r *ChatRecordRepository) ListRequests(ctx context.Context, uid, chatID string) ([]*domain.ChatRequestRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, uid, chat_id, message, created_at
		FROM chat_req_records WHERE uid = ? AND chat_id = ?
		ORDER BY id ASC
	`, uid, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ChatRequestRecord
	for rows.Next() {
		rec := &domain.ChatRequestRecord{}
		if err := rows.Scan(&rec.ID, &rec.UID, &rec.ChatID, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns the number of stored requests and responses
func (r *ChatRecordRepository) Counts(ctx context.Context) (requests, responses int, err error) {
	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_req_records`).Scan(&requests); err != nil {
		return 0, 0, err
	}
	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_resp_records`).Scan(&responses); err != nil {
		return 0, 0, err
	}
	return requests, responses, nil
}

func wrap(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
