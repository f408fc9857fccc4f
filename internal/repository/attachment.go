package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// AttachmentRepository — таблица attachments.
type AttachmentRepository interface {
	// Create создаёт вложение. Совпадение attachment_id — ErrConflict.
	Create(ctx context.Context, a *model.Attachment) error
	// GetByID возвращает вложение по ID.
	GetByID(ctx context.Context, id string) (*model.Attachment, error)
	// UpdateSlot переносит вложение в другой слот (ID сохраняется).
	UpdateSlot(ctx context.Context, id string, slot model.Slot) error
	// Delete удаляет вложение.
	Delete(ctx context.Context, id string) error
	// ListBySlot возвращает вложения слота.
	ListBySlot(ctx context.Context, slot model.Slot) ([]*model.Attachment, error)
	// CountBySlot — количество вложений в слоте.
	CountBySlot(ctx context.Context, slot model.Slot) (int, error)
	// CountByHash — количество вложений, ссылающихся на файл.
	CountByHash(ctx context.Context, hash string) (int, error)
	// IncrementDownloads увеличивает счётчик скачиваний и возвращает новое значение.
	IncrementDownloads(ctx context.Context, id string) (int64, error)
}

const attachmentColumns = `attachment_id, hash, component_type, component_name,
	position_type, position_id, name, created_at, downloads, extras`

const slotCondition = `component_type = $1 AND component_name = $2
	AND position_type = $3 AND position_id = $4`

type attachmentRepo struct {
	db DBTX
}

// NewAttachmentRepository создаёт репозиторий вложений.
func NewAttachmentRepository(db DBTX) AttachmentRepository {
	return &attachmentRepo{db: db}
}

func (r *attachmentRepo) Create(ctx context.Context, a *model.Attachment) error {
	query := `
		INSERT INTO attachments (attachment_id, hash, component_type, component_name,
			position_type, position_id, name, created_at, downloads, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.Hash, a.ComponentType, a.ComponentName, a.PositionType, a.PositionID,
		a.Name, a.CreatedAt, a.Downloads, jsonArg(a.Extras),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: вложение %s уже существует", ErrConflict, a.ID)
		}
		return fmt.Errorf("ошибка создания вложения: %w", err)
	}
	return nil
}

func (r *attachmentRepo) GetByID(ctx context.Context, id string) (*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE attachment_id = $1`

	a, err := scanAttachment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения вложения: %w", err)
	}
	return a, nil
}

func (r *attachmentRepo) UpdateSlot(ctx context.Context, id string, slot model.Slot) error {
	query := `
		UPDATE attachments
		SET component_type = $2, component_name = $3, position_type = $4, position_id = $5
		WHERE attachment_id = $1`

	tag, err := r.db.Exec(ctx, query,
		id, slot.ComponentType, slot.ComponentName, slot.PositionType, slot.PositionID,
	)
	if err != nil {
		return fmt.Errorf("ошибка переноса вложения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM attachments WHERE attachment_id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления вложения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) ListBySlot(ctx context.Context, slot model.Slot) ([]*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + `
		FROM attachments
		WHERE ` + slotCondition + `
		ORDER BY created_at, attachment_id`

	rows, err := r.db.Query(ctx, query,
		slot.ComponentType, slot.ComponentName, slot.PositionType, slot.PositionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения вложений слота: %w", err)
	}
	defer rows.Close()

	var result []*model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования вложения: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *attachmentRepo) CountBySlot(ctx context.Context, slot model.Slot) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE `+slotCondition,
		slot.ComponentType, slot.ComponentName, slot.PositionType, slot.PositionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта вложений слота: %w", err)
	}
	return n, nil
}

func (r *attachmentRepo) CountByHash(ctx context.Context, hash string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE hash = $1`, hash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта ссылок на файл: %w", err)
	}
	return n, nil
}

func (r *attachmentRepo) IncrementDownloads(ctx context.Context, id string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		UPDATE attachments SET downloads = downloads + 1
		WHERE attachment_id = $1
		RETURNING downloads`, id,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка обновления счётчика скачиваний: %w", err)
	}
	return n, nil
}

func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	a := &model.Attachment{}
	var extras []byte
	if err := row.Scan(
		&a.ID, &a.Hash, &a.ComponentType, &a.ComponentName, &a.PositionType, &a.PositionID,
		&a.Name, &a.CreatedAt, &a.Downloads, &extras,
	); err != nil {
		return nil, err
	}
	a.Extras = rawJSON(extras)
	return a, nil
}
