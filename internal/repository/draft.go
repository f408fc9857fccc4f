package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// DraftRepository — таблица drafts.
type DraftRepository interface {
	// Create создаёт черновик. Совпадение draft_id — ErrConflict.
	Create(ctx context.Context, d *model.Draft) error
	// GetByID возвращает черновик по ID.
	GetByID(ctx context.Context, id string) (*model.Draft, error)
	// UpdateContent сохраняет результат классификации завершённой загрузки.
	UpdateContent(ctx context.Context, d *model.Draft) error
	// Delete удаляет черновик.
	Delete(ctx context.Context, id string) error
	// ListExpired возвращает черновики с expired_at < now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Draft, error)
	// CountExpired возвращает число черновиков с expired_at < now.
	CountExpired(ctx context.Context, now time.Time) (int, error)
}

const draftColumns = `draft_id, name, path, extension, size, created_at, expired_at, extras,
	hash, type, mime, width, height`

type draftRepo struct {
	db DBTX
}

// NewDraftRepository создаёт репозиторий черновиков.
func NewDraftRepository(db DBTX) DraftRepository {
	return &draftRepo{db: db}
}

func (r *draftRepo) Create(ctx context.Context, d *model.Draft) error {
	query := `
		INSERT INTO drafts (draft_id, name, path, extension, size, created_at, expired_at, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		d.ID, d.Name, d.Path, d.Extension, d.Size, d.CreatedAt, d.ExpiredAt, jsonArg(d.Extras),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: черновик %s уже существует", ErrConflict, d.ID)
		}
		return fmt.Errorf("ошибка создания черновика: %w", err)
	}
	return nil
}

func (r *draftRepo) GetByID(ctx context.Context, id string) (*model.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE draft_id = $1`

	d, err := scanDraft(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения черновика: %w", err)
	}
	return d, nil
}

func (r *draftRepo) UpdateContent(ctx context.Context, d *model.Draft) error {
	var typ *string
	if d.Type != nil {
		s := string(*d.Type)
		typ = &s
	}
	query := `
		UPDATE drafts
		SET hash = $2, type = $3, mime = $4, width = $5, height = $6,
			name = $7, extension = $8, size = $9
		WHERE draft_id = $1`

	tag, err := r.db.Exec(ctx, query,
		d.ID, d.Hash, typ, d.Mime, d.Width, d.Height, d.Name, d.Extension, d.Size,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления черновика: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *draftRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM drafts WHERE draft_id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления черновика: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *draftRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Draft, error) {
	query := `SELECT ` + draftColumns + `
		FROM drafts
		WHERE expired_at < $1
		ORDER BY expired_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения просроченных черновиков: %w", err)
	}
	defer rows.Close()

	var result []*model.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования черновика: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *draftRepo) CountExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM drafts WHERE expired_at < $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта просроченных черновиков: %w", err)
	}
	return n, nil
}

func scanDraft(row pgx.Row) (*model.Draft, error) {
	d := &model.Draft{}
	var (
		extras []byte
		typ    *string
	)
	if err := row.Scan(
		&d.ID, &d.Name, &d.Path, &d.Extension, &d.Size, &d.CreatedAt, &d.ExpiredAt, &extras,
		&d.Hash, &typ, &d.Mime, &d.Width, &d.Height,
	); err != nil {
		return nil, err
	}
	d.Extras = rawJSON(extras)
	if typ != nil {
		t := model.FileType(*typ)
		d.Type = &t
	}
	return d, nil
}
