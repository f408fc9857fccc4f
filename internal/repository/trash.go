package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// TrashRepository — таблица trashes.
type TrashRepository interface {
	// Upsert добавляет запись или обновляет размер и время существующей.
	Upsert(ctx context.Context, t *model.Trash) error
	// GetByPath возвращает запись корзины.
	GetByPath(ctx context.Context, path string) (*model.Trash, error)
	// List возвращает страницу корзины, упорядоченную по пути.
	List(ctx context.Context, limit, offset int) ([]*model.Trash, error)
	// ListAll возвращает всю корзину.
	ListAll(ctx context.Context) ([]*model.Trash, error)
	// Count — количество записей и суммарный размер.
	Count(ctx context.Context) (count int, size int64, err error)
	// Delete удаляет запись.
	Delete(ctx context.Context, path string) error
}

const trashColumns = `path, size, created_at`

type trashRepo struct {
	db DBTX
}

// NewTrashRepository создаёт репозиторий корзины.
func NewTrashRepository(db DBTX) TrashRepository {
	return &trashRepo{db: db}
}

func (r *trashRepo) Upsert(ctx context.Context, t *model.Trash) error {
	query := `
		INSERT INTO trashes (path, size, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET size = EXCLUDED.size, created_at = EXCLUDED.created_at`

	if _, err := r.db.Exec(ctx, query, t.Path, t.Size, t.CreatedAt); err != nil {
		return fmt.Errorf("ошибка записи в корзину: %w", err)
	}
	return nil
}

func (r *trashRepo) GetByPath(ctx context.Context, path string) (*model.Trash, error) {
	t := &model.Trash{}
	err := r.db.QueryRow(ctx, `SELECT `+trashColumns+` FROM trashes WHERE path = $1`, path).
		Scan(&t.Path, &t.Size, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи корзины: %w", err)
	}
	return t, nil
}

func (r *trashRepo) List(ctx context.Context, limit, offset int) ([]*model.Trash, error) {
	return r.query(ctx, `SELECT `+trashColumns+` FROM trashes ORDER BY path LIMIT $1 OFFSET $2`, limit, offset)
}

func (r *trashRepo) ListAll(ctx context.Context) ([]*model.Trash, error) {
	return r.query(ctx, `SELECT `+trashColumns+` FROM trashes ORDER BY path`)
}

func (r *trashRepo) query(ctx context.Context, query string, args ...any) ([]*model.Trash, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения корзины: %w", err)
	}
	defer rows.Close()

	var result []*model.Trash
	for rows.Next() {
		t := &model.Trash{}
		if err := rows.Scan(&t.Path, &t.Size, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи корзины: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r *trashRepo) Count(ctx context.Context) (int, int64, error) {
	var (
		n    int
		size int64
	)
	err := r.db.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0)::BIGINT FROM trashes`).Scan(&n, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчёта корзины: %w", err)
	}
	return n, size, nil
}

func (r *trashRepo) Delete(ctx context.Context, path string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM trashes WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи корзины: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
