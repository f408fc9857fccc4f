package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// FileRepository — таблица files: одна запись на уникальное содержимое.
type FileRepository interface {
	// Insert создаёт запись. Конфликт первичного ключа (hash) — ErrConflict:
	// это сигнал дедупликации, а не ошибка.
	Insert(ctx context.Context, f *model.File) error
	// GetByHash возвращает файл по hash.
	GetByHash(ctx context.Context, hash string) (*model.File, error)
	// ExistsByPath проверяет, ссылается ли какая-либо запись на путь.
	ExistsByPath(ctx context.Context, path string) (bool, error)
	// Delete удаляет запись. Если на файл ещё ссылаются вложения — ErrConflict.
	Delete(ctx context.Context, hash string) error
}

const fileColumns = `hash, path, type, mime, extension, size, width, height, created_at`

type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

func (r *fileRepo) Insert(ctx context.Context, f *model.File) error {
	query := `
		INSERT INTO files (hash, path, type, mime, extension, size, width, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		f.Hash, f.Path, string(f.Type), f.Mime, f.Extension, f.Size, f.Width, f.Height,
	).Scan(&f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже зарегистрирован", ErrConflict, f.Hash)
		}
		return fmt.Errorf("ошибка регистрации файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByHash(ctx context.Context, hash string) (*model.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE hash = $1`

	f, err := scanFile(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) ExistsByPath(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM files WHERE path = $1)`, path,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки пути файла: %w", err)
	}
	return exists, nil
}

func (r *fileRepo) Delete(ctx context.Context, hash string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE hash = $1`, hash)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: на файл %s есть ссылки", ErrConflict, hash)
		}
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFile(row pgx.Row) (*model.File, error) {
	f := &model.File{}
	var typ string
	if err := row.Scan(
		&f.Hash, &f.Path, &typ, &f.Mime, &f.Extension,
		&f.Size, &f.Width, &f.Height, &f.CreatedAt,
	); err != nil {
		return nil, err
	}
	f.Type = model.FileType(typ)
	return f, nil
}
