// attachment.go — чтение вложений и черновиков для API.
// Записи вложений кэшируются вместе с файлом (hash → files).
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-module/internal/thumbnail"
)

// AttachmentService — получение вложений и отдача их файлов.
type AttachmentService struct {
	repos   repository.Repos
	store   *filestore.FileStore
	objects ObjectStore
	engine  *thumbnail.Engine
	cache   *CacheService
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// NewAttachmentService создаёт сервис. objects может быть nil.
func NewAttachmentService(
	repos repository.Repos,
	store *filestore.FileStore,
	objects ObjectStore,
	engine *thumbnail.Engine,
	cache *CacheService,
	baseURL string,
	logger *slog.Logger,
) *AttachmentService {
	return &AttachmentService{
		repos:   repos,
		store:   store,
		objects: objects,
		engine:  engine,
		cache:   cache,
		baseURL: baseURL,
		logger:  logger.With(slog.String("component", "attachment")),
		now:     time.Now,
	}
}

// Lookup возвращает вложение вместе с файлом (из кэша или БД).
func (s *AttachmentService) Lookup(ctx context.Context, id string) (*AttachmentEntry, error) {
	if entry, ok := s.cache.Get(id); ok {
		return entry, nil
	}

	a, err := s.repos.Attachments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("вложение %s не найдено", id)
		}
		return nil, internal(err, "ошибка получения вложения %s", id)
	}
	f, err := s.repos.Files.GetByHash(ctx, a.Hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("файл вложения %s не найден", id)
		}
		return nil, internal(err, "ошибка получения файла вложения %s", id)
	}

	entry := &AttachmentEntry{Attachment: a, File: f}
	s.cache.Set(id, entry)
	return entry, nil
}

// lookupDraft возвращает действующий черновик с временным файлом на диске.
func (s *AttachmentService) lookupDraft(ctx context.Context, id string) (*model.Draft, error) {
	d, err := s.repos.Drafts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("вложение или черновик %s не найден", id)
		}
		return nil, internal(err, "ошибка получения черновика %s", id)
	}
	if d.IsExpired(s.now()) || !s.store.Exists(d.Path) {
		return nil, notFound("черновик %s не найден", id)
	}
	return d, nil
}

// GetAttachment возвращает представление вложения или черновика по ID.
func (s *AttachmentService) GetAttachment(ctx context.Context, id string) (*model.AttachmentView, error) {
	if id == "" {
		return nil, validation("не задан идентификатор вложения")
	}

	entry, err := s.Lookup(ctx, id)
	if err == nil {
		view, err := model.NewPublishedView(entry.Attachment, entry.File, s.baseURL)
		if err != nil {
			return nil, internal(err, "некорректная запись вложения %s", id)
		}
		return view, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	return s.GetDraft(ctx, id)
}

// GetDraft возвращает представление черновика.
func (s *AttachmentService) GetDraft(ctx context.Context, id string) (*model.AttachmentView, error) {
	d, err := s.lookupDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	view, err := model.NewDraftView(d, s.baseURL)
	if err != nil {
		return nil, internal(err, "некорректная запись черновика %s", id)
	}
	return view, nil
}

// RecordDownload увеличивает счётчик скачиваний вложения.
func (s *AttachmentService) RecordDownload(ctx context.Context, id string) {
	n, err := s.repos.Attachments.IncrementDownloads(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Не удалось обновить счётчик скачиваний",
				slog.String("attachment_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.cache.Invalidate(id)
	s.logger.Debug("Скачивание учтено",
		slog.String("attachment_id", id),
		slog.Int64("downloads", n),
	)
}
