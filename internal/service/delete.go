// delete.go — каскадное удаление вложений и черновиков.
//
// Файл (строка files и байты на диске) удаляется вместе с последним
// вложением, которое на него ссылается. Строка в БД удаляется раньше
// байтов: если удалить байты не удалось, файл найдёт сверка корзины.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
)

var deletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "at_deleted_total",
	Help: "Общее количество удалённых объектов по виду (attachment, draft, file)",
}, []string{"kind"})

// DeleteService — удаление вложений, черновиков и освободившихся файлов.
type DeleteService struct {
	repos   repository.Repos
	store   *filestore.FileStore
	objects ObjectStore
	cache   *CacheService
	logger  *slog.Logger
}

// NewDeleteService создаёт сервис удаления. objects может быть nil.
func NewDeleteService(
	repos repository.Repos,
	store *filestore.FileStore,
	objects ObjectStore,
	cache *CacheService,
	logger *slog.Logger,
) *DeleteService {
	return &DeleteService{
		repos:   repos,
		store:   store,
		objects: objects,
		cache:   cache,
		logger:  logger.With(slog.String("component", "delete")),
	}
}

// DeleteAttachment удаляет вложение по ID. ID черновика тоже принимается.
// Отсутствующий ID — (false, nil): вызывающий код пропускает его.
func (s *DeleteService) DeleteAttachment(ctx context.Context, id string) (bool, error) {
	a, err := s.repos.Attachments.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return s.DeleteDraft(ctx, id)
	}
	if err != nil {
		return false, internal(err, "ошибка получения вложения %s", id)
	}

	if err := s.repos.Attachments.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, internal(err, "ошибка удаления вложения %s", id)
	}
	s.cache.Invalidate(id)
	deletedTotal.WithLabelValues("attachment").Inc()

	s.logger.Info("Вложение удалено",
		slog.String("attachment_id", id),
		slog.String("hash", a.Hash),
		slog.Bool("published", a.IsPublished()),
	)

	if err := s.releaseFile(ctx, a.Hash); err != nil {
		// Вложение уже удалено; оставшийся файл подберёт сверка корзины
		s.logger.Warn("Файл не освобождён после удаления вложения",
			slog.String("hash", a.Hash),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}

// releaseFile удаляет файл, если на него больше не ссылается ни одно вложение.
func (s *DeleteService) releaseFile(ctx context.Context, hash string) error {
	n, err := s.repos.Attachments.CountByHash(ctx, hash)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	f, err := s.repos.Files.GetByHash(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// Ссылку могла создать параллельная публикация — тогда ErrConflict
	if err := s.repos.Files.Delete(ctx, hash); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	deletedTotal.WithLabelValues("file").Inc()

	if err := s.store.DeleteWithDerivatives(f.Path); err != nil {
		return err
	}
	if s.objects != nil {
		if err := s.objects.Delete(ctx, f.Path); err != nil {
			return err
		}
	}

	s.logger.Info("Файл удалён",
		slog.String("hash", hash),
		slog.String("path", f.Path),
	)
	return nil
}

// DeleteDraft удаляет временный файл черновика, затем строку.
// Если файл удалить не удалось, строка остаётся для повторной попытки.
func (s *DeleteService) DeleteDraft(ctx context.Context, id string) (bool, error) {
	d, err := s.repos.Drafts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "ошибка получения черновика %s", id)
	}

	// Вне drafts/ файлы принадлежат таблице files и удаляются только каскадом
	if filestore.IsDraftPath(d.Path) {
		if err := s.store.DeleteWithDerivatives(d.Path); err != nil {
			return false, storageError(err, "не удалось удалить временный файл черновика")
		}
	}

	if err := s.repos.Drafts.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, internal(err, "ошибка удаления черновика %s", id)
	}
	s.cache.Invalidate(id)
	deletedTotal.WithLabelValues("draft").Inc()

	s.logger.Debug("Черновик удалён", slog.String("draft_id", id))
	return true, nil
}

// DeleteAttachments удаляет набор вложений. Ошибка одного элемента
// не прерывает обработку остальных; результат — успех всех.
func (s *DeleteService) DeleteAttachments(ctx context.Context, ids []string) bool {
	return s.deleteEach(ctx, ids, "attachment_id", s.DeleteAttachment)
}

// DeleteDrafts удаляет набор черновиков по тем же правилам.
func (s *DeleteService) DeleteDrafts(ctx context.Context, ids []string) bool {
	return s.deleteEach(ctx, ids, "draft_id", s.DeleteDraft)
}

func (s *DeleteService) deleteEach(
	ctx context.Context,
	ids []string,
	key string,
	fn func(context.Context, string) (bool, error),
) bool {
	ok := true
	for _, id := range ids {
		if _, err := fn(ctx, id); err != nil {
			s.logger.Error("Ошибка удаления",
				slog.String(key, id),
				slog.String("error", err.Error()),
			)
			ok = false
		}
	}
	return ok
}
