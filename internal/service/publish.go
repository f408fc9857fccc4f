// publish.go — публикация черновиков и перенос вложений между слотами.
//
// Черновик при публикации получает файл: если файл с таким hash уже есть,
// он переиспользуется, а загруженные байты удаляются (дедупликация).
// Опубликованное вложение при смене слота либо переносится (MOVE, тот же ID),
// либо копируется (FORK, новый ID, исходное вложение не меняется).
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
)

var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "at_publish_total",
	Help: "Общее количество операций публикации по результату",
}, []string{"result"})

// Результаты публикации одного элемента (метка result).
const (
	outcomePublished = "published"
	outcomeMoved     = "moved"
	outcomeForked    = "forked"
	outcomeNoop      = "noop"
	outcomeFailed    = "failed"
)

// errFileExists — файл с таким hash зарегистрирован параллельно.
var errFileExists = errors.New("файл уже зарегистрирован")

// PublishResult — результат публикации одного элемента.
// NewID заполняется, когда вложение скопировано в новый слот (FORK):
// вызывающий код должен использовать новый ID.
type PublishResult struct {
	Published bool
	NewID     string
}

// BatchResult — результат групповой публикации.
type BatchResult struct {
	Success bool
	// IDs — итоговые идентификаторы в порядке запроса (с учётом FORK)
	IDs []string
}

// PublishService — публикация, перенос и копирование вложений.
type PublishService struct {
	repos   repository.Repos
	tx      Transactor
	store   *filestore.FileStore
	objects ObjectStore
	deleter *DeleteService
	cache   *CacheService
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewPublishService создаёт сервис публикации. objects может быть nil.
func NewPublishService(
	repos repository.Repos,
	tx Transactor,
	store *filestore.FileStore,
	objects ObjectStore,
	deleter *DeleteService,
	cache *CacheService,
	logger *slog.Logger,
) *PublishService {
	return &PublishService{
		repos:   repos,
		tx:      tx,
		store:   store,
		objects: objects,
		deleter: deleter,
		cache:   cache,
		logger:  logger.With(slog.String("component", "publish")),
		now:     time.Now,
		newID:   NewID,
	}
}

// Publish публикует черновик или вложение id в слот.
// nil id — успех без действий; с replace слот очищается полностью.
// Опубликованное вложение из другого слота копируется (FORK).
func (s *PublishService) Publish(ctx context.Context, id *string, slot model.Slot, replace bool) (PublishResult, error) {
	return s.single(ctx, id, slot, replace, false)
}

// Move работает как Publish, но опубликованное вложение, единственное
// в своём слоте, переносится с сохранением ID (MOVE).
func (s *PublishService) Move(ctx context.Context, id *string, slot model.Slot, replace bool) (PublishResult, error) {
	return s.single(ctx, id, slot, replace, true)
}

// PublishMany публикует набор; очистка слота выполняется один раз в конце
// и не затрагивает ни один элемент набора.
func (s *PublishService) PublishMany(ctx context.Context, ids []string, slot model.Slot, replace bool) (*BatchResult, error) {
	return s.many(ctx, ids, slot, replace, false)
}

// MoveMany — групповой Move.
func (s *PublishService) MoveMany(ctx context.Context, ids []string, slot model.Slot, replace bool) (*BatchResult, error) {
	return s.many(ctx, ids, slot, replace, true)
}

func (s *PublishService) single(ctx context.Context, id *string, slot model.Slot, replace, move bool) (PublishResult, error) {
	if replace && !slot.IsPublished() {
		return PublishResult{}, validation("очистка возможна только для слота с владельцем")
	}
	if id == nil {
		if replace {
			if err := s.sweep(ctx, slot, nil); err != nil {
				return PublishResult{}, err
			}
		}
		return PublishResult{Published: true}, nil
	}

	finalID, err := s.publishOne(ctx, *id, slot, move)
	if err != nil {
		return PublishResult{}, err
	}
	if replace {
		if err := s.sweep(ctx, slot, map[string]bool{*id: true, finalID: true}); err != nil {
			return PublishResult{}, err
		}
	}

	res := PublishResult{Published: true}
	if finalID != *id {
		res.NewID = finalID
	}
	return res, nil
}

func (s *PublishService) many(ctx context.Context, ids []string, slot model.Slot, replace, move bool) (*BatchResult, error) {
	if replace && !slot.IsPublished() {
		return nil, validation("очистка возможна только для слота с владельцем")
	}

	result := &BatchResult{Success: true, IDs: make([]string, 0, len(ids))}
	keep := make(map[string]bool, len(ids)*2)
	for _, id := range ids {
		keep[id] = true
		finalID, err := s.publishOne(ctx, id, slot, move)
		if err != nil {
			s.logger.Warn("Элемент не опубликован",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			result.Success = false
			result.IDs = append(result.IDs, id)
			continue
		}
		keep[finalID] = true
		result.IDs = append(result.IDs, finalID)
	}

	if replace {
		if err := s.sweep(ctx, slot, keep); err != nil {
			return result, err
		}
	}
	return result, nil
}

// publishOne публикует один элемент и возвращает его итоговый ID.
func (s *PublishService) publishOne(ctx context.Context, id string, slot model.Slot, move bool) (string, error) {
	finalID, outcome, err := s.resolveAndPublish(ctx, id, slot, move)
	if err != nil {
		publishTotal.WithLabelValues(outcomeFailed).Inc()
		return "", err
	}
	publishTotal.WithLabelValues(outcome).Inc()
	s.cache.Invalidate(id, finalID)

	s.logger.Info("Публикация выполнена",
		slog.String("id", id),
		slog.String("final_id", finalID),
		slog.String("result", outcome),
		slog.String("component_type", slot.ComponentType),
		slog.String("component_name", slot.ComponentName),
	)
	return finalID, nil
}

func (s *PublishService) resolveAndPublish(ctx context.Context, id string, slot model.Slot, move bool) (string, string, error) {
	a, err := s.repos.Attachments.GetByID(ctx, id)
	if err == nil {
		return s.relocate(ctx, a, slot, move)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", "", internal(err, "ошибка получения вложения %s", id)
	}

	d, err := s.repos.Drafts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return "", "", notFound("вложение или черновик %s не найден", id)
	}
	if err != nil {
		return "", "", internal(err, "ошибка получения черновика %s", id)
	}
	if d.IsExpired(s.now()) {
		return "", "", notFound("срок действия черновика %s истёк", id)
	}
	if err := s.publishDraft(ctx, d, slot); err != nil {
		return "", "", err
	}
	return d.ID, outcomePublished, nil
}

// relocate обрабатывает уже существующую строку вложения.
func (s *PublishService) relocate(ctx context.Context, a *model.Attachment, slot model.Slot, move bool) (string, string, error) {
	if !a.IsPublished() {
		if err := s.repos.Attachments.UpdateSlot(ctx, a.ID, slot); err != nil {
			return "", "", internal(err, "ошибка публикации вложения %s", a.ID)
		}
		return a.ID, outcomePublished, nil
	}
	if a.Slot == slot {
		return a.ID, outcomeNoop, nil
	}

	if move {
		n, err := s.repos.Attachments.CountBySlot(ctx, a.Slot)
		if err != nil {
			return "", "", internal(err, "ошибка подсчёта вложений слота")
		}
		if n <= 1 {
			if err := s.repos.Attachments.UpdateSlot(ctx, a.ID, slot); err != nil {
				return "", "", internal(err, "ошибка переноса вложения %s", a.ID)
			}
			return a.ID, outcomeMoved, nil
		}
	}

	forkID, err := s.fork(ctx, a, slot)
	if err != nil {
		return "", "", err
	}
	return forkID, outcomeForked, nil
}

// fork создаёт копию вложения в другом слоте с новым ID.
func (s *PublishService) fork(ctx context.Context, a *model.Attachment, slot model.Slot) (string, error) {
	for attempt := 0; attempt < draftIDAttempts; attempt++ {
		c := &model.Attachment{
			ID:        s.newID(),
			Hash:      a.Hash,
			Slot:      slot,
			Name:      a.Name,
			CreatedAt: s.now().UTC(),
			Extras:    a.Extras,
		}
		err := s.repos.Attachments.Create(ctx, c)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return "", internal(err, "ошибка копирования вложения %s", a.ID)
		}
		return c.ID, nil
	}
	return "", internal(nil, "не удалось подобрать свободный идентификатор вложения")
}

// publishDraft превращает черновик во вложение.
func (s *PublishService) publishDraft(ctx context.Context, d *model.Draft, slot model.Slot) error {
	if !s.store.Exists(d.Path) {
		return notFound("файл черновика %s не найден", d.ID)
	}

	if !d.IsComplete() {
		size, err := s.store.Size(d.Path)
		if err != nil {
			return storageError(err, "не удалось прочитать файл черновика")
		}
		if size != d.Size {
			return validation("загрузка черновика %s не завершена: %d из %d байт", d.ID, size, d.Size)
		}
		hash, c, err := classifyDraft(s.store, d)
		if err != nil {
			return err
		}
		applyClassification(d, hash, c)
	}

	// Вторая попытка нужна, если файл с тем же hash зарегистрировали параллельно
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repos.Files.GetByHash(ctx, *d.Hash)
		if err == nil {
			return s.attachExisting(ctx, d, slot, existing)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return internal(err, "ошибка поиска файла")
		}

		err = s.attachNew(ctx, d, slot)
		if errors.Is(err, errFileExists) {
			continue
		}
		return err
	}
	return internal(nil, "не удалось зарегистрировать файл черновика %s", d.ID)
}

// attachExisting публикует черновик поверх уже известного файла.
func (s *PublishService) attachExisting(ctx context.Context, d *model.Draft, slot model.Slot, f *model.File) error {
	err := s.tx.InTx(ctx, func(r repository.Repos) error {
		if err := r.Attachments.Create(ctx, s.newAttachment(d, slot)); err != nil {
			return err
		}
		return r.Drafts.Delete(ctx, d.ID)
	})
	if err != nil {
		return internal(err, "ошибка публикации черновика %s", d.ID)
	}

	if d.Path != f.Path && filestore.IsDraftPath(d.Path) {
		if err := s.store.DeleteWithDerivatives(d.Path); err != nil {
			s.logger.Warn("Не удалось удалить дубликат после дедупликации",
				slog.String("draft_id", d.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.Debug("Файл переиспользован",
		slog.String("draft_id", d.ID),
		slog.String("hash", f.Hash),
	)
	return nil
}

// attachNew переносит байты в постоянное хранилище и регистрирует файл.
func (s *PublishService) attachNew(ctx context.Context, d *model.Draft, slot model.Slot) error {
	stored, err := s.store.Store(d.Path, *d.Hash)
	if err != nil {
		return storageError(err, "не удалось сохранить файл")
	}

	f := &model.File{
		Hash:      *d.Hash,
		Path:      stored,
		Type:      *d.Type,
		Mime:      *d.Mime,
		Extension: d.Extension,
		Size:      d.Size,
		Width:     derefInt(d.Width),
		Height:    derefInt(d.Height),
	}

	err = s.tx.InTx(ctx, func(r repository.Repos) error {
		if err := r.Files.Insert(ctx, f); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return errFileExists
			}
			return err
		}
		if err := r.Attachments.Create(ctx, s.newAttachment(d, slot)); err != nil {
			return err
		}
		return r.Drafts.Delete(ctx, d.ID)
	})
	if err != nil {
		// Возвращаем байты на место черновика
		if mvErr := s.store.Commit(stored, d.Path); mvErr != nil {
			s.logger.Error("Не удалось вернуть файл черновика",
				slog.String("draft_id", d.ID),
				slog.String("stored", stored),
				slog.String("error", mvErr.Error()),
			)
		}
		if errors.Is(err, errFileExists) {
			return err
		}
		return internal(err, "ошибка публикации черновика %s", d.ID)
	}

	// Производные, построенные для черновика, остались в drafts/
	if filestore.IsDraftPath(d.Path) {
		for _, kind := range filestore.DerivativeKinds {
			if err := s.store.Delete(filestore.DerivativePath(d.Path, kind)); err != nil {
				s.logger.Warn("Не удалось удалить производный файл черновика",
					slog.String("draft_id", d.ID),
					slog.String("kind", kind),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if s.objects != nil {
		if err := s.objects.Upload(ctx, stored, s.store.FullPath(stored), f.Mime); err != nil {
			s.logger.Warn("Не удалось загрузить файл в S3",
				slog.String("path", stored),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *PublishService) newAttachment(d *model.Draft, slot model.Slot) *model.Attachment {
	return &model.Attachment{
		ID:        d.ID,
		Hash:      *d.Hash,
		Slot:      slot,
		Name:      d.Name,
		CreatedAt: s.now().UTC(),
		Extras:    d.Extras,
	}
}

// sweep удаляет вложения слота, кроме keep.
func (s *PublishService) sweep(ctx context.Context, slot model.Slot, keep map[string]bool) error {
	siblings, err := s.repos.Attachments.ListBySlot(ctx, slot)
	if err != nil {
		return internal(err, "ошибка получения вложений слота")
	}
	var ids []string
	for _, a := range siblings {
		if !keep[a.ID] {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if !s.deleter.DeleteAttachments(ctx, ids) {
		return internal(nil, "не все вложения слота удалены")
	}
	s.logger.Info("Слот очищен",
		slog.Int("deleted", len(ids)),
		slog.String("component_type", slot.ComponentType),
		slog.String("component_name", slot.ComponentName),
	)
	return nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
