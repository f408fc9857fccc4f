// upload.go — приём файлов по частям (resumable upload).
//
// Жизненный цикл черновика: CREATED → UPLOADING → COMPLETE.
// Фрагменты одного черновика должны отправляться последовательно:
// параллельная запись в один временный файл не поддерживается.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-module/internal/classifier"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
)

var (
	draftsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_drafts_created_total",
		Help: "Общее количество созданных черновиков",
	})
	uploadChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "at_upload_chunks_total",
		Help: "Общее количество принятых фрагментов по итоговому статусу",
	}, []string{"status"})
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_upload_bytes_total",
		Help: "Общее количество принятых байт",
	})
)

// draftIDAttempts — число попыток подобрать свободный draft_id.
const draftIDAttempts = 5

// UploadStatus — состояние загрузки после фрагмента.
type UploadStatus string

const (
	StatusUploading UploadStatus = "UPLOADING"
	StatusComplete  UploadStatus = "COMPLETE"
)

// CreateDraftRequest — параметры нового черновика.
type CreateDraftRequest struct {
	Name   string
	Size   int64
	Extras json.RawMessage
}

// ChunkRequest — один фрагмент загрузки.
type ChunkRequest struct {
	DraftID string
	// ContentRange — значение заголовка "bytes S-E/T"
	ContentRange string
	Body         io.Reader
	// Length — длина тела (Content-Length); -1, если неизвестна
	Length int64
	// Expect — ожидаемый тип содержимого (проверяется только image)
	Expect model.FileType
}

// ChunkResult — результат приёма фрагмента.
type ChunkResult struct {
	Status   UploadStatus
	Uploaded int64
	// View заполняется при COMPLETE
	View *model.AttachmentView
}

// UploadService — создание черновиков и приём фрагментов.
type UploadService struct {
	drafts  repository.DraftRepository
	store   *filestore.FileStore
	ttl     time.Duration
	maxSize int64
	baseURL string
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewUploadService создаёт сервис загрузки.
// maxSize <= 0 снимает ограничение размера.
func NewUploadService(
	drafts repository.DraftRepository,
	store *filestore.FileStore,
	ttl time.Duration,
	maxSize int64,
	baseURL string,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		drafts:  drafts,
		store:   store,
		ttl:     ttl,
		maxSize: maxSize,
		baseURL: baseURL,
		logger:  logger.With(slog.String("component", "upload")),
		now:     time.Now,
		newID:   NewID,
	}
}

// NewID генерирует идентификатор черновика/вложения: 32 hex-символа.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// displayName очищает имя файла от компонентов пути.
func displayName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// CreateDraft создаёт черновик и пустой временный файл.
// Совпадение идентификатора повторяется со свежим ID.
func (s *UploadService) CreateDraft(ctx context.Context, req CreateDraftRequest) (*model.Draft, error) {
	name := displayName(req.Name)
	if name == "" {
		return nil, validation("не указано имя файла")
	}
	if req.Size <= 0 {
		return nil, validation("размер файла должен быть больше 0")
	}
	if s.maxSize > 0 && req.Size > s.maxSize {
		return nil, validation("размер файла %d превышает допустимый %d", req.Size, s.maxSize)
	}
	if len(req.Extras) > 0 && !json.Valid(req.Extras) {
		return nil, validation("extras должен быть корректным JSON")
	}

	now := s.now().UTC()
	for attempt := 0; attempt < draftIDAttempts; attempt++ {
		id := s.newID()
		d := &model.Draft{
			ID:        id,
			Name:      name,
			Path:      filestore.DraftPath(id),
			Extension: classifier.NormalizeExtension(name),
			Size:      req.Size,
			CreatedAt: now,
			ExpiredAt: now.Add(s.ttl),
			Extras:    req.Extras,
		}

		err := s.drafts.Create(ctx, d)
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Debug("Коллизия идентификатора черновика, повтор",
				slog.String("draft_id", id),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, internal(err, "не удалось создать черновик")
		}

		if err := s.store.CreateEmpty(d.Path); err != nil {
			if delErr := s.drafts.Delete(ctx, id); delErr != nil {
				s.logger.Warn("Не удалось удалить черновик после ошибки хранилища",
					slog.String("draft_id", id),
					slog.String("error", delErr.Error()),
				)
			}
			return nil, storageError(err, "не удалось создать временный файл")
		}

		draftsCreatedTotal.Inc()
		s.logger.Info("Черновик создан",
			slog.String("draft_id", id),
			slog.String("name", name),
			slog.Int64("size", req.Size),
		)
		return d, nil
	}
	return nil, internal(nil, "не удалось подобрать свободный идентификатор черновика")
}

// storageError различает недоступность хранилища на запись и прочие сбои.
func storageError(err error, msg string) *ServiceError {
	if errors.Is(err, filestore.ErrNotWritable) {
		return newError(CodeNotWritable, err, "%s", msg)
	}
	return newError(CodeStorageError, err, "%s", msg)
}

var contentRangeRe = regexp.MustCompile(`^bytes\s+(\d+)-(\d+)/(\d+)$`)

// ParseContentRange разбирает "bytes S-E/T" (0 <= S <= E < T).
func ParseContentRange(header string) (start, end, total int64, err error) {
	m := contentRangeRe.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return 0, 0, 0, newError(CodeRangeInvalid, nil, "некорректный заголовок Content-Range: %q", header)
	}
	nums := make([]int64, 3)
	for i, s := range m[1:] {
		n, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return 0, 0, 0, newError(CodeRangeInvalid, perr, "некорректное число в Content-Range: %q", s)
		}
		nums[i] = n
	}
	start, end, total = nums[0], nums[1], nums[2]
	if start > end || end >= total {
		return 0, 0, 0, newError(CodeRangeInvalid, nil, "некорректный диапазон %d-%d/%d", start, end, total)
	}
	return start, end, total, nil
}

// GetDraft возвращает действующий черновик.
func (s *UploadService) GetDraft(ctx context.Context, id string) (*model.Draft, error) {
	d, err := s.drafts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("черновик %s не найден", id)
		}
		return nil, internal(err, "ошибка получения черновика")
	}
	if d.IsExpired(s.now()) {
		return nil, notFound("срок действия черновика %s истёк", id)
	}
	if !s.store.Exists(d.Path) {
		return nil, notFound("временный файл черновика %s не найден", id)
	}
	return d, nil
}

// AppendChunk записывает фрагмент. Последний фрагмент завершает загрузку:
// проверка размера, hash, классификация и сохранение результата в черновике.
func (s *UploadService) AppendChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	d, err := s.GetDraft(ctx, req.DraftID)
	if err != nil {
		return nil, err
	}

	start, end, total, err := ParseContentRange(req.ContentRange)
	if err != nil {
		return nil, err
	}
	if total != d.Size {
		return nil, newError(CodeSizeMismatch, nil, "размер %d не совпадает с заявленным %d", total, d.Size)
	}
	chunkLen := end - start + 1
	if req.Length >= 0 && req.Length != chunkLen {
		return nil, newError(CodeRangeInvalid, nil, "длина тела %d не совпадает с диапазоном %d", req.Length, chunkLen)
	}

	// Повтор последнего фрагмента после успешного завершения
	if d.IsComplete() {
		return s.completeResult(d)
	}

	current, err := s.store.Size(d.Path)
	if err != nil {
		return nil, storageError(err, "не удалось прочитать временный файл")
	}
	if start > 0 && start != current {
		return nil, newError(CodeRangeInvalid, nil, "ожидалось смещение %d, получено %d", current, start)
	}

	size, err := s.store.WriteChunk(d.Path, start, io.LimitReader(req.Body, chunkLen))
	if err != nil {
		return nil, storageError(err, "не удалось записать фрагмент")
	}
	if req.Length < 0 && hasMore(req.Body) {
		// Длина тела неизвестна заранее: лишние байты обнаруживаются после записи
		if terr := s.store.Truncate(d.Path, start); terr != nil {
			s.logger.Warn("Не удалось откатить фрагмент",
				slog.String("draft_id", d.ID),
				slog.String("error", terr.Error()),
			)
		}
		uploadChunksTotal.WithLabelValues("oversized").Inc()
		return nil, newError(CodeRangeInvalid, nil, "тело запроса длиннее диапазона %d", chunkLen)
	}
	uploadBytesTotal.Add(float64(size - start))
	if size != end+1 {
		uploadChunksTotal.WithLabelValues("short").Inc()
		return nil, newError(CodeRangeInvalid, nil, "получено %d байт вместо %d", size-start, chunkLen)
	}

	if end+1 < total {
		uploadChunksTotal.WithLabelValues(string(StatusUploading)).Inc()
		return &ChunkResult{Status: StatusUploading, Uploaded: size}, nil
	}

	if err := s.finalize(ctx, d, req.Expect); err != nil {
		uploadChunksTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	uploadChunksTotal.WithLabelValues(string(StatusComplete)).Inc()
	return s.completeResult(d)
}

// hasMore сообщает, остались ли в r непрочитанные данные.
func hasMore(r io.Reader) bool {
	var b [1]byte
	n, _ := io.ReadFull(r, b[:])
	return n > 0
}

func (s *UploadService) completeResult(d *model.Draft) (*ChunkResult, error) {
	view, err := model.NewDraftView(d, s.baseURL)
	if err != nil {
		return nil, internal(err, "неполные данные черновика %s", d.ID)
	}
	return &ChunkResult{Status: StatusComplete, Uploaded: d.Size, View: view}, nil
}

// finalize проверяет и классифицирует загруженный файл.
func (s *UploadService) finalize(ctx context.Context, d *model.Draft, expect model.FileType) error {
	size, err := s.store.Size(d.Path)
	if err != nil {
		return storageError(err, "не удалось прочитать временный файл")
	}
	if size != d.Size {
		s.discard(ctx, d, "size_mismatch")
		return newError(CodeSizeMismatch, nil, "на диске %d байт, ожидалось %d", size, d.Size)
	}

	hash, c, err := classifyDraft(s.store, d)
	if err != nil {
		return err
	}

	if expect == model.TypeImage && !c.Type.IsImage() {
		s.discard(ctx, d, "type_mismatch")
		return newError(CodeTypeMismatch, nil, "ожидалось изображение, получен %s", c.Mime)
	}
	applyClassification(d, hash, c)

	if err := s.drafts.UpdateContent(ctx, d); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("черновик %s удалён во время загрузки", d.ID)
		}
		return internal(err, "не удалось сохранить результат загрузки")
	}

	s.logger.Info("Загрузка завершена",
		slog.String("draft_id", d.ID),
		slog.String("hash", hash),
		slog.String("type", string(c.Type)),
		slog.String("mime", c.Mime),
		slog.Int64("size", size),
	)
	return nil
}

// discard удаляет временный файл и строку черновика после неуспешного завершения.
func (s *UploadService) discard(ctx context.Context, d *model.Draft, reason string) {
	if err := s.store.DeleteWithDerivatives(d.Path); err != nil {
		s.logger.Warn("Не удалось удалить временный файл",
			slog.String("draft_id", d.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.drafts.Delete(ctx, d.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("Не удалось удалить черновик",
			slog.String("draft_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("Черновик отброшен",
		slog.String("draft_id", d.ID),
		slog.String("reason", reason),
	)
}

// classifyDraft вычисляет hash и классифицирует временный файл черновика.
func classifyDraft(store *filestore.FileStore, d *model.Draft) (string, classifier.Classification, error) {
	hash, err := store.ComputeHash(d.Path)
	if err != nil {
		return "", classifier.Classification{}, storageError(err, "не удалось вычислить hash")
	}
	return hash, classifier.Classify(store.FullPath(d.Path), d.Name), nil
}

// applyClassification переносит результат классификации в черновик.
// Расширение по содержимому заменяет расширение в отображаемом имени.
func applyClassification(d *model.Draft, hash string, c classifier.Classification) {
	typ := c.Type
	mime := c.Mime
	w, h := c.Width, c.Height
	d.Hash = &hash
	d.Type = &typ
	d.Mime = &mime
	d.Width = &w
	d.Height = &h
	if c.Extension != d.Extension {
		d.Extension = c.Extension
		d.Name = classifier.ReplaceExtension(d.Name, c.Extension)
	}
}
