// handler.go — обработчики HTTP API Attachment Module.
// APIHandler объединяет сервисы и регистрирует маршруты на chi.Router.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/service"
)

// Uploader — создание черновиков и приём фрагментов.
type Uploader interface {
	CreateDraft(ctx context.Context, req service.CreateDraftRequest) (*model.Draft, error)
	AppendChunk(ctx context.Context, req service.ChunkRequest) (*service.ChunkResult, error)
}

// Publisher — публикация и перенос в слот.
type Publisher interface {
	Publish(ctx context.Context, id *string, slot model.Slot, replace bool) (service.PublishResult, error)
	Move(ctx context.Context, id *string, slot model.Slot, replace bool) (service.PublishResult, error)
	PublishMany(ctx context.Context, ids []string, slot model.Slot, replace bool) (*service.BatchResult, error)
	MoveMany(ctx context.Context, ids []string, slot model.Slot, replace bool) (*service.BatchResult, error)
}

// Deleter — групповое удаление.
type Deleter interface {
	DeleteAttachments(ctx context.Context, ids []string) bool
	DeleteDrafts(ctx context.Context, ids []string) bool
}

// Collector — сборка мусора и корзина.
type Collector interface {
	SweepExpiredDrafts(ctx context.Context, progress service.ProgressFunc) (*service.SweepResult, error)
	ScanTrash(ctx context.Context, progress service.ProgressFunc) (*service.ScanResult, error)
	PurgeTrash(ctx context.Context, progress service.ProgressFunc) (*service.PurgeResult, error)
	PurgeTrashEntries(ctx context.Context, paths []string) bool
	ListTrash(ctx context.Context, limit, offset int) (*service.TrashPage, error)
}

// Attachments — чтение вложений и отдача файлов.
type Attachments interface {
	GetAttachment(ctx context.Context, id string) (*model.AttachmentView, error)
	GetDraft(ctx context.Context, id string) (*model.AttachmentView, error)
	Resolve(ctx context.Context, id string, kind model.Derivative) (*service.ServedFile, error)
	RecordDownload(ctx context.Context, id string)
}

// APIHandler — обработчик API Attachment Module.
type APIHandler struct {
	uploads     Uploader
	publisher   Publisher
	deleter     Deleter
	collector   Collector
	attachments Attachments
	health      *HealthHandler
	// baseURL — публичный префикс маршрутов (upload_url, ссылки на файлы)
	baseURL string
	logger  *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(
	uploads Uploader,
	publisher Publisher,
	deleter Deleter,
	collector Collector,
	attachments Attachments,
	health *HealthHandler,
	baseURL string,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		uploads:     uploads,
		publisher:   publisher,
		deleter:     deleter,
		collector:   collector,
		attachments: attachments,
		health:      health,
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты API. admin оборачивает административные
// маршруты проверкой прав.
func (h *APIHandler) Routes(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Post("/draft", h.CreateDraft)
	r.Post("/upload/{draft_id}", h.UploadChunk)
	r.Get("/attachment", h.GetAttachment)
	r.Get("/drafts/{draft_id}", h.GetDraft)

	r.Get("/origin/{id}/{name}", h.ServeFile(model.DerivativeOrigin))
	r.Get("/view/{id}/{name}", h.ServeFile(model.DerivativeView))
	r.Get("/thumbnail/{id}/{name}", h.ServeFile(model.DerivativeThumbnail))
	r.Get("/download/{id}/{name}", h.ServeFile(model.DerivativeDownload))

	r.Group(func(r chi.Router) {
		r.Use(admin)
		r.Post("/publish", h.Publish)
		r.Delete("/draft", h.DeleteDrafts)
		r.Delete("/drafts", h.SweepDrafts)
		r.Delete("/attachments", h.DeleteAttachments)
		r.Get("/trashes", h.ListTrash)
		r.Post("/trashes", h.ScanTrash)
		r.Delete("/trash", h.PurgeTrashEntries)
		r.Delete("/trashes", h.PurgeTrash)
	})
}

// successResponse — ответ операций, возвращающих только признак успеха.
type successResponse struct {
	Success bool `json:"success"`
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError переводит ошибку сервисного слоя в ответ API.
// Внутренние ошибки логируются, клиент получает только сообщение.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.ServiceError
	if !errors.As(err, &se) {
		h.logger.Error("Необработанная ошибка",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	code := string(se.Code)
	if apierrors.StatusFor(code) >= http.StatusInternalServerError {
		h.logger.Error("Ошибка обработки запроса",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	apierrors.Write(w, code, se.Message)
}

// decodeJSON разбирает тело запроса. Пустое тело допустимо.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// maxJSONBody — ограничение размера JSON-тела служебных запросов.
const maxJSONBody = 1 << 20

// csvParam возвращает список значений параметра name: из query-строки
// или из JSON-тела {"name": "a,b"}. Пустые элементы отбрасываются.
func csvParam(r *http.Request, name string) ([]string, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		body := map[string]string{}
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		raw = body[name]
	}
	return splitCSV(raw), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
