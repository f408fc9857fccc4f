package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/service"
)

// --- Моки сервисов ---

type fakeUploader struct {
	createFn func(ctx context.Context, req service.CreateDraftRequest) (*model.Draft, error)
	appendFn func(ctx context.Context, req service.ChunkRequest) (*service.ChunkResult, error)
}

func (f *fakeUploader) CreateDraft(ctx context.Context, req service.CreateDraftRequest) (*model.Draft, error) {
	return f.createFn(ctx, req)
}

func (f *fakeUploader) AppendChunk(ctx context.Context, req service.ChunkRequest) (*service.ChunkResult, error) {
	return f.appendFn(ctx, req)
}

type publishCall struct {
	method  string
	id      *string
	ids     []string
	slot    model.Slot
	replace bool
}

type fakePublisher struct {
	calls []publishCall
	res   service.PublishResult
	batch *service.BatchResult
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, id *string, slot model.Slot, replace bool) (service.PublishResult, error) {
	f.calls = append(f.calls, publishCall{method: "Publish", id: id, slot: slot, replace: replace})
	return f.res, f.err
}

func (f *fakePublisher) Move(_ context.Context, id *string, slot model.Slot, replace bool) (service.PublishResult, error) {
	f.calls = append(f.calls, publishCall{method: "Move", id: id, slot: slot, replace: replace})
	return f.res, f.err
}

func (f *fakePublisher) PublishMany(_ context.Context, ids []string, slot model.Slot, replace bool) (*service.BatchResult, error) {
	f.calls = append(f.calls, publishCall{method: "PublishMany", ids: ids, slot: slot, replace: replace})
	return f.batch, f.err
}

func (f *fakePublisher) MoveMany(_ context.Context, ids []string, slot model.Slot, replace bool) (*service.BatchResult, error) {
	f.calls = append(f.calls, publishCall{method: "MoveMany", ids: ids, slot: slot, replace: replace})
	return f.batch, f.err
}

type fakeDeleter struct {
	attachments [][]string
	drafts      [][]string
	result      bool
}

func (f *fakeDeleter) DeleteAttachments(_ context.Context, ids []string) bool {
	f.attachments = append(f.attachments, ids)
	return f.result
}

func (f *fakeDeleter) DeleteDrafts(_ context.Context, ids []string) bool {
	f.drafts = append(f.drafts, ids)
	return f.result
}

type fakeCollector struct {
	sweepFn  func() (*service.SweepResult, error)
	scanFn   func() (*service.ScanResult, error)
	purgeFn  func() (*service.PurgeResult, error)
	entries  [][]string
	listFn   func(limit, offset int) (*service.TrashPage, error)
	purgeOne bool
}

func (f *fakeCollector) SweepExpiredDrafts(context.Context, service.ProgressFunc) (*service.SweepResult, error) {
	return f.sweepFn()
}

func (f *fakeCollector) ScanTrash(context.Context, service.ProgressFunc) (*service.ScanResult, error) {
	return f.scanFn()
}

func (f *fakeCollector) PurgeTrash(context.Context, service.ProgressFunc) (*service.PurgeResult, error) {
	return f.purgeFn()
}

func (f *fakeCollector) PurgeTrashEntries(_ context.Context, paths []string) bool {
	f.entries = append(f.entries, paths)
	return f.purgeOne
}

func (f *fakeCollector) ListTrash(_ context.Context, limit, offset int) (*service.TrashPage, error) {
	return f.listFn(limit, offset)
}

type fakeAttachments struct {
	getFn     func(id string) (*model.AttachmentView, error)
	draftFn   func(id string) (*model.AttachmentView, error)
	resolveFn func(id string, kind model.Derivative) (*service.ServedFile, error)
	downloads []string
}

func (f *fakeAttachments) GetAttachment(_ context.Context, id string) (*model.AttachmentView, error) {
	return f.getFn(id)
}

func (f *fakeAttachments) GetDraft(_ context.Context, id string) (*model.AttachmentView, error) {
	return f.draftFn(id)
}

func (f *fakeAttachments) Resolve(_ context.Context, id string, kind model.Derivative) (*service.ServedFile, error) {
	return f.resolveFn(id, kind)
}

func (f *fakeAttachments) RecordDownload(_ context.Context, id string) {
	f.downloads = append(f.downloads, id)
}

// --- Окружение ---

const testBase = "/api/attachment/v1"

type testEnv struct {
	uploads     *fakeUploader
	publisher   *fakePublisher
	deleter     *fakeDeleter
	collector   *fakeCollector
	attachments *fakeAttachments
	router      chi.Router
}

func newTestEnv(t *testing.T, admin func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	e := &testEnv{
		uploads:     &fakeUploader{},
		publisher:   &fakePublisher{},
		deleter:     &fakeDeleter{result: true},
		collector:   &fakeCollector{},
		attachments: &fakeAttachments{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewAPIHandler(e.uploads, e.publisher, e.deleter, e.collector, e.attachments,
		NewHealthHandler(nil, nil, nil), testBase, logger)

	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}
	r := chi.NewRouter()
	r.Route(testBase, func(r chi.Router) { h.Routes(r, admin) })
	e.router = r
	return e
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, testBase+path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("ошибка декодирования ответа: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error.Code
}

// --- Черновики и загрузка ---

func TestCreateDraft(t *testing.T) {
	e := newTestEnv(t, nil)
	var got service.CreateDraftRequest
	e.uploads.createFn = func(_ context.Context, req service.CreateDraftRequest) (*model.Draft, error) {
		got = req
		return &model.Draft{ID: "d1"}, nil
	}

	rec := e.do(http.MethodPost, "/draft", `{"name":"cat.png","size":42,"extras":{"alt":"кот"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидался статус 201, получен %d: %s", rec.Code, rec.Body)
	}
	var resp createDraftResponse
	decodeBody(t, rec, &resp)
	if resp.DraftID != "d1" || resp.UploadURL != testBase+"/upload/d1" {
		t.Errorf("неожиданный ответ: %+v", resp)
	}
	if got.Name != "cat.png" || got.Size != 42 || string(got.Extras) != `{"alt":"кот"}` {
		t.Errorf("неожиданный запрос к сервису: %+v", got)
	}
}

func TestCreateDraft_Errors(t *testing.T) {
	e := newTestEnv(t, nil)
	e.uploads.createFn = func(context.Context, service.CreateDraftRequest) (*model.Draft, error) {
		return nil, &service.ServiceError{Code: service.CodeValidation, Message: "не указано имя файла"}
	}

	rec := e.do(http.MethodPost, "/draft", `{"size":1}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != apierrors.CodeValidationError {
		t.Errorf("ожидался 400 VALIDATION_ERROR, получен %d", rec.Code)
	}

	rec = e.do(http.MethodPost, "/draft", `{"name":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("некорректный JSON: ожидался 400, получен %d", rec.Code)
	}
}

func TestUploadChunk(t *testing.T) {
	e := newTestEnv(t, nil)
	var got service.ChunkRequest
	var body string
	e.uploads.appendFn = func(_ context.Context, req service.ChunkRequest) (*service.ChunkResult, error) {
		got = req
		b, _ := io.ReadAll(req.Body)
		body = string(b)
		return &service.ChunkResult{
			Status:   service.StatusComplete,
			Uploaded: 5,
			View:     &model.AttachmentView{ID: "d1", Name: "a.png"},
		}, nil
	}

	rec := e.do(http.MethodPost, "/upload/d1?expect=image", "hello", "Content-Range", "bytes 0-4/5")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d: %s", rec.Code, rec.Body)
	}
	if got.DraftID != "d1" || got.ContentRange != "bytes 0-4/5" || got.Expect != model.TypeImage || got.Length != 5 {
		t.Errorf("неожиданный запрос к сервису: %+v", got)
	}
	if body != "hello" {
		t.Errorf("тело фрагмента: получили %q", body)
	}

	var resp struct {
		Status     string                `json:"status"`
		Uploaded   int64                 `json:"uploaded"`
		Attachment *model.AttachmentView `json:"attachment"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "COMPLETE" || resp.Uploaded != 5 || resp.Attachment == nil || resp.Attachment.ID != "d1" {
		t.Errorf("неожиданный ответ: %+v", resp)
	}
}

func TestUploadChunk_Errors(t *testing.T) {
	e := newTestEnv(t, nil)
	code := service.CodeRangeInvalid
	e.uploads.appendFn = func(context.Context, service.ChunkRequest) (*service.ChunkResult, error) {
		return nil, &service.ServiceError{Code: code, Message: "ошибка"}
	}

	tests := []struct {
		code service.ErrorCode
		want int
	}{
		{service.CodeRangeInvalid, http.StatusRequestedRangeNotSatisfiable},
		{service.CodeSizeMismatch, http.StatusBadRequest},
		{service.CodeTypeMismatch, http.StatusUnsupportedMediaType},
		{service.CodeNotWritable, http.StatusInsufficientStorage},
		{service.CodeNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		code = tt.code
		rec := e.do(http.MethodPost, "/upload/d1", "x", "Content-Range", "bytes 0-0/1")
		if rec.Code != tt.want || errorCode(t, rec) != string(tt.code) {
			t.Errorf("%s: ожидался статус %d, получен %d", tt.code, tt.want, rec.Code)
		}
	}

	rec := e.do(http.MethodPost, "/upload/d1?expect=picture", "x", "Content-Range", "bytes 0-0/1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("неизвестный expect: ожидался 400, получен %d", rec.Code)
	}
}

// --- Чтение вложений ---

func TestGetAttachment(t *testing.T) {
	e := newTestEnv(t, nil)
	e.attachments.getFn = func(id string) (*model.AttachmentView, error) {
		if id != "a1" {
			return nil, &service.ServiceError{Code: service.CodeNotFound, Message: "не найдено"}
		}
		return &model.AttachmentView{ID: "a1", Name: "cat.png", IsPublished: true}, nil
	}

	rec := e.do(http.MethodGet, "/attachment?id=a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	var view model.AttachmentView
	decodeBody(t, rec, &view)
	if view.ID != "a1" || !view.IsPublished {
		t.Errorf("неожиданный ответ: %+v", view)
	}

	rec = e.do(http.MethodGet, "/attachment?id=zz", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("ожидался статус 404, получен %d", rec.Code)
	}
}

func TestGetDraft(t *testing.T) {
	e := newTestEnv(t, nil)
	e.attachments.draftFn = func(id string) (*model.AttachmentView, error) {
		return &model.AttachmentView{ID: id}, nil
	}
	rec := e.do(http.MethodGet, "/drafts/d9", "")
	var view model.AttachmentView
	decodeBody(t, rec, &view)
	if rec.Code != http.StatusOK || view.ID != "d9" {
		t.Errorf("ожидался черновик d9, получен %d %+v", rec.Code, view)
	}
}

func TestUnhandledErrorIsInternal(t *testing.T) {
	e := newTestEnv(t, nil)
	e.attachments.getFn = func(string) (*model.AttachmentView, error) {
		return nil, io.ErrUnexpectedEOF
	}
	rec := e.do(http.MethodGet, "/attachment?id=a1", "")
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != apierrors.CodeInternalError {
		t.Errorf("ожидался 500 INTERNAL_ERROR, получен %d", rec.Code)
	}
}

// --- Отдача файлов ---

func writeServed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeFile_Inline(t *testing.T) {
	e := newTestEnv(t, nil)
	path := writeServed(t, "jpeg-bytes")
	var gotKind model.Derivative
	e.attachments.resolveFn = func(id string, kind model.Derivative) (*service.ServedFile, error) {
		gotKind = kind
		return &service.ServedFile{
			ID: id, FullPath: path, Mime: "image/jpeg", Name: "cat.png",
			Kind: model.DerivativeThumbnail, Published: true,
		}, nil
	}

	rec := e.do(http.MethodGet, "/thumbnail/a1/cat.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if gotKind != model.DerivativeThumbnail {
		t.Errorf("ожидался запрос thumbnail, получен %s", gotKind)
	}
	h := rec.Header()
	if h.Get("Content-Type") != "image/jpeg" || h.Get("Content-Length") != "10" {
		t.Errorf("неожиданные заголовки: %v", h)
	}
	if h.Get("Cache-Control") != "max-age=3600" {
		t.Errorf("ожидался Cache-Control max-age=3600, получен %q", h.Get("Cache-Control"))
	}
	expires, err := http.ParseTime(h.Get("Expires"))
	if err != nil || time.Until(expires) < 59*time.Minute {
		t.Errorf("Expires должен быть через час: %q", h.Get("Expires"))
	}
	if h.Get("Content-Disposition") != "" {
		t.Error("inline-ответ не должен содержать Content-Disposition")
	}
	if len(e.attachments.downloads) != 0 {
		t.Error("просмотр не должен учитываться как скачивание")
	}
}

func TestServeFile_Download(t *testing.T) {
	e := newTestEnv(t, nil)
	path := writeServed(t, "PK-archive")
	e.attachments.resolveFn = func(id string, _ model.Derivative) (*service.ServedFile, error) {
		return &service.ServedFile{
			ID: id, FullPath: path, Mime: "application/zip", Name: "отчёт 1.zip",
			Kind: model.DerivativeDownload, Download: true, Published: true,
		}, nil
	}

	rec := e.do(http.MethodGet, "/download/a1/x.zip", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "PK-archive" {
		t.Fatalf("ожидалось содержимое файла, получен %d %q", rec.Code, rec.Body)
	}
	want := "attachment; filename*=UTF-8''%D0%BE%D1%82%D1%87%D1%91%D1%82%201.zip"
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition: хотели %q, получили %q", want, got)
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("скачивание не должно кэшироваться")
	}
	if len(e.attachments.downloads) != 1 || e.attachments.downloads[0] != "a1" {
		t.Errorf("скачивание должно быть учтено: %v", e.attachments.downloads)
	}
}

func TestServeFile_DraftDownloadNotCounted(t *testing.T) {
	e := newTestEnv(t, nil)
	path := writeServed(t, "data")
	e.attachments.resolveFn = func(id string, _ model.Derivative) (*service.ServedFile, error) {
		return &service.ServedFile{ID: id, FullPath: path, Name: "a.bin", Download: true}, nil
	}
	e.do(http.MethodGet, "/download/d1/a.bin", "")
	if len(e.attachments.downloads) != 0 {
		t.Error("скачивание черновика не учитывается")
	}
}

func TestServeFile_Range(t *testing.T) {
	e := newTestEnv(t, nil)
	path := writeServed(t, "0123456789")
	e.attachments.resolveFn = func(id string, _ model.Derivative) (*service.ServedFile, error) {
		return &service.ServedFile{ID: id, FullPath: path, Mime: "video/mp4", Name: "v.mp4", Published: true}, nil
	}

	rec := e.do(http.MethodGet, "/origin/a1/v.mp4", "", "Range", "bytes=2-5")
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "2345" {
		t.Errorf("ожидался 206 с байтами 2-5, получен %d %q", rec.Code, rec.Body)
	}
}

func TestServeFile_Missing(t *testing.T) {
	e := newTestEnv(t, nil)
	e.attachments.resolveFn = func(id string, _ model.Derivative) (*service.ServedFile, error) {
		return &service.ServedFile{ID: id, FullPath: filepath.Join(t.TempDir(), "none")}, nil
	}
	if rec := e.do(http.MethodGet, "/view/a1/x", ""); rec.Code != http.StatusNotFound {
		t.Errorf("отсутствующий файл: ожидался 404, получен %d", rec.Code)
	}

	e.attachments.resolveFn = func(string, model.Derivative) (*service.ServedFile, error) {
		return nil, &service.ServiceError{Code: service.CodeNotFound, Message: "не найдено"}
	}
	if rec := e.do(http.MethodGet, "/view/zz/x", ""); rec.Code != http.StatusNotFound {
		t.Errorf("неизвестный id: ожидался 404, получен %d", rec.Code)
	}
}

// --- Публикация ---

func TestPublish_Single(t *testing.T) {
	e := newTestEnv(t, nil)
	e.publisher.res = service.PublishResult{Published: true, NewID: "fork1"}

	rec := e.do(http.MethodPost, "/publish",
		`{"id":"a1","slot":{"component_type":"page","component_name":"home"},"move":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d: %s", rec.Code, rec.Body)
	}
	var resp publishResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || len(resp.IDs) != 1 || resp.IDs[0] != "fork1" {
		t.Errorf("неожиданный ответ: %+v", resp)
	}

	c := e.publisher.calls[0]
	if c.method != "Move" || c.id == nil || *c.id != "a1" || c.slot.ComponentName != "home" || c.replace {
		t.Errorf("неожиданный вызов: %+v", c)
	}
}

func TestPublish_NullIDClearsSlot(t *testing.T) {
	e := newTestEnv(t, nil)
	e.publisher.res = service.PublishResult{Published: true}

	rec := e.do(http.MethodPost, "/publish",
		`{"id":null,"slot":{"component_type":"page","component_name":"home"},"replace":true}`)
	var resp publishResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || len(resp.IDs) != 0 {
		t.Errorf("неожиданный ответ: %+v", resp)
	}
	c := e.publisher.calls[0]
	if c.method != "Publish" || c.id != nil || !c.replace {
		t.Errorf("неожиданный вызов: %+v", c)
	}
}

func TestPublish_Batch(t *testing.T) {
	e := newTestEnv(t, nil)
	e.publisher.batch = &service.BatchResult{Success: false, IDs: []string{"a1", "d2"}}

	rec := e.do(http.MethodPost, "/publish",
		`{"ids":["a1","d2"],"slot":{"component_type":"page","component_name":"home"},"replace":true,"move":true}`)
	var resp publishResponse
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Success || len(resp.IDs) != 2 {
		t.Errorf("неожиданный ответ: %d %+v", rec.Code, resp)
	}
	c := e.publisher.calls[0]
	if c.method != "MoveMany" || len(c.ids) != 2 || !c.replace {
		t.Errorf("неожиданный вызов: %+v", c)
	}
}

func TestPublish_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.publisher.err = &service.ServiceError{Code: service.CodeValidation, Message: "нет владельца"}
	rec := e.do(http.MethodPost, "/publish", `{"id":"a1","replace":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400, получен %d", rec.Code)
	}
}

// --- Административные операции ---

func TestDeleteAttachments(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(http.MethodDelete, "/attachments", `{"attachment_ids":"a1, a2,,"}`)
	var resp successResponse
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("неожиданный ответ: %d %+v", rec.Code, resp)
	}
	if got := e.deleter.attachments[0]; len(got) != 2 || got[0] != "a1" || got[1] != "a2" {
		t.Errorf("неожиданный список: %v", got)
	}

	e.deleter.result = false
	rec = e.do(http.MethodDelete, "/draft?draft_ids=d1", "")
	decodeBody(t, rec, &resp)
	if resp.Success || len(e.deleter.drafts) != 1 {
		t.Errorf("ожидался success=false: %+v", resp)
	}

	if rec := e.do(http.MethodDelete, "/attachments", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("пустой список: ожидался 400, получен %d", rec.Code)
	}
}

func TestAdminRoutesRequireAccess(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			apierrors.Forbidden(w, "нет прав")
		})
	}
	e := newTestEnv(t, deny)

	admin := []struct{ method, path, body string }{
		{http.MethodPost, "/publish", `{"ids":["a1"]}`},
		{http.MethodDelete, "/draft", `{"draft_ids":"d1"}`},
		{http.MethodDelete, "/drafts", ""},
		{http.MethodDelete, "/attachments", `{"attachment_ids":"a1"}`},
		{http.MethodGet, "/trashes", ""},
		{http.MethodPost, "/trashes", ""},
		{http.MethodDelete, "/trash", `{"paths":"files/a/b/x"}`},
		{http.MethodDelete, "/trashes", ""},
	}
	for _, tt := range admin {
		if rec := e.do(tt.method, tt.path, tt.body); rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: ожидался статус 403, получен %d", tt.method, tt.path, rec.Code)
		}
	}
	if len(e.publisher.calls) != 0 || len(e.deleter.attachments) != 0 || len(e.deleter.drafts) != 0 || len(e.collector.entries) != 0 {
		t.Error("при отказе в доступе сервисы не должны вызываться")
	}

	// Публичные маршруты доступны
	e.attachments.getFn = func(id string) (*model.AttachmentView, error) {
		return &model.AttachmentView{ID: id}, nil
	}
	if rec := e.do(http.MethodGet, "/attachment?id=a1", ""); rec.Code != http.StatusOK {
		t.Errorf("публичный маршрут: ожидался 200, получен %d", rec.Code)
	}
}

func TestGC(t *testing.T) {
	e := newTestEnv(t, nil)
	e.collector.sweepFn = func() (*service.SweepResult, error) {
		return &service.SweepResult{Deleted: 3}, nil
	}
	e.collector.scanFn = func() (*service.ScanResult, error) {
		return &service.ScanResult{Scanned: 10, Found: 2, Size: 64}, nil
	}
	e.collector.purgeFn = func() (*service.PurgeResult, error) {
		return nil, &service.ServiceError{Code: service.CodeStorageError, Message: "диск"}
	}

	var sweep service.SweepResult
	decodeBody(t, e.do(http.MethodDelete, "/drafts", ""), &sweep)
	if sweep.Deleted != 3 {
		t.Errorf("sweep: %+v", sweep)
	}

	var scan service.ScanResult
	decodeBody(t, e.do(http.MethodPost, "/trashes", ""), &scan)
	if scan.Found != 2 || scan.Size != 64 {
		t.Errorf("scan: %+v", scan)
	}

	if rec := e.do(http.MethodDelete, "/trashes", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("purge с ошибкой хранилища: ожидался 500, получен %d", rec.Code)
	}

	e.collector.purgeOne = true
	var ok successResponse
	decodeBody(t, e.do(http.MethodDelete, "/trash", `{"paths":"files/a/b/x.1,files/c/d/y.2"}`), &ok)
	if !ok.Success || len(e.collector.entries[0]) != 2 {
		t.Errorf("purge entries: %+v %v", ok, e.collector.entries)
	}
}

func TestListTrash(t *testing.T) {
	e := newTestEnv(t, nil)
	var gotLimit, gotOffset int
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.collector.listFn = func(limit, offset int) (*service.TrashPage, error) {
		gotLimit, gotOffset = limit, offset
		return &service.TrashPage{
			Items: []*model.Trash{{Path: "files/a/b/ab.1", Size: 7, CreatedAt: created}},
			Total: 1,
			Size:  7,
		}, nil
	}

	rec := e.do(http.MethodGet, "/trashes?limit=10&offset=20", "")
	var resp trashListResponse
	decodeBody(t, rec, &resp)
	if gotLimit != 10 || gotOffset != 20 {
		t.Errorf("пагинация: %d/%d", gotLimit, gotOffset)
	}
	if len(resp.Items) != 1 || resp.Items[0].Path != "files/a/b/ab.1" || !resp.Items[0].CreatedAt.Equal(created) {
		t.Errorf("неожиданный ответ: %+v", resp)
	}

	e.do(http.MethodGet, "/trashes", "")
	if gotLimit != 100 || gotOffset != 0 {
		t.Errorf("значения по умолчанию: %d/%d", gotLimit, gotOffset)
	}

	for _, q := range []string{"limit=0", "limit=5000", "limit=x", "offset=-1"} {
		if rec := e.do(http.MethodGet, "/trashes?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: ожидался 400, получен %d", q, rec.Code)
		}
	}
}
