package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-module/internal/thumbnail"
)

// --- In-memory реестр ---

// memDB — общее состояние моков репозиториев. Повторяет ограничения схемы:
// PK files.hash, PK attachments/drafts, FK attachments.hash → files.
type memDB struct {
	mu          sync.Mutex
	files       map[string]model.File
	drafts      map[string]model.Draft
	attachments map[string]model.Attachment
	trashes     map[string]model.Trash
}

func newMemDB() *memDB {
	return &memDB{
		files:       make(map[string]model.File),
		drafts:      make(map[string]model.Draft),
		attachments: make(map[string]model.Attachment),
		trashes:     make(map[string]model.Trash),
	}
}

func (db *memDB) snapshot() *memDB {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &memDB{
		files:       maps.Clone(db.files),
		drafts:      maps.Clone(db.drafts),
		attachments: maps.Clone(db.attachments),
		trashes:     maps.Clone(db.trashes),
	}
}

func (db *memDB) restore(s *memDB) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.files, db.drafts, db.attachments, db.trashes = s.files, s.drafts, s.attachments, s.trashes
}

// mocks — набор моков поверх одного memDB.
type mocks struct {
	db          *memDB
	files       *mockFileRepo
	drafts      *mockDraftRepo
	attachments *mockAttachmentRepo
	trashes     *mockTrashRepo
}

func newMocks() *mocks {
	db := newMemDB()
	return &mocks{
		db:          db,
		files:       &mockFileRepo{db: db},
		drafts:      &mockDraftRepo{db: db},
		attachments: &mockAttachmentRepo{db: db},
		trashes:     &mockTrashRepo{db: db},
	}
}

func (m *mocks) repos() repository.Repos {
	return repository.Repos{Files: m.files, Drafts: m.drafts, Attachments: m.attachments, Trashes: m.trashes}
}

// InTx — транзакция с откатом состояния memDB при ошибке fn.
func (m *mocks) InTx(_ context.Context, fn func(repository.Repos) error) error {
	snap := m.db.snapshot()
	if err := fn(m.repos()); err != nil {
		m.db.restore(snap)
		return err
	}
	return nil
}

// --- FileRepository ---

type mockFileRepo struct {
	db        *memDB
	insertFn  func(ctx context.Context, f *model.File) error
	getByHash func(ctx context.Context, hash string) (*model.File, error)
}

func (m *mockFileRepo) Insert(ctx context.Context, f *model.File) error {
	if m.insertFn != nil {
		if err := m.insertFn(ctx, f); err != nil {
			return err
		}
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.files[f.Hash]; ok {
		return repository.ErrConflict
	}
	f.CreatedAt = time.Now().UTC()
	m.db.files[f.Hash] = *f
	return nil
}

func (m *mockFileRepo) GetByHash(ctx context.Context, hash string) (*model.File, error) {
	if m.getByHash != nil {
		return m.getByHash(ctx, hash)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	f, ok := m.db.files[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &f, nil
}

func (m *mockFileRepo) ExistsByPath(_ context.Context, path string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, f := range m.db.files {
		if f.Path == path {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockFileRepo) Delete(_ context.Context, hash string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.files[hash]; !ok {
		return repository.ErrNotFound
	}
	for _, a := range m.db.attachments {
		if a.Hash == hash {
			return repository.ErrConflict
		}
	}
	delete(m.db.files, hash)
	return nil
}

// --- DraftRepository ---

type mockDraftRepo struct {
	db       *memDB
	createFn func(ctx context.Context, d *model.Draft) error
}

func (m *mockDraftRepo) Create(ctx context.Context, d *model.Draft) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, d); err != nil {
			return err
		}
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.drafts[d.ID]; ok {
		return repository.ErrConflict
	}
	m.db.drafts[d.ID] = *d
	return nil
}

func (m *mockDraftRepo) GetByID(_ context.Context, id string) (*model.Draft, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	d, ok := m.db.drafts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m *mockDraftRepo) UpdateContent(_ context.Context, d *model.Draft) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.drafts[d.ID]; !ok {
		return repository.ErrNotFound
	}
	m.db.drafts[d.ID] = *d
	return nil
}

func (m *mockDraftRepo) Delete(_ context.Context, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.drafts[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.db.drafts, id)
	return nil
}

func (m *mockDraftRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.Draft, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*model.Draft
	for _, d := range m.db.drafts {
		if d.ExpiredAt.Before(now) {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockDraftRepo) CountExpired(ctx context.Context, now time.Time) (int, error) {
	out, err := m.ListExpired(ctx, now, 0)
	return len(out), err
}

// --- AttachmentRepository ---

type mockAttachmentRepo struct {
	db       *memDB
	createFn func(ctx context.Context, a *model.Attachment) error
}

func (m *mockAttachmentRepo) Create(ctx context.Context, a *model.Attachment) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, a); err != nil {
			return err
		}
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.attachments[a.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := m.db.files[a.Hash]; !ok {
		return errors.New("нарушение внешнего ключа attachments.hash")
	}
	m.db.attachments[a.ID] = *a
	return nil
}

func (m *mockAttachmentRepo) GetByID(_ context.Context, id string) (*model.Attachment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	a, ok := m.db.attachments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (m *mockAttachmentRepo) UpdateSlot(_ context.Context, id string, slot model.Slot) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	a, ok := m.db.attachments[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Slot = slot
	m.db.attachments[id] = a
	return nil
}

func (m *mockAttachmentRepo) Delete(_ context.Context, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.attachments[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.db.attachments, id)
	return nil
}

func (m *mockAttachmentRepo) ListBySlot(_ context.Context, slot model.Slot) ([]*model.Attachment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*model.Attachment
	for _, a := range m.db.attachments {
		if a.Slot == slot {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockAttachmentRepo) CountBySlot(ctx context.Context, slot model.Slot) (int, error) {
	list, err := m.ListBySlot(ctx, slot)
	return len(list), err
}

func (m *mockAttachmentRepo) CountByHash(_ context.Context, hash string) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, a := range m.db.attachments {
		if a.Hash == hash {
			n++
		}
	}
	return n, nil
}

func (m *mockAttachmentRepo) IncrementDownloads(_ context.Context, id string) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	a, ok := m.db.attachments[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	a.Downloads++
	m.db.attachments[id] = a
	return a.Downloads, nil
}

// --- TrashRepository ---

type mockTrashRepo struct {
	db *memDB
}

func (m *mockTrashRepo) Upsert(_ context.Context, t *model.Trash) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.trashes[t.Path] = *t
	return nil
}

func (m *mockTrashRepo) GetByPath(_ context.Context, path string) (*model.Trash, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.trashes[path]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (m *mockTrashRepo) List(ctx context.Context, limit, offset int) ([]*model.Trash, error) {
	all, _ := m.ListAll(ctx)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *mockTrashRepo) ListAll(_ context.Context) ([]*model.Trash, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]*model.Trash, 0, len(m.db.trashes))
	for _, t := range m.db.trashes {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *mockTrashRepo) Count(_ context.Context) (int, int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var size int64
	for _, t := range m.db.trashes {
		size += t.Size
	}
	return len(m.db.trashes), size, nil
}

func (m *mockTrashRepo) Delete(_ context.Context, path string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.trashes[path]; !ok {
		return repository.ErrNotFound
	}
	delete(m.db.trashes, path)
	return nil
}

// --- ObjectStore ---

// fakeObjects — in-memory S3 по относительным путям.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Upload(_ context.Context, rel, localPath, _ string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[rel] = data
	return nil
}

func (f *fakeObjects) Download(_ context.Context, rel, localPath string) error {
	f.mu.Lock()
	data, ok := f.objects[rel]
	f.mu.Unlock()
	if !ok {
		return errors.New("объект не найден")
	}
	return os.WriteFile(localPath, data, 0o640)
}

func (f *fakeObjects) Delete(_ context.Context, rel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, rel)
	return nil
}

func (f *fakeObjects) has(rel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[rel]
	return ok
}

// --- Окружение сервисов ---

// env — сервисы поверх моков и временного FileStore.
type env struct {
	m       *mocks
	store   *filestore.FileStore
	objects *fakeObjects
	cache   *CacheService
	upload  *UploadService
	deleter *DeleteService
	publish *PublishService
	gc      *GCService
	att     *AttachmentService
}

// newEnv собирает сервисы. withS3 включает зеркалирование в fakeObjects.
func newEnv(t *testing.T, withS3 bool) *env {
	t.Helper()
	store, err := filestore.New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	e := &env{m: newMocks(), store: store, cache: NewCacheService(100, time.Minute)}
	var objects ObjectStore
	if withS3 {
		e.objects = newFakeObjects()
		objects = e.objects
	}

	repos := e.m.repos()
	e.upload = NewUploadService(repos.Drafts, store, 24*time.Hour, 10<<20, "/api/attachment/v1", logger)
	e.deleter = NewDeleteService(repos, store, objects, e.cache, logger)
	e.publish = NewPublishService(repos, e.m, store, objects, e.deleter, e.cache, logger)
	e.gc = NewGCService(repos, store, e.deleter, 0, logger)
	e.att = NewAttachmentService(repos, store, objects, newTestEngine(), e.cache, "/api/attachment/v1", logger)
	return e
}

// uploadBytes создаёт черновик и загружает data одним фрагментом.
func (e *env) uploadBytes(t *testing.T, name string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	d, err := e.upload.CreateDraft(ctx, CreateDraftRequest{Name: name, Size: int64(len(data))})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	res, err := e.upload.AppendChunk(ctx, ChunkRequest{
		DraftID:      d.ID,
		ContentRange: contentRange(0, int64(len(data))-1, int64(len(data))),
		Body:         bytes.NewReader(data),
		Length:       int64(len(data)),
	})
	if err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("ожидался COMPLETE, получен %s", res.Status)
	}
	return d.ID
}

// noisePNG кодирует PNG w×h со случайными пикселями (плохо сжимается).
func noisePNG(t *testing.T, w, h int, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(r.Intn(256)), G: uint8(r.Intn(256)), B: uint8(r.Intn(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func strPtr(s string) *string { return &s }

func contentRange(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

func newTestEngine() *thumbnail.Engine {
	return thumbnail.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

var (
	slotA = model.Slot{ComponentType: "article", ComponentName: "news", PositionType: "cover", PositionID: "1"}
	slotB = model.Slot{ComponentType: "article", ComponentName: "blog", PositionType: "cover", PositionID: "2"}
)
