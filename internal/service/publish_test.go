package service

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-module/internal/repository"
	"github.com/bigkaa/goartstore/attachment-module/internal/storage/filestore"
)

// publishOne публикует id в slot и проверяет успех.
func (e *env) publishOne(t *testing.T, id string, slot model.Slot) PublishResult {
	t.Helper()
	res, err := e.publish.Publish(context.Background(), &id, slot, false)
	if err != nil {
		t.Fatalf("Publish(%s): %v", id, err)
	}
	if !res.Published {
		t.Fatalf("Publish(%s): не опубликовано", id)
	}
	return res
}

// countStored — количество оригиналов в files/.
func (e *env) countStored(t *testing.T) int {
	t.Helper()
	n := 0
	err := e.store.WalkShards(func(rel string, _ int64, _ time.Time) error {
		if _, ok := filestore.IsDerivative(rel); !ok {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// draftFiles — обычные файлы, оставшиеся в drafts/.
func (e *env) draftFiles(t *testing.T) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(e.store.FullPath("drafts"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.Fatal(err)
	}
	return out
}

func TestPublish_RemovesDraftDerivatives(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "preview.png", noisePNG(t, 900, 900, 5))

	if _, err := e.att.Resolve(ctx, id, model.DerivativeThumbnail); err != nil {
		t.Fatalf("Resolve(thumbnail): %v", err)
	}
	if len(e.draftFiles(t)) != 2 {
		t.Fatalf("до публикации ожидались оригинал и thumbnail, получили %v", e.draftFiles(t))
	}

	e.publishOne(t, id, slotA)

	if left := e.draftFiles(t); len(left) != 0 {
		t.Errorf("после публикации в drafts/ остались файлы: %v", left)
	}
	if n := e.countStored(t); n != 1 {
		t.Errorf("в files/ ожидался один оригинал, получили %d", n)
	}
}

func TestPublish_Draft(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	id := e.uploadBytes(t, "report.txt", []byte("квартальный отчёт"))
	draft, _ := e.m.drafts.GetByID(ctx, id)

	res := e.publishOne(t, id, slotA)
	if res.NewID != "" {
		t.Errorf("публикация черновика сохраняет ID, получен NewID=%s", res.NewID)
	}

	a, err := e.m.attachments.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("вложение не создано: %v", err)
	}
	if a.Slot != slotA || a.Name != "report.txt" || a.Hash != *draft.Hash {
		t.Errorf("вложение: %+v", a)
	}
	if _, err := e.m.drafts.GetByID(ctx, id); !errors.Is(err, repository.ErrNotFound) {
		t.Error("черновик должен быть удалён")
	}

	f, err := e.m.files.GetByHash(ctx, a.Hash)
	if err != nil {
		t.Fatalf("файл не зарегистрирован: %v", err)
	}
	if !strings.HasPrefix(f.Path, "files/") || !e.store.Exists(f.Path) {
		t.Errorf("файл должен лежать в files/: %s", f.Path)
	}
	if e.store.Exists(draft.Path) {
		t.Error("временный файл должен быть перемещён")
	}
	if !e.objects.has(f.Path) {
		t.Error("файл должен быть зеркалирован в S3")
	}
}

func TestPublish_DeduplicatesContent(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	data := noisePNG(t, 64, 64, 7)

	first := e.uploadBytes(t, "a.png", data)
	second := e.uploadBytes(t, "b.png", data)
	secondDraft, _ := e.m.drafts.GetByID(ctx, second)

	e.publishOne(t, first, slotA)
	e.publishOne(t, second, slotB)

	a1, _ := e.m.attachments.GetByID(ctx, first)
	a2, _ := e.m.attachments.GetByID(ctx, second)
	if a1 == nil || a2 == nil || a1.Hash != a2.Hash {
		t.Fatal("оба вложения должны ссылаться на один hash")
	}
	if len(e.m.db.files) != 1 {
		t.Errorf("ожидалась одна запись files, получено %d", len(e.m.db.files))
	}
	if n := e.countStored(t); n != 1 {
		t.Errorf("ожидался один физический файл, получено %d", n)
	}
	if e.store.Exists(secondDraft.Path) {
		t.Error("дубликат во временном каталоге должен быть удалён")
	}
}

// TestPublish_ConcurrentFileInsert — строка files появилась между поиском
// и вставкой: публикация повторяется и переиспользует существующий файл.
func TestPublish_ConcurrentFileInsert(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	data := []byte("содержимое, опубликованное параллельно")

	winner := e.uploadBytes(t, "w.txt", data)
	e.publishOne(t, winner, slotA)
	existing, _ := e.m.attachments.GetByID(ctx, winner)

	loser := e.uploadBytes(t, "l.txt", data)
	calls := 0
	e.m.files.getByHash = func(_ context.Context, hash string) (*model.File, error) {
		calls++
		if calls == 1 {
			return nil, repository.ErrNotFound
		}
		e.m.db.mu.Lock()
		defer e.m.db.mu.Unlock()
		f, ok := e.m.db.files[hash]
		if !ok {
			return nil, repository.ErrNotFound
		}
		return &f, nil
	}

	e.publishOne(t, loser, slotB)

	a, err := e.m.attachments.GetByID(ctx, loser)
	if err != nil || a.Hash != existing.Hash {
		t.Fatalf("вложение должно ссылаться на существующий файл: %v", err)
	}
	if n := e.countStored(t); n != 1 {
		t.Errorf("ожидался один физический файл, получено %d", n)
	}
	if calls < 2 {
		t.Errorf("ожидался повторный поиск файла, вызовов %d", calls)
	}
}

func TestPublish_FailedTransactionRestoresDraft(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "x.txt", []byte("x"))
	draft, _ := e.m.drafts.GetByID(ctx, id)

	e.m.attachments.createFn = func(context.Context, *model.Attachment) error {
		return errors.New("сбой БД")
	}
	if _, err := e.publish.Publish(ctx, &id, slotA, false); CodeOf(err) != CodeInternalError {
		t.Fatalf("ожидалась INTERNAL_ERROR, получено %v", err)
	}

	if _, err := e.m.drafts.GetByID(ctx, id); err != nil {
		t.Error("черновик должен остаться после отката")
	}
	if len(e.m.db.files) != 0 {
		t.Error("запись files должна откатиться")
	}
	if !e.store.Exists(draft.Path) {
		t.Error("байты должны вернуться на место черновика")
	}
}

func TestPublish_IncompleteDraft(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	d, err := e.upload.CreateDraft(ctx, CreateDraftRequest{Name: "big.bin", Size: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.publish.Publish(ctx, &d.ID, slotA, false); !IsValidation(err) {
		t.Errorf("незавершённая загрузка: ожидалась VALIDATION_ERROR, получено %v", err)
	}
}

// TestPublish_UnfinalizedDraft — все байты на диске, но завершение не
// выполнено: публикация классифицирует файл сама.
func TestPublish_UnfinalizedDraft(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	data := []byte("все байты записаны")
	d, err := e.upload.CreateDraft(ctx, CreateDraftRequest{Name: "n.txt", Size: int64(len(data))})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.store.FullPath(d.Path), data, 0o640); err != nil {
		t.Fatal(err)
	}

	e.publishOne(t, d.ID, slotA)
	a, err := e.m.attachments.GetByID(ctx, d.ID)
	if err != nil || a.Hash == "" {
		t.Fatalf("вложение не создано: %v", err)
	}
}

func TestPublish_NotFound(t *testing.T) {
	e := newEnv(t, false)
	id := "missing"
	if _, err := e.publish.Publish(context.Background(), &id, slotA, false); !IsNotFound(err) {
		t.Errorf("ожидалась NOT_FOUND, получено %v", err)
	}
}

func TestPublish_NilID(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	old := e.uploadBytes(t, "old.txt", []byte("старое"))
	e.publishOne(t, old, slotA)

	res, err := e.publish.Publish(ctx, nil, slotB, false)
	if err != nil || !res.Published {
		t.Fatalf("nil без replace: %v %v", res, err)
	}
	if _, err := e.m.attachments.GetByID(ctx, old); err != nil {
		t.Error("чужой слот не должен меняться")
	}

	res, err = e.publish.Publish(ctx, nil, slotA, true)
	if err != nil || !res.Published {
		t.Fatalf("nil с replace: %v %v", res, err)
	}
	if _, err := e.m.attachments.GetByID(ctx, old); !errors.Is(err, repository.ErrNotFound) {
		t.Error("replace с nil должен очистить слот")
	}
}

func TestPublish_ReplaceRequiresOwner(t *testing.T) {
	e := newEnv(t, false)
	if _, err := e.publish.Publish(context.Background(), nil, model.Slot{}, true); !IsValidation(err) {
		t.Errorf("ожидалась VALIDATION_ERROR, получено %v", err)
	}
}

func TestPublish_SameSlotIsNoop(t *testing.T) {
	e := newEnv(t, false)
	id := e.uploadBytes(t, "a.txt", []byte("a"))
	e.publishOne(t, id, slotA)

	res := e.publishOne(t, id, slotA)
	if res.NewID != "" {
		t.Errorf("повторная публикация в тот же слот не должна создавать копию: %s", res.NewID)
	}
	if len(e.m.db.attachments) != 1 {
		t.Errorf("ожидалось одно вложение, получено %d", len(e.m.db.attachments))
	}
}

func TestPublish_ForksPublishedAttachment(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "a.txt", []byte("a"))
	e.publishOne(t, id, slotA)

	res := e.publishOne(t, id, slotB)
	if res.NewID == "" || res.NewID == id {
		t.Fatalf("ожидалась копия с новым ID, получено %q", res.NewID)
	}
	orig, _ := e.m.attachments.GetByID(ctx, id)
	fork, _ := e.m.attachments.GetByID(ctx, res.NewID)
	if orig.Slot != slotA {
		t.Error("исходное вложение не должно меняться")
	}
	if fork.Slot != slotB || fork.Hash != orig.Hash || fork.Name != orig.Name {
		t.Errorf("копия: %+v", fork)
	}
}

func TestMove_AloneInSlot(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "a.txt", []byte("a"))
	e.publishOne(t, id, slotA)

	res, err := e.publish.Move(ctx, &id, slotB, false)
	if err != nil || res.NewID != "" {
		t.Fatalf("Move: %v %v", res, err)
	}
	a, _ := e.m.attachments.GetByID(ctx, id)
	if a.Slot != slotB {
		t.Errorf("вложение должно быть перенесено: %+v", a.Slot)
	}
	if len(e.m.db.attachments) != 1 {
		t.Error("перенос не создаёт копий")
	}
}

func TestMove_NotAloneForks(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "a.txt", []byte("a"))
	other := e.uploadBytes(t, "b.txt", []byte("b"))
	e.publishOne(t, id, slotA)
	e.publishOne(t, other, slotA)

	res, err := e.publish.Move(ctx, &id, slotB, false)
	if err != nil || res.NewID == "" {
		t.Fatalf("ожидалась копия: %v %v", res, err)
	}
	if a, _ := e.m.attachments.GetByID(ctx, id); a.Slot != slotA {
		t.Error("исходное вложение должно остаться в своём слоте")
	}
}

// TestPublish_UnpublishedRowUpdatedInPlace — копия в пустой слот остаётся
// неопубликованной строкой и публикуется без новой копии.
func TestPublish_UnpublishedRowUpdatedInPlace(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "a.txt", []byte("a"))
	e.publishOne(t, id, slotA)

	res := e.publishOne(t, id, model.Slot{})
	if res.NewID == "" {
		t.Fatal("ожидалась копия в пустой слот")
	}
	res2 := e.publishOne(t, res.NewID, slotB)
	if res2.NewID != "" {
		t.Errorf("неопубликованная строка должна обновиться на месте, NewID=%s", res2.NewID)
	}
	a, _ := e.m.attachments.GetByID(ctx, res.NewID)
	if a.Slot != slotB {
		t.Errorf("слот: %+v", a.Slot)
	}
}

func TestPublishMany_ReplaceSweep(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	stale := e.uploadBytes(t, "stale.txt", []byte("старое содержимое"))
	kept := e.uploadBytes(t, "kept.txt", []byte("остаётся"))
	e.publishOne(t, stale, slotA)
	e.publishOne(t, kept, slotA)
	staleAtt, _ := e.m.attachments.GetByID(ctx, stale)
	staleFile, _ := e.m.files.GetByHash(ctx, staleAtt.Hash)

	fresh := e.uploadBytes(t, "fresh.txt", []byte("новое"))
	res, err := e.publish.PublishMany(ctx, []string{kept, fresh, "missing"}, slotA, true)
	if err != nil {
		t.Fatalf("PublishMany: %v", err)
	}
	if res.Success {
		t.Error("отсутствующий элемент должен дать Success=false")
	}
	if len(res.IDs) != 3 || res.IDs[0] != kept || res.IDs[1] != fresh {
		t.Errorf("IDs: %v", res.IDs)
	}

	list, _ := e.m.attachments.ListBySlot(ctx, slotA)
	if len(list) != 2 {
		t.Fatalf("в слоте должны остаться 2 вложения, получено %d", len(list))
	}
	if _, err := e.m.attachments.GetByID(ctx, stale); !errors.Is(err, repository.ErrNotFound) {
		t.Error("вложение вне набора должно быть удалено")
	}
	if e.store.Exists(staleFile.Path) {
		t.Error("файл без ссылок должен быть удалён")
	}
}

func TestMoveMany_KeepsForks(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	a := e.uploadBytes(t, "a.txt", []byte("a"))
	b := e.uploadBytes(t, "b.txt", []byte("b"))
	e.publishOne(t, a, slotA)
	e.publishOne(t, b, slotA)

	res, err := e.publish.MoveMany(ctx, []string{a}, slotB, true)
	if err != nil || !res.Success {
		t.Fatalf("MoveMany: %v %v", res, err)
	}
	// a не одно в слоте A — копия; копия должна пережить очистку слота B
	if res.IDs[0] == a {
		t.Fatal("ожидалась копия")
	}
	if _, err := e.m.attachments.GetByID(ctx, res.IDs[0]); err != nil {
		t.Error("копия должна остаться после очистки")
	}
}

func TestPublish_InvalidatesCache(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	id := e.uploadBytes(t, "a.txt", []byte("a"))
	e.publishOne(t, id, slotA)

	if _, err := e.att.GetAttachment(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.cache.Get(id); !ok {
		t.Fatal("вложение должно попасть в кэш")
	}
	if _, err := e.publish.Move(ctx, &id, slotB, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.cache.Get(id); ok {
		t.Error("перенос должен инвалидировать кэш")
	}
}
