// Пакет filestore — контентно-адресуемое хранилище файлов на диске.
// Постоянные файлы лежат в files/{h0}/{h1}/{hash}.{suffix}, временные файлы
// черновиков — в drafts/{id0}/{id1}/{id}. Производные (view, thumbnail)
// хранятся рядом с оригиналом с суффиксом .view / .thumbnail.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Корневые директории хранилища.
const (
	FilesDir  = "files"
	DraftsDir = "drafts"
)

// DerivativeKinds — суффиксы производных файлов, лежащих рядом с оригиналом.
var DerivativeKinds = []string{"view", "thumbnail"}

// Ошибки хранилища.
var (
	// ErrNotWritable — директорию нельзя создать или в неё нельзя писать.
	ErrNotWritable = errors.New("директория хранилища недоступна для записи")
	// ErrInvalidPath — относительный путь выходит за пределы хранилища.
	ErrInvalidPath = errors.New("недопустимый путь в хранилище")
	// ErrInvalidHash — hash слишком короткий для построения пути.
	ErrInvalidHash = errors.New("недопустимый hash")
)

// maxSuffixAttempts — число попыток подобрать свободный суффикс имени.
const maxSuffixAttempts = 5

// FileStore — управление физическими файлами в корневой директории.
type FileStore struct {
	// root — корневая директория (AT_DATA_DIR)
	root string
	// suffix генерирует случайный суффикс имени постоянного файла
	suffix func() string
}

// New создаёт FileStore. Создаёт корневую директорию, если её нет.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", root, err)
	}
	return &FileStore{root: root, suffix: randomSuffix}, nil
}

// Root возвращает корневую директорию хранилища.
func (s *FileStore) Root() string {
	return s.root
}

// randomSuffix — короткий случайный суффикс на основе UUID v4.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// FullPath возвращает абсолютный путь для относительного пути хранилища.
func (s *FileStore) FullPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// ValidatePath проверяет, что относительный путь остаётся внутри хранилища.
func ValidatePath(rel string) error {
	if rel == "" || path.IsAbs(rel) || strings.Contains(rel, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	clean := path.Clean(rel)
	if clean != rel || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return nil
}

// DerivativePath возвращает путь производного файла: {rel}.{kind}.
func DerivativePath(rel, kind string) string {
	return rel + "." + kind
}

// IsDerivative сообщает, является ли путь производным файлом,
// и возвращает путь оригинала.
func IsDerivative(rel string) (origin string, ok bool) {
	for _, kind := range DerivativeKinds {
		if o, found := strings.CutSuffix(rel, "."+kind); found {
			return o, true
		}
	}
	return "", false
}

// --- Постоянное хранилище ---

// DerivePath возвращает директорию шарда для hash (files/{h0}/{h1})
// и создаёт её при необходимости.
func (s *FileStore) DerivePath(hash string) (string, error) {
	if len(hash) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	dir := path.Join(FilesDir, hash[0:1], hash[1:2])
	if err := os.MkdirAll(s.FullPath(dir), 0o750); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotWritable, dir, err)
	}
	return dir, nil
}

// Store атомарно перемещает временный файл в постоянное хранилище.
// Имя файла — {hash}.{suffix}, суффикс выбирается заново при каждом вызове,
// существующий файл никогда не перезаписывается.
// Возвращает относительный путь сохранённого файла.
func (s *FileStore) Store(tempRel, hash string) (string, error) {
	dir, err := s.DerivePath(hash)
	if err != nil {
		return "", err
	}

	for range maxSuffixAttempts {
		rel := path.Join(dir, hash+"."+s.suffix())
		if s.Exists(rel) {
			continue
		}
		if err := s.move(tempRel, rel); err != nil {
			return "", err
		}
		return rel, nil
	}
	return "", fmt.Errorf("не удалось подобрать свободное имя для %s", hash)
}

// move переносит файл rename'ом; между файловыми системами — копированием.
func (s *FileStore) move(fromRel, toRel string) error {
	from, to := s.FullPath(fromRel), s.FullPath(toRel)
	err := os.Rename(from, to)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("ошибка атомарного переименования %s → %s: %w", fromRel, toRel, err)
	}

	tmp := to + ".tmp"
	if err := copyFile(from, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, to); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка переименования %s: %w", toRel, err)
	}
	return os.Remove(from)
}

// copyFile копирует содержимое с fsync.
func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", from, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания %s: %w", to, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("ошибка копирования в %s: %w", to, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	return dst.Close()
}

// ComputeHash вычисляет SHA-256 содержимого файла (hex).
func (s *FileStore) ComputeHash(rel string) (string, error) {
	f, err := os.Open(s.FullPath(rel))
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", rel, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления hash %s: %w", rel, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// --- Черновики ---

// DraftPath возвращает путь временного файла черновика: drafts/{id0}/{id1}/{id}.
func DraftPath(draftID string) string {
	if len(draftID) < 2 {
		return path.Join(DraftsDir, draftID)
	}
	return path.Join(DraftsDir, draftID[0:1], draftID[1:2], draftID)
}

// IsDraftPath — путь принадлежит области черновиков.
func IsDraftPath(rel string) bool {
	return strings.HasPrefix(rel, DraftsDir+"/")
}

// CreateEmpty создаёт (или обнуляет) файл вместе с родительскими директориями.
func (s *FileStore) CreateEmpty(rel string) error {
	full := s.FullPath(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotWritable, path.Dir(rel), err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания файла %s: %w", rel, err)
	}
	return f.Close()
}

// WriteChunk записывает фрагмент загрузки. start == 0 обнуляет файл,
// иначе данные дописываются в конец. Возвращает размер файла после записи.
func (s *FileStore) WriteChunk(rel string, start int64, r io.Reader) (int64, error) {
	full := s.FullPath(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotWritable, path.Dir(rel), err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if start == 0 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(full, flags, 0o640)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия файла %s: %w", rel, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return 0, fmt.Errorf("ошибка записи фрагмента %s: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("ошибка закрытия файла %s: %w", rel, err)
	}
	return s.Size(rel)
}

// Truncate обрезает файл до size байт.
func (s *FileStore) Truncate(rel string, size int64) error {
	if err := os.Truncate(s.FullPath(rel), size); err != nil {
		return fmt.Errorf("ошибка усечения файла %s: %w", rel, err)
	}
	return nil
}

// --- Общие операции ---

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (s *FileStore) Open(rel string) (*os.File, error) {
	f, err := os.Open(s.FullPath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("файл не найден: %s: %w", rel, err)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", rel, err)
	}
	return f, nil
}

// Exists проверяет существование файла.
func (s *FileStore) Exists(rel string) bool {
	_, err := os.Stat(s.FullPath(rel))
	return err == nil
}

// Size возвращает размер файла.
func (s *FileStore) Size(rel string) (int64, error) {
	info, err := os.Stat(s.FullPath(rel))
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", rel, err)
	}
	return info.Size(), nil
}

// Delete удаляет файл. Отсутствие файла ошибкой не считается.
func (s *FileStore) Delete(rel string) error {
	err := os.Remove(s.FullPath(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", rel, err)
	}
	return nil
}

// DeleteWithDerivatives удаляет файл и его производные (.view, .thumbnail).
// Пытается удалить все, возвращает первую ошибку.
func (s *FileStore) DeleteWithDerivatives(rel string) error {
	var firstErr error
	for _, p := range append([]string{rel}, derivativesOf(rel)...) {
		if err := s.Delete(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func derivativesOf(rel string) []string {
	out := make([]string, 0, len(DerivativeKinds))
	for _, kind := range DerivativeKinds {
		out = append(out, DerivativePath(rel, kind))
	}
	return out
}

// TempPath возвращает уникальный временный путь рядом с rel.
func TempPath(rel string) string {
	return rel + "." + randomSuffix() + ".tmp"
}

// Commit атомарно заменяет rel файлом tmpRel (последний писатель побеждает).
func (s *FileStore) Commit(tmpRel, rel string) error {
	if err := os.Rename(s.FullPath(tmpRel), s.FullPath(rel)); err != nil {
		os.Remove(s.FullPath(tmpRel))
		return fmt.Errorf("ошибка переименования %s: %w", rel, err)
	}
	return nil
}

// --- Обход шардов ---

// WalkFunc вызывается для каждого файла в шардах files/.
type WalkFunc func(rel string, size int64, modTime time.Time) error

// shardChars — символы hex, образующие уровни шардов.
const shardChars = "0123456789abcdef"

// WalkShards обходит все 16×16 директорий files/{0-f}/{0-f} и вызывает fn
// для каждого обычного файла. Отсутствующие шарды пропускаются.
// Ошибка fn прерывает обход.
func (s *FileStore) WalkShards(fn WalkFunc) error {
	for _, a := range shardChars {
		for _, b := range shardChars {
			dir := path.Join(FilesDir, string(a), string(b))
			entries, err := os.ReadDir(s.FullPath(dir))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return fmt.Errorf("ошибка чтения шарда %s: %w", dir, err)
			}
			for _, e := range entries {
				if !e.Type().IsRegular() {
					continue
				}
				info, err := e.Info()
				if err != nil {
					// Файл удалён между ReadDir и Info
					continue
				}
				if err := fn(path.Join(dir, e.Name()), info.Size(), info.ModTime()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
