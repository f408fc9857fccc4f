// usage.go — ёмкость и доступность на запись корня хранилища.
// Платформозависимый код для Unix-подобных систем.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// minFreeRatio — доля свободного места, ниже которой хранилище считается деградированным.
const minFreeRatio = 0.05

// DiskUsage возвращает total, used, available в байтах для файловой системы path.
func DiskUsage(path string) (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)
	used = total - available
	return total, used, available, nil
}

// CheckReady проверяет запись во временную директорию черновиков
// и свободное место: fail — запись невозможна, degraded — места меньше 5%.
func (s *FileStore) CheckReady() (status, message string) {
	dir := filepath.Join(s.root, DraftsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "fail", fmt.Sprintf("директория %s недоступна: %v", dir, err)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "fail", fmt.Sprintf("запись в %s невозможна: %v", dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	total, _, available, err := DiskUsage(s.root)
	if err != nil {
		return "degraded", err.Error()
	}
	if total > 0 && float64(available)/float64(total) < minFreeRatio {
		return "degraded", fmt.Sprintf("свободно %d из %d байт", available, total)
	}
	return "ok", fmt.Sprintf("свободно %d байт", available)
}
