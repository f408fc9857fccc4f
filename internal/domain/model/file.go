// Пакет model — доменные модели Attachment Module.
// File — контентно-адресуемые байты (один на hash), Draft — незавершённая
// или неопубликованная загрузка, Attachment — опубликованная ссылка слота на File,
// Trash — кандидат на удаление, найденный при сверке хранилища.
package model

import (
	"encoding/json"
	"time"
)

// FileType — семантический тип файла, вычисляемый по MIME.
type FileType string

const (
	TypeImage    FileType = "image"
	TypeSVG      FileType = "svg"
	TypeIcon     FileType = "icon"
	TypeDocument FileType = "document"
	TypeArchive  FileType = "archive"
	TypeText     FileType = "text"
	TypeVideo    FileType = "video"
	TypeAudio    FileType = "audio"
	TypeFile     FileType = "file"
)

// IsImage — растровое или векторное изображение, которое браузер показывает как картинку.
func (t FileType) IsImage() bool {
	return t == TypeImage || t == TypeSVG || t == TypeIcon
}

// IsResizable — для типа можно построить производные view/thumbnail.
func (t FileType) IsResizable() bool {
	return t == TypeImage
}

// IsViewable — файл можно отдать браузеру для просмотра (inline).
func IsViewable(t FileType, extension string) bool {
	switch t {
	case TypeImage, TypeSVG, TypeIcon, TypeText, TypeVideo:
		return true
	}
	return extension == "pdf"
}

// Derivative — вид отдаваемого представления файла.
type Derivative string

const (
	DerivativeOrigin    Derivative = "origin"
	DerivativeView      Derivative = "view"
	DerivativeThumbnail Derivative = "thumbnail"
	DerivativeDownload  Derivative = "download"
)

// ParseDerivative проверяет строку маршрута.
func ParseDerivative(s string) (Derivative, bool) {
	switch d := Derivative(s); d {
	case DerivativeOrigin, DerivativeView, DerivativeThumbnail, DerivativeDownload:
		return d, true
	}
	return "", false
}

// File — запись таблицы files. Ровно одна запись на hash.
type File struct {
	// Hash — SHA-256 содержимого (hex), первичный ключ
	Hash string
	// Path — относительный путь: files/{h0}/{h1}/{hash}.{suffix}
	Path      string
	Type      FileType
	Mime      string
	Extension string
	Size      int64
	Width     int
	Height    int
	CreatedAt time.Time
}

// Draft — запись таблицы drafts (загрузка в процессе или ожидающая публикации).
// Поля после Hash заполняются при завершении загрузки.
type Draft struct {
	ID        string
	Name      string
	Path      string
	Extension string
	Size      int64
	CreatedAt time.Time
	ExpiredAt time.Time
	Extras    json.RawMessage

	Hash   *string
	Type   *FileType
	Mime   *string
	Width  *int
	Height *int
}

// IsExpired — истёк ли срок жизни черновика на момент now.
func (d *Draft) IsExpired(now time.Time) bool {
	return d.ExpiredAt.Before(now)
}

// IsComplete — загрузка завершена и содержимое классифицировано.
func (d *Draft) IsComplete() bool {
	return d.Hash != nil && *d.Hash != ""
}

// Slot — место использования вложения: владелец (компонент) и позиция внутри него.
type Slot struct {
	ComponentType string `json:"component_type"`
	ComponentName string `json:"component_name"`
	PositionType  string `json:"position_type"`
	PositionID    string `json:"position_id"`
}

// IsPublished — слот указывает на владельца (оба поля компонента заданы).
func (s Slot) IsPublished() bool {
	return s.ComponentType != "" && s.ComponentName != ""
}

// Attachment — запись таблицы attachments.
type Attachment struct {
	ID string
	// Hash — ссылка на File
	Hash string
	Slot
	Name      string
	CreatedAt time.Time
	Downloads int64
	Extras    json.RawMessage
}

// IsPublished — вложение привязано к владельцу. Строка без компонента
// логически остаётся черновиком (результат копирования в пустой слот).
func (a *Attachment) IsPublished() bool {
	return a.Slot.IsPublished()
}

// Trash — запись таблицы trashes: файл на диске без владельца.
type Trash struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}
