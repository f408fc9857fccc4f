package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrIncomplete — у источника нет обязательных полей для построения представления.
var ErrIncomplete = errors.New("неполные данные вложения")

// AttachmentView — представление вложения для API (GET attachment, ответ upload).
// Строится только через NewPublishedView или NewDraftView.
type AttachmentView struct {
	ID          string          `json:"id"`
	Icon        string          `json:"icon"`
	Name        string          `json:"name"`
	Type        FileType        `json:"type"`
	Mime        string          `json:"mime"`
	Extension   string          `json:"extension"`
	Size        int64           `json:"size"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Hash        string          `json:"hash,omitempty"`
	Path        string          `json:"-"`
	IsPublished bool            `json:"is_published"`
	Slot        *Slot           `json:"slot,omitempty"`
	Downloads   int64           `json:"downloads"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiredAt   *time.Time      `json:"expired_at"`
	View        *string         `json:"view"`
	Download    *string         `json:"download"`
	Thumbnail   *string         `json:"thumbnail"`
	Extras      json.RawMessage `json:"extras,omitempty"`
}

// NewPublishedView строит представление по строке attachments и связанному File.
// Строка без компонента (fork в пустой слот) отдаётся как неопубликованная.
func NewPublishedView(a *Attachment, f *File, baseURL string) (*AttachmentView, error) {
	if a == nil || f == nil {
		return nil, fmt.Errorf("%w: нет записи attachment или file", ErrIncomplete)
	}
	if a.ID == "" || a.Hash == "" || f.Path == "" {
		return nil, fmt.Errorf("%w: attachment %q", ErrIncomplete, a.ID)
	}
	if a.Hash != f.Hash {
		return nil, fmt.Errorf("%w: hash вложения %s не совпадает с файлом %s", ErrIncomplete, a.Hash, f.Hash)
	}

	v := &AttachmentView{
		ID:          a.ID,
		Name:        a.Name,
		Type:        f.Type,
		Mime:        f.Mime,
		Extension:   f.Extension,
		Size:        f.Size,
		Width:       f.Width,
		Height:      f.Height,
		Hash:        f.Hash,
		Path:        f.Path,
		IsPublished: a.IsPublished(),
		Downloads:   a.Downloads,
		CreatedAt:   a.CreatedAt,
		Extras:      a.Extras,
	}
	if v.IsPublished {
		slot := a.Slot
		v.Slot = &slot
	}
	v.fill(baseURL)
	return v, nil
}

// NewDraftView строит представление черновика. Незавершённый черновик
// (нет hash) допустим: тип и MIME остаются пустыми, ссылки не выдаются.
func NewDraftView(d *Draft, baseURL string) (*AttachmentView, error) {
	if d == nil || d.ID == "" || d.Path == "" {
		return nil, fmt.Errorf("%w: черновик без идентификатора или пути", ErrIncomplete)
	}

	expired := d.ExpiredAt
	v := &AttachmentView{
		ID:        d.ID,
		Name:      d.Name,
		Extension: d.Extension,
		Size:      d.Size,
		Path:      d.Path,
		CreatedAt: d.CreatedAt,
		ExpiredAt: &expired,
		Extras:    d.Extras,
		Type:      TypeFile,
	}

	if !d.IsComplete() {
		v.Icon = Icon(v.Type, v.Extension)
		return v, nil
	}
	if d.Type == nil || d.Mime == nil {
		return nil, fmt.Errorf("%w: черновик %s завершён без type/mime", ErrIncomplete, d.ID)
	}

	v.Hash = *d.Hash
	v.Type = *d.Type
	v.Mime = *d.Mime
	if d.Width != nil {
		v.Width = *d.Width
	}
	if d.Height != nil {
		v.Height = *d.Height
	}
	v.fill(baseURL)
	return v, nil
}

// fill вычисляет иконку и URL производных.
func (v *AttachmentView) fill(baseURL string) {
	v.Icon = Icon(v.Type, v.Extension)

	download := FileURL(baseURL, DerivativeDownload, v.ID, v.Name)
	v.Download = &download
	if IsViewable(v.Type, v.Extension) {
		view := FileURL(baseURL, DerivativeView, v.ID, v.Name)
		v.View = &view
	}
	if v.Type.IsResizable() {
		thumb := FileURL(baseURL, DerivativeThumbnail, v.ID, v.Name)
		v.Thumbnail = &thumb
	}
}

// FileURL формирует путь маршрута отдачи файла: {base}/{kind}/{id}/{name}.
func FileURL(baseURL string, kind Derivative, id, name string) string {
	return strings.TrimRight(baseURL, "/") + "/" + string(kind) + "/" + id + "/" + url.PathEscape(name)
}

// documentExtensions — расширения с собственной иконкой.
var documentExtensions = map[string]bool{
	"doc": true, "docx": true, "hwp": true, "pdf": true,
	"ppt": true, "pptx": true, "xls": true, "xlsx": true,
}

// Icon возвращает имя иконки типа файла для интерфейса.
func Icon(t FileType, extension string) string {
	icon := "file"
	switch t {
	case TypeArchive, TypeAudio, TypeDocument, TypeImage, TypeVideo:
		icon = "file_type_" + string(t)
	}
	if documentExtensions[extension] {
		icon = "file_extension_" + extension[:3]
	}
	if extension == "svg" || t == TypeSVG {
		icon = "file_type_image"
	}
	return icon
}
