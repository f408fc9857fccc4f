// Пакет classifier — определение MIME-типа по содержимому, семантического
// типа файла, нормализация расширений и чтение размеров изображений.
// Состояния нет: все функции чистые (кроме чтения файла).
package classifier

import (
	"encoding/binary"
	"encoding/xml"
	"image"
	_ "image/gif"  // регистрация декодера GIF для DecodeConfig
	_ "image/jpeg" // регистрация декодера JPEG
	_ "image/png"  // регистрация декодера PNG
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"  // регистрация декодера BMP
	_ "golang.org/x/image/webp" // регистрация декодера WebP

	"github.com/bigkaa/goartstore/attachment-module/internal/domain/model"
)

// ClassifyMime определяет MIME-тип по содержимому файла (не по имени).
// Возвращает пустую строку, если файл не читается.
func ClassifyMime(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return stripParams(m.String())
}

// ClassifyMimeReader определяет MIME-тип по началу потока.
func ClassifyMimeReader(r io.Reader) string {
	m, err := mimetype.DetectReader(r)
	if err != nil {
		return ""
	}
	return stripParams(m.String())
}

// stripParams отбрасывает параметры MIME (; charset=...).
func stripParams(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// typeRule — правило сопоставления MIME → тип. Правила проверяются
// по порядку, срабатывает первое совпавшее.
type typeRule struct {
	re  *regexp.Regexp
	typ model.FileType
}

var typeRules = []typeRule{
	{regexp.MustCompile(`^image/svg\+xml$`), model.TypeSVG},
	{regexp.MustCompile(`^image/(x-icon|vnd\.microsoft\.icon)$`), model.TypeIcon},
	{regexp.MustCompile(`^image/`), model.TypeImage},
	{regexp.MustCompile(`^application/.*(pdf|officedocument|opendocument|word|powerpoint|excel|xml|rtf|cdfv2)`), model.TypeDocument},
	{regexp.MustCompile(`^application/.*(zip|rar|tar|compressed|gzip|7z)`), model.TypeArchive},
	{regexp.MustCompile(`^application/.*json`), model.TypeText},
	{regexp.MustCompile(`^text/`), model.TypeText},
	{regexp.MustCompile(`^video/`), model.TypeVideo},
	{regexp.MustCompile(`^audio/`), model.TypeAudio},
}

// ClassifyType сопоставляет MIME-тип семантическому типу файла.
// Неизвестные и пустые MIME — model.TypeFile.
func ClassifyType(mime string) model.FileType {
	mime = stripParams(mime)
	for _, rule := range typeRules {
		if rule.re.MatchString(mime) {
			return rule.typ
		}
	}
	return model.TypeFile
}

// extensionSynonyms — канонические формы расширений.
var extensionSynonyms = map[string]string{
	"jpeg": "jpg",
	"htm":  "html",
}

// NormalizeExtension возвращает расширение файла в нижнем регистре
// (после последней точки) с заменой синонимов. Без точки — "".
func NormalizeExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	ext = strings.TrimPrefix(ext, ".")
	if canon, ok := extensionSynonyms[ext]; ok {
		return canon
	}
	return ext
}

// ExtensionForMime возвращает каноническое расширение для MIME-типа
// по таблице mimetype. Пустая строка, если тип неизвестен или слишком общий.
func ExtensionForMime(mime string) string {
	mime = stripParams(mime)
	switch mime {
	case "", "application/octet-stream", "text/plain":
		return ""
	}
	m := mimetype.Lookup(mime)
	if m == nil {
		return ""
	}
	return NormalizeExtension(m.Extension())
}

// ProbeImageDimensions возвращает ширину и высоту изображения.
// svg — атрибуты width/height корневого элемента; image/icon — только заголовок
// контейнера; прочие типы и повреждённые файлы — (0, 0). Ошибок не возвращает.
func ProbeImageDimensions(path string, typ model.FileType) (width, height int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	switch typ {
	case model.TypeSVG:
		return svgDimensions(f)
	case model.TypeIcon:
		if w, h, ok := icoDimensions(f); ok {
			return w, h
		}
		// Иконка может быть PNG/BMP под видом ico
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, 0
		}
		return configDimensions(f)
	case model.TypeImage:
		return configDimensions(f)
	default:
		return 0, 0
	}
}

// configDimensions читает только заголовок через зарегистрированные декодеры.
func configDimensions(r io.Reader) (int, int) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

var leadingNumber = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)`)

// svgDimensions ищет первый элемент <svg> и читает его width/height.
func svgDimensions(r io.Reader) (int, int) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return 0, 0
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !strings.EqualFold(se.Name.Local, "svg") {
			return 0, 0
		}
		var w, h int
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "width":
				w = svgLength(attr.Value)
			case "height":
				h = svgLength(attr.Value)
			}
		}
		return w, h
	}
}

// svgLength — целая часть числового префикса ("120.5px" → 120).
func svgLength(v string) int {
	m := leadingNumber.FindStringSubmatch(v)
	if m == nil {
		return 0
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// icoDimensions читает ICONDIR и первую запись каталога.
// Нулевой байт размера в ICO означает 256 пикселей.
func icoDimensions(r io.Reader) (int, int, bool) {
	var hdr [6 + 16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != 0 || binary.LittleEndian.Uint16(hdr[2:4]) != 1 {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint16(hdr[4:6]) == 0 {
		return 0, 0, false
	}
	w, h := int(hdr[6]), int(hdr[7])
	if w == 0 {
		w = 256
	}
	if h == 0 {
		h = 256
	}
	return w, h, true
}

// Classification — результат классификации содержимого файла.
type Classification struct {
	Mime      string
	Type      model.FileType
	Extension string
	Width     int
	Height    int
}

// Classify определяет MIME, тип, расширение и размеры файла по пути.
// name — исходное имя файла. Расширение берётся из имени; для изображений
// и файлов без расширения его заменяет расширение, известное по содержимому.
func Classify(path, name string) Classification {
	mime := ClassifyMime(path)
	typ := ClassifyType(mime)
	ext := NormalizeExtension(name)
	if byContent := ExtensionForMime(mime); byContent != "" && (ext == "" || typ.IsImage()) {
		ext = byContent
	}
	w, h := ProbeImageDimensions(path, typ)
	return Classification{Mime: mime, Type: typ, Extension: ext, Width: w, Height: h}
}

// ReplaceExtension заменяет расширение в отображаемом имени файла.
// Имя без расширения получает новое; пустое ext оставляет имя как есть.
func ReplaceExtension(name, ext string) string {
	if ext == "" {
		return name
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = name
	}
	return base + "." + ext
}
