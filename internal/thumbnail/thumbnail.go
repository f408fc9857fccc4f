// Пакет thumbnail — построение производных изображений (view, thumbnail):
// декодирование → ресэмплинг → кодирование с учётом прозрачности.
// Поведение для каждого формата задаётся таблицей кодеков и выбирается
// один раз на вызов.
package thumbnail

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	_ "image/jpeg" // регистрация декодера JPEG для DecodeConfig
	_ "image/png"  // регистрация декодера PNG для DecodeConfig
	"io"
	"log/slog"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // регистрация декодера BMP
	_ "golang.org/x/image/webp" // регистрация декодера WebP
)

// Format — формат изображения (имя декодера image.DecodeConfig).
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatBMP  Format = "bmp"
	// FormatKeep — сохранить исходный формат (если для него есть кодировщик).
	FormatKeep Format = ""
)

// Размеры производных, хранимых рядом с оригиналом.
const (
	ViewMaxSize      = 1600
	ThumbnailMaxSize = 600
	// ThumbnailFormat — фиксированный формат с потерями для .thumbnail
	ThumbnailFormat = FormatJPEG
	// Quality — качество кодирования форматов с потерями
	Quality = 80
)

// codec — стратегия работы с форматом.
type codec struct {
	// encode — nil, если формат только декодируется
	encode func(w io.Writer, img image.Image, quality int) error
	// alpha — формат хранит прозрачность
	alpha bool
}

var codecs = map[Format]codec{
	FormatJPEG: {
		encode: func(w io.Writer, img image.Image, q int) error {
			return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(q))
		},
	},
	FormatPNG: {
		encode: func(w io.Writer, img image.Image, _ int) error {
			return imaging.Encode(w, img, imaging.PNG)
		},
		alpha: true,
	},
	FormatGIF: {encode: encodeTransparentGIF, alpha: true},
	// WebP декодируется golang.org/x/image/webp; кодировщика нет,
	// производные сохраняются в PNG с альфа-каналом.
	FormatWebP: {alpha: true},
	FormatBMP: {
		encode: func(w io.Writer, img image.Image, _ int) error {
			return imaging.Encode(w, img, imaging.BMP)
		},
	},
}

// encodeTransparentGIF кодирует GIF с прозрачным цветом в палитре.
func encodeTransparentGIF(w io.Writer, img image.Image, _ int) error {
	pal := append(color.Palette{color.Transparent}, palette.WebSafe...)
	b := img.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), pal)
	draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, b.Min)
	return gif.Encode(w, dst, &gif.Options{NumColors: len(pal)})
}

// Engine строит производные изображения.
type Engine struct {
	quality int
	logger  *slog.Logger
}

// New создаёт Engine с качеством кодирования Quality.
func New(logger *slog.Logger) *Engine {
	return &Engine{
		quality: Quality,
		logger:  logger.With(slog.String("component", "thumbnail")),
	}
}

// FitSize вычисляет размеры, при которых большая сторона равна size
// с сохранением пропорций. Изображение не увеличивается.
func FitSize(w, h, size int) (int, int) {
	if w <= 0 || h <= 0 || size <= 0 {
		return 0, 0
	}
	if w <= size && h <= size {
		return w, h
	}
	if w >= h {
		nh := (h*size + w/2) / w
		return size, max(nh, 1)
	}
	nw := (w*size + h/2) / h
	return max(nw, 1), size
}

// CropRect вычисляет центрированную область исходного изображения sw×sh
// с пропорциями целевого размера w×h.
func CropRect(sw, sh, w, h int) image.Rectangle {
	if w*sh > h*sw {
		// Цель шире источника — обрезаем по высоте
		ch := sw * h / w
		y0 := (sh - ch) / 2
		return image.Rect(0, y0, sw, y0+ch)
	}
	cw := sh * w / h
	x0 := (sw - cw) / 2
	return image.Rect(x0, 0, x0+cw, sh)
}

// source — открытое исходное изображение с определённым форматом.
type source struct {
	path   string
	format Format
	width  int
	height int
}

// probe определяет формат и размеры исходного файла по заголовку.
func probe(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, name, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("чтение заголовка %s: %w", path, err)
	}
	format := Format(name)
	if _, ok := codecs[format]; !ok {
		return nil, fmt.Errorf("формат %q не поддерживается", name)
	}
	return &source{path: path, format: format, width: cfg.Width, height: cfg.Height}, nil
}

// outputFormat выбирает формат результата: принудительный, исходный
// или PNG для форматов без кодировщика.
func outputFormat(src Format, force Format) Format {
	if force != FormatKeep {
		if c, ok := codecs[force]; ok && c.encode != nil {
			return force
		}
	}
	if c, ok := codecs[src]; ok && c.encode != nil {
		return src
	}
	return FormatPNG
}

// CreateThumbnail уменьшает изображение так, чтобы большая сторона была
// не больше size, и записывает его в dst. Если масштабирование и смена
// формата не нужны — файл копируется как есть. Ошибки не фатальны:
// возвращается false. deleteSrc соблюдается в любом случае.
func (e *Engine) CreateThumbnail(srcPath, dstPath string, size int, deleteSrc bool, force Format) bool {
	if deleteSrc {
		defer os.Remove(srcPath)
	}

	src, err := probe(srcPath)
	if err != nil {
		e.logFailure("create", srcPath, err)
		return false
	}

	out := outputFormat(src.format, force)
	w, h := FitSize(src.width, src.height, size)
	if w == 0 {
		e.logFailure("create", srcPath, fmt.Errorf("некорректные размеры %dx%d", src.width, src.height))
		return false
	}
	if out == src.format && w == src.width && h == src.height {
		if err := copyBytes(srcPath, dstPath); err != nil {
			e.logFailure("create", srcPath, err)
			return false
		}
		return true
	}

	img, err := imaging.Open(srcPath)
	if err != nil {
		e.logFailure("create", srcPath, err)
		return false
	}
	resized := imaging.Resize(img, w, h, imaging.Lanczos)

	if err := e.write(dstPath, resized, src.format, out); err != nil {
		e.logFailure("create", srcPath, err)
		return false
	}
	return true
}

// CropThumbnail вырезает центральную область с пропорциями w×h,
// масштабирует её точно до w×h и записывает в dst.
// При совпадении размеров и формата файл копируется как есть.
func (e *Engine) CropThumbnail(srcPath, dstPath string, w, h int, deleteSrc bool, force Format) bool {
	if deleteSrc {
		defer os.Remove(srcPath)
	}
	if w <= 0 || h <= 0 {
		e.logFailure("crop", srcPath, fmt.Errorf("некорректный целевой размер %dx%d", w, h))
		return false
	}

	src, err := probe(srcPath)
	if err != nil {
		e.logFailure("crop", srcPath, err)
		return false
	}

	out := outputFormat(src.format, force)
	if out == src.format && src.width == w && src.height == h {
		if err := copyBytes(srcPath, dstPath); err != nil {
			e.logFailure("crop", srcPath, err)
			return false
		}
		return true
	}

	img, err := imaging.Open(srcPath)
	if err != nil {
		e.logFailure("crop", srcPath, err)
		return false
	}
	b := img.Bounds()
	rect := CropRect(b.Dx(), b.Dy(), w, h).Add(b.Min)
	cropped := imaging.Crop(img, rect)
	resized := imaging.Resize(cropped, w, h, imaging.Lanczos)

	if err := e.write(dstPath, resized, src.format, out); err != nil {
		e.logFailure("crop", srcPath, err)
		return false
	}
	return true
}

// write кодирует изображение в формат out. Прозрачность сохраняется для
// форматов с альфа-каналом; для остальных фон заливается белым.
func (e *Engine) write(dstPath string, img *image.NRGBA, from, out Format) error {
	c := codecs[out]
	var result image.Image = img
	if codecs[from].alpha && !c.alpha {
		bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
		result = imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
	}

	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("создание %s: %w", dstPath, err)
	}
	bw := bufio.NewWriter(f)
	if err := c.encode(bw, result, e.quality); err != nil {
		f.Close()
		os.Remove(dstPath)
		return fmt.Errorf("кодирование %s: %w", out, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(dstPath)
		return fmt.Errorf("запись %s: %w", dstPath, err)
	}
	return f.Close()
}

// copyBytes — побайтовая копия файла.
func copyBytes(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (e *Engine) logFailure(op, path string, err error) {
	e.logger.Warn("Не удалось построить производное изображение",
		slog.String("op", op),
		slog.String("src", path),
		slog.String("error", err.Error()),
	)
}
