package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// MaxFileSize is the largest accepted upload (10MB).
	MaxFileSize = 10 * 1024 * 1024
	// PreviewMaxSide bounds the longest side of a preview image.
	PreviewMaxSide = 800
	// PreviewQuality is the JPEG quality of previews.
	PreviewQuality = 80
	// AnalysisMaxSide bounds images sent to the vision model.
	AnalysisMaxSide = 1200
	// AnalysisQuality is the JPEG quality of images sent to the vision model.
	AnalysisQuality = 80
	// MaxPixels bounds the decoded size of an image (50 megapixels).
	MaxPixels = 50_000_000
)

var (
	ErrInvalidFileType   = errors.New("please upload a valid image file (JPEG, PNG, or WebP)")
	ErrFileTooLarge      = errors.New("image file size must be less than 10MB")
	ErrPreviewGeneration = errors.New("failed to create image preview")
	ErrTooManyPixels     = errors.New("image dimensions are too large")
)

var acceptedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// File is an uploaded image as received from a client.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Size returns the file size in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// DetectMIMEType returns the declared MIME type, or sniffs it from the content
// when nothing was declared.
func (f File) DetectMIMEType() string {
	if f.MIMEType != "" {
		return f.MIMEType
	}
	if len(f.Data) >= 12 && string(f.Data[0:4]) == "RIFF" && string(f.Data[8:12]) == "WEBP" {
		return "image/webp"
	}
	return http.DetectContentType(f.Data)
}

// Validate checks the file type and size.
func Validate(f File) error {
	if !acceptedTypes[f.DetectMIMEType()] {
		return ErrInvalidFileType
	}
	if f.Size() > MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// Preview is a reduced JPEG rendition of an image, encoded as a data URL.
type Preview struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// CreatePreview decodes f, scales it so its longest side is at most
// PreviewMaxSide and re-encodes it as JPEG. Name, Size and Type describe the
// original file.
func CreatePreview(ctx context.Context, f File) (Preview, error) {
	if err := ctx.Err(); err != nil {
		return Preview{}, err
	}
	data, err := reencode(f.Data, PreviewMaxSide, PreviewQuality)
	if err != nil {
		return Preview{}, fmt.Errorf("%w: %s: %v", ErrPreviewGeneration, f.Name, err)
	}
	return Preview{
		URL:  "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
		Name: f.Name,
		Size: f.Size(),
		Type: f.DetectMIMEType(),
	}, nil
}

// Compress returns a JPEG copy of f whose longest side is at most maxSide.
// Images are never upscaled.
func Compress(f File, maxSide, quality int) (File, error) {
	data, err := reencode(f.Data, maxSide, quality)
	if err != nil {
		return File{}, fmt.Errorf("failed to compress image %s: %w", f.Name, err)
	}
	return File{Name: f.Name, MIMEType: "image/jpeg", Data: data}, nil
}

func reencode(data []byte, maxSide, quality int) ([]byte, error) {
	// The header alone tells how much memory decoding would take.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	dst := scale(src, maxSide)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// scale fits src inside a maxSide square keeping its aspect ratio.
func scale(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return src
	}
	if w >= h {
		h = h * maxSide / w
		w = maxSide
	} else {
		w = w * maxSide / h
		h = maxSide
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// Photo pairs an accepted file with its preview. The fields are unexported so
// a preview can never be swapped for one of a different file.
type Photo struct {
	file    File
	preview Preview
}

// NewPhoto validates f and builds its preview.
func NewPhoto(ctx context.Context, f File) (Photo, error) {
	if err := Validate(f); err != nil {
		return Photo{}, err
	}
	p, err := CreatePreview(ctx, f)
	if err != nil {
		return Photo{}, err
	}
	return Photo{file: f, preview: p}, nil
}

// File returns the original upload.
func (p Photo) File() File { return p.file }

// Preview returns the preview rendition.
func (p Photo) Preview() Preview { return p.preview }

// Rejection records a file that was skipped during batch intake.
type Rejection struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// Reason returns the rejection message shown to users.
func (r Rejection) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Batch accepts each file independently. Invalid files are logged and
// reported as rejections; they never abort the batch.
func Batch(ctx context.Context, files []File) ([]Photo, []Rejection) {
	var photos []Photo
	var rejected []Rejection
	for _, f := range files {
		p, err := NewPhoto(ctx, f)
		if err != nil {
			log.Warn().Err(err).Str("file", f.Name).Int64("size", f.Size()).Msg("skipping image")
			rejected = append(rejected, Rejection{Name: f.Name, Err: err})
			continue
		}
		photos = append(photos, p)
	}
	return photos, rejected
}
