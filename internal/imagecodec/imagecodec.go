package imagecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/vbonduro/imgdesc/internal/vision"
)

const (
	// DefaultJPEGQuality is used when Options.JPEGQuality is out of range.
	DefaultJPEGQuality = 90
	// DefaultMaxPixels is used when Options.MaxPixels is not positive.
	DefaultMaxPixels = 50_000_000
)

type Options struct {
	JPEGQuality int
	// MaxPixels rejects images whose declared width*height exceeds it before
	// any pixel data is decoded.
	MaxPixels int
}

// Reencode decodes data as any registered image format and re-serializes it
// to format, base64 encoded. Non-image input yields a vision.KindDecode error.
func Reencode(data []byte, format vision.Format, opts Options) (*vision.EncodedImage, error) {
	if len(data) == 0 {
		return nil, vision.NewError(vision.KindDecode, "reencode", 0, fmt.Errorf("empty image data"))
	}

	if err := checkDimensions(data, opts.MaxPixels); err != nil {
		return nil, err
	}

	img, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, vision.NewError(vision.KindDecode, "reencode", 0, err)
	}

	var buf bytes.Buffer
	switch format {
	case vision.FormatJPEG:
		q := opts.JPEGQuality
		if q < 1 || q > 100 {
			q = DefaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: q}); err != nil {
			return nil, vision.NewError(vision.KindDecode, "reencode", 0, fmt.Errorf("encode %s as jpeg: %w", srcFormat, err))
		}
	case vision.FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, vision.NewError(vision.KindDecode, "reencode", 0, fmt.Errorf("encode %s as png: %w", srcFormat, err))
		}
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}

	b := img.Bounds()
	return &vision.EncodedImage{
		Format: format,
		Data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// flatten composites img onto an opaque white background. JPEG has no alpha
// channel, and encoding premultiplied transparent pixels directly turns them
// black.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// checkDimensions reads only the image header. A small compressed file can
// declare dimensions whose pixel buffer would not fit in memory.
func checkDimensions(data []byte, maxPixels int) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return vision.NewError(vision.KindDecode, "reencode", 0, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return vision.NewError(vision.KindDecode, "reencode", 0,
			fmt.Errorf("%s image is %dx%d, over the %d pixel limit", srcFormat, cfg.Width, cfg.Height, maxPixels))
	}
	return nil
}
