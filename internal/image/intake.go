// Package image implements the Image Intake component: a pure function
// from uploaded bytes to a canonical visual-context artifact (decode,
// validate, resize to a configured maximum dimension, and produce a
// thumbnail), per §1's explicit out-of-scope boundary and §3's Image
// Context data model.
package image

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register the gif format with image.Decode
	"image/jpeg"
	"image/png"
	"time"

	"golang.org/x/image/draw"
)

const (
	thumbnailMaxDimension = 256
	jpegQuality           = 85
)

// Context is the canonical visual-context artifact the Session Store
// carries, ready to be handed to the Generator Adapter unchanged.
type Context struct {
	Bytes      []byte
	Thumbnail  []byte
	MimeType   string
	CapturedAt time.Time
	Filename   string
}

// Options carries the configured bounds from §6.4: a maximum upload
// size, a maximum dimension, and a soft-percent tolerance before an
// image that is only slightly over the limit is forced through a
// resize anyway (grounded on image_handler.py's 80%-of-max early
// resize threshold, generalized into a single soft-tolerance knob).
type Options struct {
	MaxBytes     int
	MaxDimension int
	SoftPercent  int
}

// Decode turns raw uploaded bytes into a canonical Context: validated
// against size and dimension bounds, resized if it exceeds the
// configured maximum dimension by more than the soft tolerance, and
// paired with a thumbnail at most thumbnailMaxDimension pixels on its
// longer side (aspect ratio kept, never upscaled) for quick diagnostics.
func Decode(raw []byte, filename string, opts Options) (Context, error) {
	if opts.MaxBytes > 0 && len(raw) > opts.MaxBytes {
		return Context{}, fmt.Errorf("image exceeds maximum size of %d bytes", opts.MaxBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Context{}, fmt.Errorf("decode image: %w", err)
	}

	mimeType := mimeTypeForFormat(format)
	canonical := raw

	if opts.MaxDimension > 0 {
		bounds := img.Bounds()
		largest := bounds.Dx()
		if bounds.Dy() > largest {
			largest = bounds.Dy()
		}
		tolerance := opts.MaxDimension
		if opts.SoftPercent > 0 {
			tolerance = opts.MaxDimension + (opts.MaxDimension*opts.SoftPercent)/100
		}
		if largest > tolerance {
			resized := resizeToFit(img, opts.MaxDimension)
			encoded, err := encode(resized, format)
			if err != nil {
				return Context{}, fmt.Errorf("encode resized image: %w", err)
			}
			canonical = encoded
			img = resized
		}
	}

	thumb := resizeToFit(img, thumbnailMaxDimension)
	thumbBytes, err := encode(thumb, format)
	if err != nil {
		return Context{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	return Context{
		Bytes:      canonical,
		Thumbnail:  thumbBytes,
		MimeType:   mimeType,
		CapturedAt: time.Now(),
		Filename:   filename,
	}, nil
}

// resizeToFit scales img down so its longer side is at most maxDimension,
// preserving aspect ratio. Images already within bounds are returned
// unchanged (never upscaled).
func resizeToFit(img image.Image, maxDimension int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 || maxDimension <= 0 {
		return img
	}
	largest := w
	if h > largest {
		largest = h
	}
	if largest <= maxDimension {
		return img
	}

	scale := float64(maxDimension) / float64(largest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func mimeTypeForFormat(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
