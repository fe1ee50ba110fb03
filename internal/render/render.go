// Package render implements the async page-image producer described in
// spec §4.5: a lazy, backpressured sequence of (page_index, image_bytes)
// pulled from a PDF path, with optional downscaling and recompression.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	fitz "github.com/gen2brain/go-fitz"
)

// Page is one rendered page: its 0-based index and its compressed
// image bytes.
type Page struct {
	Index int
	Image []byte
}

// Options controls rasterization resolution and output compression.
type Options struct {
	DPI          float64
	JPEGQuality  int
	MaxDimension int // 0 disables downscaling
}

// DefaultOptions mirrors the config package's defaults for callers that
// don't have a config.Config handy (e.g. tests).
func DefaultOptions() Options {
	return Options{DPI: 200, JPEGQuality: 85, MaxDimension: 2000}
}

// Document is an open PDF, one page of which can be rasterized at a
// time. It is the "opaque producer" boundary spec §1 describes: a
// concrete Rasterizer backs it with a real library, but the Pipeline
// Orchestrator and Stream only depend on this interface.
type Document interface {
	NumPage() int
	RenderPage(index int, dpi float64) (image.Image, error)
	Close() error
}

// Rasterizer opens a PDF path as a Document.
type Rasterizer interface {
	Open(path string) (Document, error)
}

// FitzRasterizer is the production Rasterizer, backed by MuPDF via
// gen2brain/go-fitz.
type FitzRasterizer struct{}

func (FitzRasterizer) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPage() int { return d.doc.NumPage() }

func (d *fitzDocument) RenderPage(index int, dpi float64) (image.Image, error) {
	img, err := d.doc.ImageDPI(index, dpi)
	if err != nil {
		return nil, fmt.Errorf("rendering page %d: %w", index, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error { return d.doc.Close() }

// Stream produces one Page per page of the PDF at path, in order,
// off the caller's goroutine: each render runs synchronously inside the
// stream's own goroutine, and the unbuffered result channel means the
// producer does not advance to the next page until the current one has
// been consumed, giving natural backpressure when paired with a
// bounded queue downstream. The returned error channel receives at
// most one error and is then closed; a renderer error still closes the
// page channel so consumers relying on range don't block forever.
func Stream(ctx context.Context, path string, opts Options, rast Rasterizer) (<-chan Page, <-chan error) {
	pages := make(chan Page)
	errs := make(chan error, 1)

	go func() {
		defer close(pages)
		defer close(errs)

		doc, err := rast.Open(path)
		if err != nil {
			errs <- err
			return
		}
		defer doc.Close()

		n := doc.NumPage()
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			img, err := doc.RenderPage(i, opts.DPI)
			if err != nil {
				errs <- fmt.Errorf("rendering page %d: %w", i, err)
				return
			}

			out, err := encode(img, opts)
			if err != nil {
				errs <- fmt.Errorf("encoding page %d: %w", i, err)
				return
			}

			select {
			case pages <- Page{Index: i, Image: out}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return pages, errs
}

// encode downscales img if either dimension exceeds opts.MaxDimension
// (aspect preserved, longest side capped), then recompresses as JPEG
// at opts.JPEGQuality.
func encode(img image.Image, opts Options) ([]byte, error) {
	img = downscale(img, opts.MaxDimension)

	var buf bytes.Buffer
	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func downscale(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		return img
	}

	scale := float64(maxDim) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
