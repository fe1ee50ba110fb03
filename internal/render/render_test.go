package render

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDocument struct {
	pages []image.Image
}

func (d *fakeDocument) NumPage() int { return len(d.pages) }

func (d *fakeDocument) RenderPage(index int, _ float64) (image.Image, error) {
	return d.pages[index], nil
}

func (d *fakeDocument) Close() error { return nil }

type fakeRasterizer struct {
	doc *fakeDocument
}

func (r fakeRasterizer) Open(_ string) (Document, error) { return r.doc, nil }

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestStreamProducesPagesInOrder(t *testing.T) {
	doc := &fakeDocument{pages: []image.Image{
		solidImage(10, 10, color.White),
		solidImage(10, 10, color.Black),
		solidImage(10, 10, color.White),
	}}
	pages, errs := Stream(context.Background(), "irrelevant.pdf", DefaultOptions(), fakeRasterizer{doc: doc})

	var got []int
	for p := range pages {
		got = append(got, p.Index)
		require.NotEmpty(t, p.Image)
	}
	require.Equal(t, []int{0, 1, 2}, got)

	select {
	case err := <-errs:
		require.NoError(t, err)
	default:
	}
}

func TestStreamStopsOnContextCancellation(t *testing.T) {
	doc := &fakeDocument{pages: []image.Image{
		solidImage(10, 10, color.White),
		solidImage(10, 10, color.White),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	pages, _ := Stream(ctx, "irrelevant.pdf", DefaultOptions(), fakeRasterizer{doc: doc})

	<-pages
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-pages:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestDownscalePreservesAspectRatio(t *testing.T) {
	img := solidImage(4000, 2000, color.White)
	out := downscale(img, 2000)
	b := out.Bounds()
	require.Equal(t, 2000, b.Dx())
	require.Equal(t, 1000, b.Dy())
}

func TestDownscaleNoOpWhenWithinBounds(t *testing.T) {
	img := solidImage(100, 100, color.White)
	out := downscale(img, 2000)
	require.Equal(t, img.Bounds(), out.Bounds())
}
