package ml

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func solidImage(c color.Color, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, c color.Color, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(c, w, h)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, c color.Color, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(c, w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func redBlueSamples(t *testing.T, a *Artifact, perClass int) []Sample {
	t.Helper()
	blobs := make([]LabeledBlob, 0, 2*perClass)
	for i := 0; i < perClass; i++ {
		blobs = append(blobs,
			LabeledBlob{Label: "red", Data: encodePNG(t, red, 8, 6)},
			LabeledBlob{Label: "blue", Data: encodePNG(t, blue, 5, 9)},
		)
	}
	samples, skipped, err := BuildTrainingSet(a, blobs)
	if err != nil {
		t.Fatalf("BuildTrainingSet: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("expected no skipped blobs, got %d", skipped)
	}
	return samples
}
