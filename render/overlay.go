package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	labelHeight  = 24
	labelPadding = 8
)

// Overlay draws a caption bar along the bottom edge of a PNG and re-encodes it.
func Overlay(data []byte, caption string) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	bar := image.Rect(bounds.Min.X, max(bounds.Min.Y, bounds.Max.Y-labelHeight), bounds.Max.X, bounds.Max.Y)
	draw.Draw(rgba, bar, image.NewUniform(color.RGBA{0, 0, 0, 200}), image.Point{}, draw.Over)

	face := basicfont.Face7x13
	text := fitText(caption, bounds.Dx()-2*labelPadding, face.Advance)
	d := &font.Drawer{
		Dst:  rgba,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(bounds.Min.X + labelPadding),
			Y: fixed.I(bar.Max.Y - (labelHeight-face.Ascent)/2),
		},
	}
	d.DrawString(text)

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// fitText truncates s with an ellipsis to fit width pixels of a fixed-advance font.
func fitText(s string, width, advance int) string {
	if advance <= 0 || width <= 0 {
		return ""
	}
	limit := width / advance
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
