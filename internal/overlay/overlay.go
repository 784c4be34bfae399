// Package overlay draws boxes and text onto preview frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	textColor  = color.RGBA{0, 255, 0, 255}
	labelBG    = color.RGBA{0, 0, 0, 180}
	glyphWidth = basicfont.Face7x13.Advance
)

// ToRGBA returns img as a drawable RGBA copy
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// DrawBox outlines r with the given stroke thickness, clipped to img
func DrawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	r = r.Canon()
	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+t, r.Max.X, r.Min.Y+t+1), // top
			image.Rect(r.Min.X, r.Max.Y-t-1, r.Max.X, r.Max.Y-t), // bottom
			image.Rect(r.Min.X+t, r.Min.Y, r.Min.X+t+1, r.Max.Y), // left
			image.Rect(r.Max.X-t-1, r.Min.Y, r.Max.X-t, r.Max.Y), // right
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

// DrawText writes s with its baseline at (x, y)
func DrawText(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// DrawLabel writes s on a dark background just above (x, y), kept inside img
func DrawLabel(img *image.RGBA, x, y int, s string, c color.RGBA) {
	if y < 12 {
		y = 12
	}
	if x < 0 {
		x = 0
	}
	bg := image.Rect(x-2, y-12, x+len(s)*glyphWidth+2, y+3).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)
	DrawText(img, x, y, s, c)
}

// DrawFPS writes "FPS: x.x" at (10, 30)
func DrawFPS(img *image.RGBA, fps float64) {
	DrawText(img, 10, 30, fmt.Sprintf("FPS: %.1f", fps), textColor)
}

// FPSCounter measures frames per second over one-second windows
type FPSCounter struct {
	mu          sync.Mutex
	windowStart time.Time
	frames      int
	fps         float64
}

// Tick counts one frame at now and returns the current rate
func (f *FPSCounter) Tick(now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowStart.IsZero() {
		f.windowStart = now
	}
	f.frames++
	if elapsed := now.Sub(f.windowStart); elapsed >= time.Second {
		f.fps = float64(f.frames) / elapsed.Seconds()
		f.frames = 0
		f.windowStart = now
	}
	return f.fps
}

// FPS returns the rate measured over the last complete window
func (f *FPSCounter) FPS() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fps
}
