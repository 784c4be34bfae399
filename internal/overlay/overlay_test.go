package overlay

import (
	"image"
	"image/color"
	"math"
	"testing"
	"time"
)

func TestDrawBoxOutlinesOnly(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	red := color.RGBA{255, 0, 0, 255}
	DrawBox(img, image.Rect(10, 10, 30, 30), red, 2)

	for _, p := range []image.Point{{10, 10}, {29, 29}, {11, 20}, {20, 28}} {
		if img.RGBAAt(p.X, p.Y) != red {
			t.Errorf("edge pixel %v not drawn", p)
		}
	}
	if img.RGBAAt(20, 20) == red {
		t.Error("interior should stay untouched")
	}
}

func TestDrawBoxClipsToImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	DrawBox(img, image.Rect(-10, -10, 100, 100), color.RGBA{0, 0, 255, 255}, 3)
}

func TestDrawFPSMarksPixels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 40))
	DrawFPS(img, 12.5)

	drawn := false
	for y := 17; y < 33 && !drawn; y++ {
		for x := 10; x < 80; x++ {
			if img.RGBAAt(x, y) == textColor {
				drawn = true
				break
			}
		}
	}
	if !drawn {
		t.Fatal("no text pixels near (10,30)")
	}
}

func TestFPSCounter(t *testing.T) {
	var f FPSCounter
	start := time.Now()
	for i := 0; i < 10; i++ {
		f.Tick(start.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if f.FPS() != 0 {
		t.Fatalf("fps before a full window = %v", f.FPS())
	}
	got := f.Tick(start.Add(time.Second))
	if math.Abs(got-11) > 0.01 {
		t.Fatalf("fps = %v, want 11", got)
	}
}
