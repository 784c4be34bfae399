package detection

import (
	"fmt"
	"image"
	"image/color"

	"defectcam/internal/overlay"
	"defectcam/internal/pipeline"
)

var labelColors = map[string]color.RGBA{
	"crack":   {255, 0, 0, 255},
	"scratch": {255, 165, 0, 255},
	"bubble":  {0, 160, 255, 255},
}

var defaultBoxColor = color.RGBA{0, 255, 0, 255}

// Annotate returns a copy of img with a box and label per detection
func Annotate(img image.Image, dets []pipeline.Detection) *image.RGBA {
	rgba := overlay.ToRGBA(img)
	for _, d := range dets {
		c, ok := labelColors[d.Label]
		if !ok {
			c = defaultBoxColor
		}
		r := d.BBox.Rect()
		overlay.DrawBox(rgba, r, c, 2)
		overlay.DrawLabel(rgba, r.Min.X, r.Min.Y-4, fmt.Sprintf("%s %.0f%%", d.Label, d.Confidence*100), c)
	}
	return rgba
}
