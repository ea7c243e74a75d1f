// Package overlay composites detection boxes and labels onto frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/your-org/facewatch/internal/models"
)

var (
	matchedColor = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	unknownColor = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	labelText    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	boxThickness = 2
	labelHeight  = 14
)

// Render draws each detection onto a copy of the frame and returns it. The
// input image is never mutated; the capture loop shares frames across
// goroutines by copy.
func Render(frame image.Image, detections []models.FaceDetection) *image.RGBA {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)

	for _, det := range detections {
		c := unknownColor
		if det.Matched() {
			c = matchedColor
		}
		drawBox(out, det.Box, c)
		drawLabel(out, det.Box, det.Name, c)
	}
	return out
}

func drawBox(img *image.RGBA, box [4]int, c color.RGBA) {
	x1, y1, x2, y2 := box[0], box[1], box[2], box[3]
	for t := 0; t < boxThickness; t++ {
		fillRect(img, x1, y1+t, x2, y1+t+1, c)         // top
		fillRect(img, x1, y2-t-1, x2, y2-t, c)         // bottom
		fillRect(img, x1+t, y1, x1+t+1, y2, c)         // left
		fillRect(img, x2-t-1, y1, x2-t, y2, c)         // right
	}
}

func drawLabel(img *image.RGBA, box [4]int, name string, c color.RGBA) {
	x1, _, x2, y2 := box[0], box[1], box[2], box[3]

	// Filled strip under the box carrying the name.
	fillRect(img, x1, y2, x2, y2+labelHeight, c)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelText),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x1+4, y2+labelHeight-3),
	}
	d.DrawString(name)
}

func fillRect(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	r := image.Rect(x1, y1, x2, y2).Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}
