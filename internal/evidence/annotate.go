package evidence

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var alertColor = color.RGBA{R: 230, G: 30, B: 30, A: 255}

// Label formats the verdict the way it is drawn on evidence frames
func Label(weaponType string, confidence float32) string {
	if weaponType == "" {
		weaponType = "weapon"
	}
	return fmt.Sprintf("%s %.0f%%", strings.ToUpper(weaponType), confidence*100)
}

// Annotate draws a red border and label onto a JPEG frame
func Annotate(data []byte, label string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)

	drawBorder(rgba, 3, alertColor)
	if label != "" {
		drawLabel(rgba, 6, 6, label, alertColor)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBorder(img *image.RGBA, thickness int, c color.RGBA) {
	r := img.Bounds()
	if thickness*2 >= r.Dx() || thickness*2 >= r.Dy() {
		return
	}
	u := image.NewUniform(c)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
}

// drawLabel renders white text on a colored banner with its top-left corner at x, y
func drawLabel(img *image.RGBA, x, y int, label string, bg color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	banner := image.Rect(x-2, y-2, x+width+2, y+face.Height+2).Intersect(img.Bounds())
	draw.Draw(img, banner, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + face.Ascent)},
	}
	d.DrawString(label)
}
