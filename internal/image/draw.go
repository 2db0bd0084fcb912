package image

import "github.com/veighnsche/claudeos/internal/fb"

// 16.16 fixed point for bilinear source coordinates.
const (
	fpShift = 16
	fpOne   = 1 << fpShift
	fpMask  = fpOne - 1
)

// Draw copies the image 1:1 at (x, y) with clipping.
func Draw(s *fb.Surface, img *Image, x, y int) {
	if img == nil || len(img.Pix) == 0 {
		return
	}
	for iy := 0; iy < img.Height; iy++ {
		for ix := 0; ix < img.Width; ix++ {
			s.Pixel(x+ix, y+iy, img.Pix[iy*img.Width+ix])
		}
	}
}

func rgbSplit(c uint32) (r, g, b uint32) {
	return c >> 16 & 0xFF, c >> 8 & 0xFF, c & 0xFF
}

// bilinearSample interpolates the four neighbors of a 16.16 fixed-point
// source coordinate.
func bilinearSample(img *Image, fx, fy uint32) uint32 {
	x0 := int(fx >> fpShift)
	y0 := int(fy >> fpShift)
	x1, y1 := x0+1, y0+1
	if x1 >= img.Width {
		x1 = img.Width - 1
	}
	if y1 >= img.Height {
		y1 = img.Height - 1
	}

	xf := (fx & fpMask) >> 8 // 0..255
	yf := (fy & fpMask) >> 8
	xfi := 256 - xf
	yfi := 256 - yf

	r00, g00, b00 := rgbSplit(img.Pix[y0*img.Width+x0])
	r10, g10, b10 := rgbSplit(img.Pix[y0*img.Width+x1])
	r01, g01, b01 := rgbSplit(img.Pix[y1*img.Width+x0])
	r11, g11, b11 := rgbSplit(img.Pix[y1*img.Width+x1])

	rTop := (r00*xfi + r10*xf) >> 8
	gTop := (g00*xfi + g10*xf) >> 8
	bTop := (b00*xfi + b10*xf) >> 8
	rBot := (r01*xfi + r11*xf) >> 8
	gBot := (g01*xfi + g11*xf) >> 8
	bBot := (b01*xfi + b11*xf) >> 8

	r := (rTop*yfi + rBot*yf) >> 8
	g := (gTop*yfi + gBot*yf) >> 8
	b := (bTop*yfi + bBot*yf) >> 8
	return r<<16 | g<<8 | b
}

// DrawScaled draws the image into a w x h rectangle at (x, y) using
// bilinear interpolation.
func DrawScaled(s *fb.Surface, img *Image, x, y, w, h int) {
	if img == nil || len(img.Pix) == 0 || w <= 0 || h <= 0 {
		return
	}

	xStep := uint32((img.Width - 1) << fpShift)
	if w > 1 {
		xStep /= uint32(w - 1)
	}
	yStep := uint32((img.Height - 1) << fpShift)
	if h > 1 {
		yStep /= uint32(h - 1)
	}

	srcY := uint32(0)
	for dy := 0; dy < h; dy++ {
		fy := y + dy
		if fy < 0 || fy >= s.Height() {
			srcY += yStep
			continue
		}
		srcX := uint32(0)
		for dx := 0; dx < w; dx++ {
			fx := x + dx
			if fx < 0 || fx >= s.Width() {
				srcX += xStep
				continue
			}
			s.Pixel(fx, fy, bilinearSample(img, srcX, srcY))
			srcX += xStep
		}
		srcY += yStep
	}
}

// DrawBackground scales the image to cover the whole surface, cropping
// whichever axis overflows, and centers it.
func DrawBackground(s *fb.Surface, img *Image) {
	if img == nil || len(img.Pix) == 0 {
		return
	}

	var scaledW, scaledH int
	if s.Width()*img.Height > s.Height()*img.Width {
		scaledW = s.Width()
		scaledH = img.Height * s.Width() / img.Width
	} else {
		scaledH = s.Height()
		scaledW = img.Width * s.Height() / img.Height
	}
	x := (s.Width() - scaledW) / 2
	y := (s.Height() - scaledH) / 2
	DrawScaled(s, img, x, y, scaledW, scaledH)
}
