// Package fb provides the linear framebuffer surface and the drawing
// primitives the UI is built from: pixels, rectangles, circles, alpha
// blending, and monospace text.
//
// Pixels are 32-bit 0x00RRGGBB values stored little-endian in guest RAM.
package fb

import "encoding/binary"

// Surface is a drawable pixel-linear framebuffer window.
type Surface struct {
	buf    []byte
	width  int
	height int
}

// NewSurface wraps pixel storage of at least width*height*4 bytes.
func NewSurface(buf []byte, width, height int) *Surface {
	return &Surface{buf: buf, width: width, height: height}
}

// Width returns the surface width in pixels.
func (s *Surface) Width() int { return s.width }

// Height returns the surface height in pixels.
func (s *Surface) Height() int { return s.height }

// Pixel writes one pixel with bounds clipping.
func (s *Surface) Pixel(x, y int, color uint32) {
	if x < 0 || x >= s.width || y < 0 || y >= s.height {
		return
	}
	binary.LittleEndian.PutUint32(s.buf[(y*s.width+x)*4:], color)
}

// At reads one pixel; out-of-bounds reads are black.
func (s *Surface) At(x, y int) uint32 {
	if x < 0 || x >= s.width || y < 0 || y >= s.height {
		return 0
	}
	return binary.LittleEndian.Uint32(s.buf[(y*s.width+x)*4:])
}

// Clear floods the whole surface.
func (s *Surface) Clear(color uint32) {
	s.FillRect(0, 0, s.width, s.height, color)
}

// FillRect draws a filled, clipped rectangle.
func (s *Surface) FillRect(x, y, w, h int, color uint32) {
	x0, y0 := max(x, 0), max(y, 0)
	x1, y1 := min(x+w, s.width), min(y+h, s.height)
	if x1 <= x0 || y1 <= y0 {
		return
	}
	for py := y0; py < y1; py++ {
		row := s.buf[(py*s.width+x0)*4:]
		for px := 0; px < x1-x0; px++ {
			binary.LittleEndian.PutUint32(row[px*4:], color)
		}
	}
}

// FillCircle draws a filled circle centered at (cx, cy).
func (s *Surface) FillCircle(cx, cy, r int, color uint32) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				s.Pixel(cx+dx, cy+dy, color)
			}
		}
	}
}

// CircleRing draws the annulus between inner and outer radius.
func (s *Surface) CircleRing(cx, cy, rInner, rOuter int, color uint32) {
	for dy := -rOuter; dy <= rOuter; dy++ {
		for dx := -rOuter; dx <= rOuter; dx++ {
			d := dx*dx + dy*dy
			if d <= rOuter*rOuter && d >= rInner*rInner {
				s.Pixel(cx+dx, cy+dy, color)
			}
		}
	}
}

// Blend alpha-composites color over the pixel at (x, y):
// out = (fg*a + bg*(255-a)) / 255.
func (s *Surface) Blend(x, y int, color uint32, alpha uint8) {
	if x < 0 || x >= s.width || y < 0 || y >= s.height {
		return
	}
	if alpha == 255 {
		s.Pixel(x, y, color)
		return
	}
	if alpha == 0 {
		return
	}
	bg := s.At(x, y)
	a := uint32(alpha)
	na := 255 - a

	r := ((color>>16&0xFF)*a + (bg>>16&0xFF)*na) / 255
	g := ((color>>8&0xFF)*a + (bg>>8&0xFF)*na) / 255
	b := ((color&0xFF)*a + (bg&0xFF)*na) / 255
	s.Pixel(x, y, r<<16|g<<8|b)
}

// BlendRect fills a rectangle with alpha compositing.
func (s *Surface) BlendRect(x, y, w, h int, color uint32, alpha uint8) {
	x0, y0 := max(x, 0), max(y, 0)
	x1, y1 := min(x+w, s.width), min(y+h, s.height)
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			s.Blend(px, py, color, alpha)
		}
	}
}

// RoundedRect draws a rectangle with quarter-circle corners of radius r.
// The body is drawn as three rectangles and four arcs so no pixel is
// written twice, keeping the shape safe under alpha blending.
func (s *Surface) RoundedRect(x, y, w, h, r int, color uint32) {
	if r*2 > w {
		r = w / 2
	}
	if r*2 > h {
		r = h / 2
	}

	s.FillRect(x+r, y, w-2*r, h, color)     // center band
	s.FillRect(x, y+r, r, h-2*r, color)     // left band
	s.FillRect(x+w-r, y+r, r, h-2*r, color) // right band

	// Quarter circles, one corner each.
	for dy := 0; dy < r; dy++ {
		for dx := 0; dx < r; dx++ {
			ddx, ddy := r-1-dx, r-1-dy
			if ddx*ddx+ddy*ddy < r*r {
				s.Pixel(x+dx, y+dy, color)             // top-left
				s.Pixel(x+w-1-dx, y+dy, color)         // top-right
				s.Pixel(x+dx, y+h-1-dy, color)         // bottom-left
				s.Pixel(x+w-1-dx, y+h-1-dy, color)     // bottom-right
			}
		}
	}
}

// DrawChar renders one glyph at (x, y) in the given color.
func (s *Surface) DrawChar(x, y int, c byte, color uint32) {
	if c < 0x20 || c > 0x7E {
		c = '?'
	}
	bitmap := &glyphs[c-0x20]
	for row := 0; row < FontHeight; row++ {
		bits := bitmap[row]
		for col := 0; col < FontWidth; col++ {
			if bits&(0x80>>col) != 0 {
				s.Pixel(x+col, y+row, color)
			}
		}
	}
}

// DrawString renders text left to right with no wrapping.
func (s *Surface) DrawString(x, y int, text string, color uint32) {
	for i := 0; i < len(text); i++ {
		s.DrawChar(x+i*FontWidth, y, text[i], color)
	}
}

// DrawCharScaled renders one glyph at an integer scale factor (the home
// screen logo uses 4x).
func (s *Surface) DrawCharScaled(x, y int, c byte, color uint32, scale int) {
	if c < 0x20 || c > 0x7E {
		c = '?'
	}
	bitmap := &glyphs[c-0x20]
	for row := 0; row < FontHeight; row++ {
		bits := bitmap[row]
		for col := 0; col < FontWidth; col++ {
			if bits&(0x80>>col) != 0 {
				s.FillRect(x+col*scale, y+row*scale, scale, scale, color)
			}
		}
	}
}

// DrawStringScaled renders text at an integer scale factor.
func (s *Surface) DrawStringScaled(x, y int, text string, color uint32, scale int) {
	for i := 0; i < len(text); i++ {
		s.DrawCharScaled(x+i*FontWidth*scale, y, text[i], color, scale)
	}
}
