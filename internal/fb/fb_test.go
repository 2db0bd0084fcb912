package fb

import "testing"

func newTestSurface(w, h int) *Surface {
	return NewSurface(make([]byte, w*h*4), w, h)
}

func TestPixelClipping(t *testing.T) {
	s := newTestSurface(16, 16)
	s.Pixel(-1, 0, 0xFFFFFF)
	s.Pixel(0, -1, 0xFFFFFF)
	s.Pixel(16, 0, 0xFFFFFF)
	s.Pixel(0, 16, 0xFFFFFF)

	s.Pixel(3, 5, 0x123456)
	if got := s.At(3, 5); got != 0x123456 {
		t.Errorf("At(3,5) = 0x%06x, want 0x123456", got)
	}
	if got := s.At(-1, 5); got != 0 {
		t.Errorf("out-of-bounds At = 0x%06x, want 0", got)
	}
}

func TestFillRectClipsAndFills(t *testing.T) {
	s := newTestSurface(8, 8)
	s.FillRect(-2, -2, 6, 6, 0x00FF00)

	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := uint32(0)
			if x < 4 && y < 4 {
				want = 0x00FF00
			}
			if got := s.At(x, y); got != want {
				t.Fatalf("At(%d,%d) = 0x%06x, want 0x%06x", x, y, got, want)
			}
		}
	}
}

func TestFillCircleInsideOutside(t *testing.T) {
	s := newTestSurface(32, 32)
	s.FillCircle(16, 16, 8, 0xFF0000)

	if got := s.At(16, 16); got != 0xFF0000 {
		t.Error("center not filled")
	}
	if got := s.At(16, 9); got != 0xFF0000 {
		t.Error("point inside radius not filled")
	}
	if got := s.At(16+8, 16+8); got != 0 {
		t.Error("corner outside radius was filled")
	}
}

func TestCircleRing(t *testing.T) {
	s := newTestSurface(64, 64)
	s.CircleRing(32, 32, 10, 14, 0x0000FF)

	if got := s.At(32, 32); got != 0 {
		t.Error("ring filled its hole")
	}
	if got := s.At(32, 32-12); got != 0x0000FF {
		t.Error("ring band not filled")
	}
	if got := s.At(32, 32-20); got != 0 {
		t.Error("ring overflowed its outer radius")
	}
}

func TestBlendFormula(t *testing.T) {
	s := newTestSurface(4, 4)
	s.Pixel(0, 0, 0x00000000)
	s.Blend(0, 0, 0x00FFFFFF, 128)
	// (255*128 + 0*127) / 255 = 128
	if got := s.At(0, 0); got != 0x00808080 {
		t.Errorf("blend over black = 0x%06x, want 0x808080", got)
	}

	s.Pixel(1, 0, 0x00FF0000)
	s.Blend(1, 0, 0x000000FF, 0)
	if got := s.At(1, 0); got != 0x00FF0000 {
		t.Error("alpha 0 must leave the background untouched")
	}

	s.Blend(1, 0, 0x000000FF, 255)
	if got := s.At(1, 0); got != 0x000000FF {
		t.Error("alpha 255 must replace the pixel")
	}
}

func TestRoundedRectNoDoubleWriteUnderBlend(t *testing.T) {
	// Drawing the same rounded rect twice with full-alpha color is
	// idempotent; the real property (each pixel written once) is what
	// makes BlendRect-style usage safe, approximated here by checking
	// corner radius behavior and coverage.
	s := newTestSurface(40, 40)
	s.RoundedRect(4, 4, 32, 20, 6, 0x112233)

	if got := s.At(20, 14); got != 0x112233 {
		t.Error("body not filled")
	}
	if got := s.At(4, 4); got != 0 {
		t.Error("corner pixel outside the radius was filled")
	}
	if got := s.At(10, 5); got != 0x112233 {
		t.Error("top edge inside the corner radius span missing")
	}
}

func TestBlendRect(t *testing.T) {
	s := newTestSurface(8, 8)
	s.BlendRect(0, 0, 8, 8, 0x00FFFFFF, 128)
	if got := s.At(3, 3); got != 0x00808080 {
		t.Errorf("BlendRect pixel = 0x%06x, want 0x808080", got)
	}
	// Clipped region blends without panic.
	s.BlendRect(-4, -4, 6, 6, 0x00FF0000, 64)
}

func TestDrawStringScaled(t *testing.T) {
	s := newTestSurface(fb4w(2), FontHeight*4)
	s.DrawStringScaled(0, 0, "OK", 0xFFFFFF, 4)
	lit := 0
	for y := 0; y < FontHeight*4; y++ {
		for x := 0; x < fb4w(2); x++ {
			if s.At(x, y) != 0 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Fatal("scaled string rendered nothing")
	}
	if lit%16 != 0 {
		t.Errorf("lit pixel count %d is not a multiple of 16 (4x4 blocks)", lit)
	}
}

func fb4w(chars int) int { return chars * FontWidth * 4 }

func TestDrawCharAndString(t *testing.T) {
	s := newTestSurface(64, 16)
	s.DrawString(0, 0, "AB", 0xFFFFFF)

	// 'A' has its apex in the cell: some pixel in the first cell is lit.
	lit := 0
	for y := 0; y < FontHeight; y++ {
		for x := 0; x < FontWidth; x++ {
			if s.At(x, y) != 0 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Fatal("glyph 'A' rendered no pixels")
	}

	// Second cell also rendered.
	lit = 0
	for y := 0; y < FontHeight; y++ {
		for x := FontWidth; x < 2*FontWidth; x++ {
			if s.At(x, y) != 0 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Fatal("glyph 'B' rendered no pixels")
	}
}

func TestDrawCharScaled(t *testing.T) {
	s1 := newTestSurface(FontWidth, FontHeight)
	s1.DrawChar(0, 0, 'X', 0xFFFFFF)
	s4 := newTestSurface(FontWidth*4, FontHeight*4)
	s4.DrawCharScaled(0, 0, 'X', 0xFFFFFF, 4)

	// Every lit pixel becomes a 4x4 block.
	for y := 0; y < FontHeight; y++ {
		for x := 0; x < FontWidth; x++ {
			want := s1.At(x, y)
			for dy := 0; dy < 4; dy++ {
				for dx := 0; dx < 4; dx++ {
					if got := s4.At(x*4+dx, y*4+dy); got != want {
						t.Fatalf("scaled pixel (%d,%d) block mismatch", x, y)
					}
				}
			}
		}
	}
}

func TestNonPrintableFallsBackToQuestionMark(t *testing.T) {
	a := newTestSurface(FontWidth, FontHeight)
	b := newTestSurface(FontWidth, FontHeight)
	a.DrawChar(0, 0, 0x07, 0xFFFFFF)
	b.DrawChar(0, 0, '?', 0xFFFFFF)
	for y := 0; y < FontHeight; y++ {
		for x := 0; x < FontWidth; x++ {
			if a.At(x, y) != b.At(x, y) {
				t.Fatal("control characters must render as '?'")
			}
		}
	}
}
