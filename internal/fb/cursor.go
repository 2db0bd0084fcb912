package fb

// cursorShape is the pointer arrow, row by row. '#' is the white outline,
// 'o' the black fill.
var cursorShape = []string{
	"#",
	"##",
	"#o#",
	"#oo#",
	"#ooo#",
	"#oooo#",
	"#ooooo#",
	"#oooooo#",
	"#ooooo###",
	"#oo#oo#",
	"#o# #oo#",
	"##  #oo#",
	"#    ##",
}

// DrawCursor paints the pointer arrow with its hotspot at (x, y).
func (s *Surface) DrawCursor(x, y int) {
	for dy, row := range cursorShape {
		for dx := 0; dx < len(row); dx++ {
			switch row[dx] {
			case '#':
				s.Pixel(x+dx, y+dy, 0x00FFFFFF)
			case 'o':
				s.Pixel(x+dx, y+dy, 0x00000000)
			}
		}
	}
}
