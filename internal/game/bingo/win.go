package bingo

// Marks is a set of numbers a player has matched.
type Marks [MaxNumber + 1]bool

// Add records n. Out of range values are ignored.
func (m *Marks) Add(n int) {
	if ValidNumber(n) {
		m[n] = true
	}
}

// Has reports whether n is marked. The free value is always marked.
func (m *Marks) Has(n int) bool {
	if n == Free {
		return true
	}
	return ValidNumber(n) && m[n]
}

// lines lists the cell indexes of every row, column and both diagonals.
var lines = buildLines()

func buildLines() [][Size]int {
	var out [][Size]int
	for r := 0; r < Size; r++ {
		var l [Size]int
		for c := 0; c < Size; c++ {
			l[c] = r*Size + c
		}
		out = append(out, l)
	}
	for c := 0; c < Size; c++ {
		var l [Size]int
		for r := 0; r < Size; r++ {
			l[r] = r*Size + c
		}
		out = append(out, l)
	}
	var diag, anti [Size]int
	for i := 0; i < Size; i++ {
		diag[i] = i*Size + i
		anti[i] = i*Size + (Size - 1 - i)
	}
	return append(out, diag, anti)
}

// WinningCells returns the union of the cells of every complete row,
// column and diagonal, ordered row-major. It returns nil when no line is
// complete.
func WinningCells(b *Board, marked *Marks) []Cell {
	var hit [Cells]bool
	won := false
	for _, line := range lines {
		complete := true
		for _, idx := range line {
			if !marked.Has(b[idx]) {
				complete = false
				break
			}
		}
		if complete {
			won = true
			for _, idx := range line {
				hit[idx] = true
			}
		}
	}
	if !won {
		return nil
	}

	cells := make([]Cell, 0, Cells)
	for idx, ok := range hit {
		if ok {
			cells = append(cells, Cell{Row: idx / Size, Col: idx % Size})
		}
	}
	return cells
}
