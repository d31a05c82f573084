// Package bingo implements the per-tier bingo game: the board catalogue,
// win detection, the round state machine and the room driver that runs
// rounds back to back.
package bingo

import (
	"math/rand/v2"
)

const (
	// Size is the board width and height.
	Size = 5
	// Cells is the number of cells on a board.
	Cells = Size * Size
	// MaxNumber is the highest callable number.
	MaxNumber = 75
	// Free marks the center cell, which always counts as matched.
	Free = 0

	columnSpan = MaxNumber / Size
	center     = Cells / 2
	boardSeed  = 0x62696e676f
)

// Board is a 5x5 layout in row-major order. Column c holds numbers from
// c*15+1 to c*15+15 (B, I, N, G, O).
type Board [Cells]int

// Cell addresses one board position.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// At returns the value at row, col.
func (b *Board) At(row, col int) int {
	return b[row*Size+col]
}

// Contains reports whether n appears on the board.
func (b *Board) Contains(n int) bool {
	for _, v := range b {
		if v == n && n != Free {
			return true
		}
	}
	return false
}

// catalogue holds one fixed board per selectable number, index 0 unused.
var catalogue = buildCatalogue()

func buildCatalogue() [MaxNumber + 1]Board {
	var c [MaxNumber + 1]Board
	for n := 1; n <= MaxNumber; n++ {
		c[n] = generateBoard(n)
	}
	return c
}

// generateBoard derives the board for n from a PRNG seeded with n, so a
// number maps to the same board in every process.
func generateBoard(n int) Board {
	rng := rand.New(rand.NewPCG(uint64(n), boardSeed))
	var b Board
	for col := 0; col < Size; col++ {
		perm := rng.Perm(columnSpan)
		for row := 0; row < Size; row++ {
			b[row*Size+col] = col*columnSpan + perm[row] + 1
		}
	}
	b[center] = Free
	return b
}

// BoardFor returns the board assigned to a chosen number.
func BoardFor(n int) (Board, error) {
	if !ValidNumber(n) {
		return Board{}, ErrInvalidNumber
	}
	return catalogue[n], nil
}

// ValidNumber reports whether n is in 1..75.
func ValidNumber(n int) bool {
	return n >= 1 && n <= MaxNumber
}
