// Package distance builds the pairwise story distance matrix that drives
// event clustering.
//
// The matrix combines headline content dissimilarity with an exponential
// time-decay penalty. Entries always lie in [0, 1]; the diagonal is 0.
package distance

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch reports inconsistent input sizes: story and
	// embedding counts, vector lengths, or a non-square/asymmetric matrix.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidDistance reports a NaN, infinite or negative matrix entry.
	ErrInvalidDistance = errors.New("invalid distance entry")
)

// MismatchError carries the sizes involved in a dimension mismatch.
type MismatchError struct {
	What    string
	Index   int // offending row or vector, -1 when not applicable
	StoryID string
	Want    int
	Got     int
}

func (e *MismatchError) Error() string {
	loc := ""
	if e.Index >= 0 {
		loc = fmt.Sprintf(" at index %d", e.Index)
		if e.StoryID != "" {
			loc += fmt.Sprintf(" (story %s)", e.StoryID)
		}
	}
	return fmt.Sprintf("distance: %s%s: want %d, got %d", e.What, loc, e.Want, e.Got)
}

func (e *MismatchError) Unwrap() error { return ErrDimensionMismatch }

// Matrix is a symmetric N×N distance matrix stored as its strict upper
// triangle in row-major order. Each unordered pair is stored once, so
// At(i, j) == At(j, i) holds exactly. The zero diagonal is implicit.
//
// A Matrix is not modified after Build or FromDense return it.
type Matrix struct {
	n    int
	data []float64
}

// NewMatrix allocates an all-zero matrix for n stories.
func NewMatrix(n int) *Matrix {
	if n < 0 {
		n = 0
	}
	return &Matrix{n: n, data: make([]float64, condensedLen(n))}
}

func condensedLen(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// index maps i < j to the position of (i, j) in data.
func (m *Matrix) index(i, j int) int {
	return i*(2*m.n-i-1)/2 + j - i - 1
}

// Len returns N.
func (m *Matrix) Len() int { return m.n }

// At returns the distance between stories i and j.
func (m *Matrix) At(i, j int) float64 {
	if i < 0 || j < 0 || i >= m.n || j >= m.n {
		panic(fmt.Sprintf("distance: index (%d, %d) out of range for %d×%d matrix", i, j, m.n, m.n))
	}
	if i == j {
		return 0
	}
	if i > j {
		i, j = j, i
	}
	return m.data[m.index(i, j)]
}

func (m *Matrix) set(i, j int, v float64) {
	m.data[m.index(i, j)] = v
}

// Condensed returns a copy of the upper triangle in row-major order, the
// layout scipy's pdist uses.
func (m *Matrix) Condensed() []float64 {
	out := make([]float64, len(m.data))
	copy(out, m.data)
	return out
}

// Max returns the largest entry, 0 for N < 2.
func (m *Matrix) Max() float64 {
	max := 0.0
	for _, v := range m.data {
		if v > max {
			max = v
		}
	}
	return max
}

// Dense expands the matrix into N rows of N values.
func (m *Matrix) Dense() [][]float64 {
	rows := make([][]float64, m.n)
	for i := range rows {
		rows[i] = make([]float64, m.n)
	}
	for i := 0; i < m.n; i++ {
		for j := i + 1; j < m.n; j++ {
			v := m.data[m.index(i, j)]
			rows[i][j] = v
			rows[j][i] = v
		}
	}
	return rows
}

// Validate checks that every entry is finite and non-negative.
func (m *Matrix) Validate() error {
	for i := 0; i < m.n; i++ {
		for j := i + 1; j < m.n; j++ {
			v := m.data[m.index(i, j)]
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("distance: entry (%d, %d) = %v: %w", i, j, v, ErrInvalidDistance)
			}
		}
	}
	return nil
}

// FromDense builds a Matrix from a full square matrix. Rows must all have
// length N, the diagonal must be zero and rows[i][j] must equal rows[j][i]
// within tol. The upper-triangle value is kept.
func FromDense(rows [][]float64, tol float64) (*Matrix, error) {
	n := len(rows)
	for i, row := range rows {
		if len(row) != n {
			return nil, &MismatchError{What: "matrix is not square", Index: i, Want: n, Got: len(row)}
		}
	}

	m := NewMatrix(n)
	for i := 0; i < n; i++ {
		if math.Abs(rows[i][i]) > tol {
			return nil, fmt.Errorf("distance: diagonal entry %d = %v: %w", i, rows[i][i], ErrDimensionMismatch)
		}
		for j := i + 1; j < n; j++ {
			a, b := rows[i][j], rows[j][i]
			if math.IsNaN(a) || math.IsNaN(b) || math.Abs(a-b) > tol {
				return nil, fmt.Errorf("distance: matrix is not symmetric at (%d, %d): %v vs %v: %w", i, j, a, b, ErrDimensionMismatch)
			}
			m.set(i, j, a)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromCondensed wraps an upper-triangle slice (as returned by Condensed)
// for n stories. The slice is copied.
func FromCondensed(n int, data []float64) (*Matrix, error) {
	if len(data) != condensedLen(n) {
		return nil, &MismatchError{What: "condensed matrix length", Index: -1, Want: condensedLen(n), Got: len(data)}
	}
	m := NewMatrix(n)
	copy(m.data, data)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
