package motion

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
)

// Mask weighs each macroblock before thresholding. A weight of 0 ignores the
// block entirely. A nil *Mask weighs every block 1.
type Mask struct {
	Cols    int
	Rows    int
	Weights []float64
}

// UniformMask returns a mask with every weight set to 1.
func UniformMask(cols, rows int) *Mask {
	m := &Mask{Cols: cols, Rows: rows, Weights: make([]float64, cols*rows)}
	for i := range m.Weights {
		m.Weights[i] = 1
	}
	return m
}

// NewMask builds a mask from row-major weights.
func NewMask(grid [][]float64) (*Mask, error) {
	if len(grid) == 0 || len(grid[0]) == 0 {
		return nil, fmt.Errorf("mask is empty")
	}
	rows, cols := len(grid), len(grid[0])
	m := &Mask{Cols: cols, Rows: rows, Weights: make([]float64, 0, cols*rows)}
	for r, line := range grid {
		if len(line) != cols {
			return nil, fmt.Errorf("mask row %d has %d columns, want %d", r, len(line), cols)
		}
		for c, w := range line {
			if w < 0 {
				return nil, fmt.Errorf("mask weight at (%d,%d) is negative", c, r)
			}
			m.Weights = append(m.Weights, w)
		}
	}
	return m, nil
}

// Weight returns the weight of a block.
func (m *Mask) Weight(col, row int) float64 {
	if m == nil {
		return 1
	}
	return m.Weights[row*m.Cols+col]
}

// Fits reports whether the mask can be applied to a cols x rows grid.
func (m *Mask) Fits(cols, rows int) bool {
	return m == nil || (m.Cols == cols && m.Rows == rows)
}

// LoadMask reads a mask for a cols x rows grid. JSON files hold a 2-D array of
// weights and must match the grid exactly. Images are sampled once per block,
// with black ignored and white weighted 1. An empty path means no mask.
func LoadMask(path string, cols, rows int) (*Mask, error) {
	if path == "" {
		return nil, nil
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read mask: %w", err)
		}
		var grid [][]float64
		if err := json.Unmarshal(data, &grid); err != nil {
			return nil, fmt.Errorf("failed to parse mask: %w", err)
		}
		m, err := NewMask(grid)
		if err != nil {
			return nil, err
		}
		if !m.Fits(cols, rows) {
			return nil, fmt.Errorf("mask is %dx%d, want %dx%d", m.Cols, m.Rows, cols, rows)
		}
		return m, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask image: %w", err)
	}
	return maskFromImage(img, cols, rows), nil
}

func maskFromImage(img image.Image, cols, rows int) *Mask {
	bounds := img.Bounds()
	m := &Mask{Cols: cols, Rows: rows, Weights: make([]float64, cols*rows)}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			// sample the centre of the block's footprint in the image
			x := bounds.Min.X + (2*c+1)*bounds.Dx()/(2*cols)
			y := bounds.Min.Y + (2*r+1)*bounds.Dy()/(2*rows)
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			m.Weights[r*cols+c] = float64(g.Y) / 255
		}
	}
	return m
}
