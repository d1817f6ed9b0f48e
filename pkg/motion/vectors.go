package motion

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// bytes per macroblock in the encoder's vector output: int8 x, int8 y, uint16 SAD
const vectorSize = 4

// macroblock edge in pixels
const blockSize = 16

// Vector is the motion estimate of one macroblock.
type Vector struct {
	X   int8
	Y   int8
	SAD uint16
}

// Magnitude returns sqrt(x² + y²).
func (v Vector) Magnitude() float64 {
	x, y := float64(v.X), float64(v.Y)
	return math.Sqrt(x*x + y*y)
}

// VectorFrame is one frame's grid of macroblock vectors, stored row-major.
// It must not be modified once handed to an analyzer.
type VectorFrame struct {
	Cols    int
	Rows    int
	Vectors []Vector
}

func NewVectorFrame(cols, rows int) *VectorFrame {
	return &VectorFrame{Cols: cols, Rows: rows, Vectors: make([]Vector, cols*rows)}
}

func (f *VectorFrame) At(col, row int) Vector {
	return f.Vectors[row*f.Cols+col]
}

func (f *VectorFrame) Set(col, row int, v Vector) {
	f.Vectors[row*f.Cols+col] = v
}

// SourceError reports a frame the analyzer could not use. The frame is skipped.
type SourceError struct {
	Reason string
}

func (e *SourceError) Error() string {
	return "motion source: " + e.Reason
}

// GridSize returns the macroblock grid for a frame resolution.
func GridSize(width, height int) (cols, rows int) {
	return (width + blockSize - 1) / blockSize, (height + blockSize - 1) / blockSize
}

// rawFrameSize is the encoder's per-frame vector payload; it carries one
// padding column per row that is not part of the picture.
func rawFrameSize(cols, rows int) int {
	return (cols + 1) * rows * vectorSize
}

// DecodeVectors parses one frame of encoder vector output into a cols x rows grid.
func DecodeVectors(data []byte, cols, rows int) (*VectorFrame, error) {
	if want := rawFrameSize(cols, rows); len(data) != want {
		return nil, &SourceError{Reason: fmt.Sprintf("vector frame is %d bytes, want %d", len(data), want)}
	}

	frame := NewVectorFrame(cols, rows)
	stride := (cols + 1) * vectorSize
	for r := 0; r < rows; r++ {
		line := data[r*stride : (r+1)*stride]
		for c := 0; c < cols; c++ {
			b := line[c*vectorSize : (c+1)*vectorSize]
			frame.Set(c, r, Vector{
				X:   int8(b[0]),
				Y:   int8(b[1]),
				SAD: binary.LittleEndian.Uint16(b[2:4]),
			})
		}
	}
	return frame, nil
}

// VectorReader splits an encoder vector stream into frames.
type VectorReader struct {
	r    io.Reader
	cols int
	rows int
	buf  []byte
}

func NewVectorReader(r io.Reader, cols, rows int) *VectorReader {
	return &VectorReader{r: r, cols: cols, rows: rows, buf: make([]byte, rawFrameSize(cols, rows))}
}

// Next blocks until a full frame is read. It returns io.EOF at a clean end of
// stream and a SourceError for a truncated trailing frame.
func (vr *VectorReader) Next() (*VectorFrame, error) {
	n, err := io.ReadFull(vr.r, vr.buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &SourceError{Reason: fmt.Sprintf("truncated vector frame (%d bytes)", n)}
		}
		return nil, err
	}
	return DecodeVectors(vr.buf, vr.cols, vr.rows)
}
