package motion

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrame(cols, rows int, fill func(c, r int) [4]byte) []byte {
	var buf bytes.Buffer
	for r := 0; r < rows; r++ {
		for c := 0; c <= cols; c++ {
			if c == cols {
				buf.Write([]byte{0x7f, 0x7f, 0xff, 0xff}) // padding column
				continue
			}
			b := fill(c, r)
			buf.Write(b[:])
		}
	}
	return buf.Bytes()
}

func TestGridSize(t *testing.T) {
	cols, rows := GridSize(640, 480)
	assert.Equal(t, 40, cols)
	assert.Equal(t, 30, rows)

	cols, rows = GridSize(1296, 972)
	assert.Equal(t, 81, cols)
	assert.Equal(t, 61, rows)
}

func TestDecodeVectors(t *testing.T) {
	data := rawFrame(3, 2, func(c, r int) [4]byte {
		return [4]byte{byte(int8(-c)), byte(r), byte(c + r), 0x01}
	})

	f, err := DecodeVectors(data, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, Vector{X: -2, Y: 1, SAD: 0x0103}, f.At(2, 1))
	assert.Equal(t, Vector{X: 0, Y: 0, SAD: 0x0100}, f.At(0, 0))
	assert.Len(t, f.Vectors, 6, "padding column is dropped")
}

func TestDecodeVectors_WrongSize(t *testing.T) {
	_, err := DecodeVectors(make([]byte, 10), 3, 2)
	var srcErr *SourceError
	assert.True(t, errors.As(err, &srcErr))
}

func TestVectorReader(t *testing.T) {
	one := rawFrame(2, 2, func(c, r int) [4]byte { return [4]byte{1, 0, 0, 0} })
	two := rawFrame(2, 2, func(c, r int) [4]byte { return [4]byte{2, 0, 0, 0} })
	stream := append(append(append([]byte{}, one...), two...), 0x01, 0x02)

	vr := NewVectorReader(bytes.NewReader(stream), 2, 2)

	f, err := vr.Next()
	require.NoError(t, err)
	assert.Equal(t, int8(1), f.At(1, 1).X)

	f, err = vr.Next()
	require.NoError(t, err)
	assert.Equal(t, int8(2), f.At(0, 0).X)

	_, err = vr.Next()
	var srcErr *SourceError
	require.True(t, errors.As(err, &srcErr), "truncated trailing frame")

	_, err = vr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestLoadMask_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.json")
	require.NoError(t, os.WriteFile(path, []byte(`[[0,1,1],[1,1,0.5]]`), 0644))

	m, err := LoadMask(path, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Weight(0, 0))
	assert.Equal(t, 0.5, m.Weight(2, 1))

	_, err = LoadMask(path, 4, 2)
	assert.Error(t, err, "dimension mismatch")
}

func TestLoadMask_NegativeWeight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.json")
	require.NoError(t, os.WriteFile(path, []byte(`[[1,-1]]`), 0644))

	_, err := LoadMask(path, 2, 1)
	assert.Error(t, err)
}

func TestLoadMask_Image(t *testing.T) {
	// left half black, right half white, scaled down to a 4x2 grid
	img := image.NewGray(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 32; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "mask.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	m, err := LoadMask(path, 4, 2)
	require.NoError(t, err)
	for r := 0; r < 2; r++ {
		assert.Equal(t, 0.0, m.Weight(0, r))
		assert.Equal(t, 0.0, m.Weight(1, r))
		assert.Equal(t, 1.0, m.Weight(2, r))
		assert.Equal(t, 1.0, m.Weight(3, r))
	}
}

func TestLoadMask_EmptyPathMeansNoMask(t *testing.T) {
	m, err := LoadMask("", 4, 4)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1.0, m.Weight(3, 3))
}
