package motion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameWith returns a cols x rows frame with the first n blocks moving at (x, y).
func frameWith(cols, rows, n int, x, y int8) *VectorFrame {
	f := NewVectorFrame(cols, rows)
	for i := 0; i < n; i++ {
		f.Vectors[i] = Vector{X: x, Y: y}
	}
	return f
}

func newTestAnalyzer(t *testing.T, cfg Config, mask *Mask) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(cfg, mask, nil)
	require.NoError(t, err)
	return a
}

func feed(t *testing.T, a *Analyzer, f *VectorFrame) State {
	t.Helper()
	s, err := a.Analyze(f)
	require.NoError(t, err)
	return s
}

func TestAnalyzer_BecomesActiveAndStays(t *testing.T) {
	a := newTestAnalyzer(t, Config{Threshold: 30, MinActiveCells: 10, QuietFramesToClear: 30}, UniformMask(40, 30))

	for i := 1; i <= 3; i++ {
		// 40 magnitude on 15 blocks: 15 > 10 active cells
		s := feed(t, a, frameWith(40, 30, 15, 24, 32))
		assert.Equal(t, Active, s, "frame %d", i)
		assert.Equal(t, 15, a.LastActiveCells())
	}
	assert.Equal(t, Active, a.Cell().Load())
}

func TestAnalyzer_StaysIdleBelowMinActiveCells(t *testing.T) {
	a := newTestAnalyzer(t, Config{Threshold: 30, MinActiveCells: 10, QuietFramesToClear: 2}, nil)

	for i := 0; i < 100; i++ {
		// exactly min_active_cells is not enough
		assert.Equal(t, Idle, feed(t, a, frameWith(40, 30, 10, 100, 100)))
	}
	assert.Equal(t, Idle, a.Cell().Load())
}

func TestAnalyzer_ThresholdIsStrict(t *testing.T) {
	a := newTestAnalyzer(t, Config{Threshold: 5, MinActiveCells: 0, QuietFramesToClear: 0}, nil)

	// 3-4-5 triangle: magnitude exactly 5 does not exceed the threshold
	assert.Equal(t, Idle, feed(t, a, frameWith(4, 4, 16, 3, 4)))
	assert.Equal(t, 0, a.LastActiveCells())
}

func TestAnalyzer_QuietRunResetByActivity(t *testing.T) {
	a := newTestAnalyzer(t, Config{Threshold: 30, MinActiveCells: 10, QuietFramesToClear: 5}, nil)
	moving := frameWith(40, 30, 15, 40, 0)
	quiet := frameWith(40, 30, 0, 0, 0)

	require.Equal(t, Active, feed(t, a, moving))

	for i := 1; i <= 4; i++ {
		require.Equal(t, Active, feed(t, a, quiet))
		require.Equal(t, i, a.QuietFrames())
	}
	require.Equal(t, Active, feed(t, a, moving))
	require.Equal(t, 0, a.QuietFrames())

	for i := 1; i <= 5; i++ {
		require.Equal(t, Active, feed(t, a, quiet), "quiet frame %d", i)
	}
	assert.Equal(t, Idle, feed(t, a, quiet))
	assert.Equal(t, 0, a.QuietFrames())
	assert.Equal(t, Idle, a.Cell().Load())
}

func TestAnalyzer_MaskSuppressesBlocks(t *testing.T) {
	grid := make([][]float64, 2)
	grid[0] = []float64{0, 0, 0, 0}
	grid[1] = []float64{1, 1, 1, 1}
	mask, err := NewMask(grid)
	require.NoError(t, err)

	a := newTestAnalyzer(t, Config{Threshold: 1, MinActiveCells: 0, QuietFramesToClear: 0}, mask)

	// every masked block at maximum magnitude
	f := NewVectorFrame(4, 2)
	for c := 0; c < 4; c++ {
		f.Set(c, 0, Vector{X: 127, Y: -128})
	}
	assert.Equal(t, Idle, feed(t, a, f))
	assert.Equal(t, 0, a.LastActiveCells())

	f.Set(2, 1, Vector{X: 10})
	assert.Equal(t, Active, feed(t, a, f))
	assert.Equal(t, 1, a.LastActiveCells())
}

func TestAnalyzer_MaskWeightsScaleMagnitude(t *testing.T) {
	mask, err := NewMask([][]float64{{0.5, 2}})
	require.NoError(t, err)
	a := newTestAnalyzer(t, Config{Threshold: 15, MinActiveCells: 0, QuietFramesToClear: 0}, mask)

	f := NewVectorFrame(2, 1)
	f.Set(0, 0, Vector{X: 20}) // 10 after weighting
	f.Set(1, 0, Vector{X: 10}) // 20 after weighting
	feed(t, a, f)
	assert.Equal(t, 1, a.LastActiveCells())
}

func TestAnalyzer_MismatchedFrameIsSkipped(t *testing.T) {
	a := newTestAnalyzer(t, Config{Threshold: 1, MinActiveCells: 0, QuietFramesToClear: 3}, UniformMask(4, 4))

	require.Equal(t, Active, feed(t, a, frameWith(4, 4, 4, 10, 10)))
	require.Equal(t, Active, feed(t, a, frameWith(4, 4, 0, 0, 0)))
	require.Equal(t, 1, a.QuietFrames())

	_, err := a.Analyze(frameWith(5, 4, 0, 0, 0))
	var srcErr *SourceError
	require.True(t, errors.As(err, &srcErr))
	assert.Equal(t, 1, a.QuietFrames(), "skipped frame must not advance the quiet counter")
	assert.Equal(t, Active, a.State())
}

func TestNewAnalyzer_RejectsNegativeConfig(t *testing.T) {
	_, err := NewAnalyzer(Config{Threshold: -1}, nil, nil)
	assert.Error(t, err)

	_, err = NewAnalyzer(Config{QuietFramesToClear: -1}, nil, nil)
	assert.Error(t, err)
}

func TestDefaultConfig_ClearsAfterOneSecond(t *testing.T) {
	assert.Equal(t, 30, DefaultConfig(30).QuietFramesToClear)
}
