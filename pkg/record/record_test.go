package record

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"motioncam/pkg/preroll"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeeder struct {
	mu     sync.Mutex
	chunks []preroll.Chunk
}

func (f *fakeFeeder) Feed(c preroll.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c)
}

func (f *fakeFeeder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func chunk(at time.Time, data string) preroll.Chunk {
	return preroll.Chunk{At: at, Length: 100 * time.Millisecond, Data: []byte(data)}
}

func keyChunk(at time.Time, data string) preroll.Chunk {
	c := chunk(at, data)
	c.Keyframe = true
	return c
}

func TestRecorder_RoutesBetweenBufferAndFile(t *testing.T) {
	feeder := &fakeFeeder{}
	r := New(feeder)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "during.h264")

	r.Write(chunk(now, "aa"))
	require.Equal(t, 1, feeder.count())

	require.NoError(t, r.Start(path))
	assert.False(t, r.IsRecording(), "switch waits for a keyframe")
	r.Write(chunk(now.Add(500*time.Millisecond), "xx"))
	assert.Equal(t, 2, feeder.count())

	r.Write(keyChunk(now.Add(time.Second), "bb"))
	assert.True(t, r.IsRecording())
	r.Write(chunk(now.Add(2*time.Second), "cc"))
	assert.Equal(t, 2, feeder.count(), "recording must not feed the buffer")

	seg, err := r.RedirectToBuffer()
	require.NoError(t, err)
	assert.True(t, r.IsRecording(), "segment runs on until the next keyframe")
	assert.Equal(t, path, seg.Path)

	r.Write(chunk(now.Add(2500*time.Millisecond), "dd"))
	assert.Equal(t, 2, feeder.count())
	r.Write(keyChunk(now.Add(3*time.Second), "ee"))
	assert.False(t, r.IsRecording())
	assert.Equal(t, 3, feeder.count())

	seg, err = r.CloseSegment()
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second), seg.Started)
	assert.Equal(t, 300*time.Millisecond, seg.Duration)
	assert.Equal(t, int64(6), seg.Bytes)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bbccdd", string(data))
}

func TestRecorder_SwitchesWithoutKeyframeEventually(t *testing.T) {
	feeder := &fakeFeeder{}
	r := New(feeder)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, r.Start(filepath.Join(t.TempDir(), "during.h264")))

	for i := 0; i < int(maxSwitchWait/(100*time.Millisecond)); i++ {
		r.Write(chunk(now, "aa"))
	}
	assert.False(t, r.IsRecording())
	r.Write(chunk(now, "bb"))
	assert.True(t, r.IsRecording())
	assert.Equal(t, 30, feeder.count())
}

func TestRecorder_CloseSegmentIsImmediate(t *testing.T) {
	feeder := &fakeFeeder{}
	r := New(feeder)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "during.h264")
	require.NoError(t, r.Start(path))
	r.Write(keyChunk(now, "aa"))

	_, err := r.RedirectToBuffer()
	require.NoError(t, err)
	seg, err := r.CloseSegment()
	require.NoError(t, err)
	assert.False(t, r.IsRecording())
	assert.Equal(t, int64(2), seg.Bytes)

	r.Write(chunk(now, "bb"))
	assert.Equal(t, 1, feeder.count())
}

func TestRecorder_RedirectCancelsPendingStart(t *testing.T) {
	feeder := &fakeFeeder{}
	r := New(feeder)
	path := filepath.Join(t.TempDir(), "during.h264")
	require.NoError(t, r.Start(path))

	seg, err := r.RedirectToBuffer()
	require.NoError(t, err)
	assert.Zero(t, seg.Bytes)
	r.Write(keyChunk(time.Now(), "aa"))
	assert.False(t, r.IsRecording())
	assert.Equal(t, 1, feeder.count())

	require.NoError(t, r.Start(path), "file was closed")
}

func TestRecorder_OnlyOneSegmentAtATime(t *testing.T) {
	r := New(&fakeFeeder{})
	dir := t.TempDir()

	require.NoError(t, r.Start(filepath.Join(dir, "a.h264")))
	assert.Error(t, r.Start(filepath.Join(dir, "b.h264")))

	_, err := os.Stat(filepath.Join(dir, "b.h264"))
	assert.True(t, os.IsNotExist(err))
}

func TestRecorder_StartFailureIsSinkError(t *testing.T) {
	r := New(&fakeFeeder{})

	err := r.Start(filepath.Join(t.TempDir(), "missing", "during.h264"))
	var sinkErr *SinkError
	require.True(t, errors.As(err, &sinkErr))
	assert.False(t, r.IsRecording())
}

func TestRecorder_StopDropsChunks(t *testing.T) {
	feeder := &fakeFeeder{}
	r := New(feeder)
	require.NoError(t, r.Start(filepath.Join(t.TempDir(), "during.h264")))

	_, err := r.Stop()
	require.NoError(t, err)
	r.Write(chunk(time.Now(), "zz"))
	assert.Zero(t, feeder.count())
	assert.False(t, r.IsRecording())
}

func TestRecorder_RedirectWithoutSegment(t *testing.T) {
	r := New(&fakeFeeder{})
	seg, err := r.RedirectToBuffer()
	require.NoError(t, err)
	assert.Empty(t, seg.Path)
}
