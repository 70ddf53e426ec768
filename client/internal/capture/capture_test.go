package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(48000, 32000, nil)
	require.NoError(t, err)
	return e
}

func TestEnqueueDropsOldestNeverNewest(t *testing.T) {
	e := newTestEngine(t)
	e.out = make(chan OutputFrame, 2)

	e.enqueue(OutputFrame{Seq: 1})
	e.enqueue(OutputFrame{Seq: 2})
	e.enqueue(OutputFrame{Seq: 3})

	first := <-e.out
	second := <-e.out
	assert.Equal(t, uint16(2), first.Seq, "oldest queued frame (seq 1) must be the one dropped")
	assert.Equal(t, uint16(3), second.Seq)
}

func TestClampToInt16(t *testing.T) {
	assert.Equal(t, int16(32767), clampToInt16(2.0))
	assert.Equal(t, int16(-32768), clampToInt16(-2.0))
	assert.Equal(t, int16(0), clampToInt16(0))
}

func TestToAudioFrame(t *testing.T) {
	af := ToAudioFrame(OutputFrame{Seq: 7, Opus: []byte{1, 2, 3}}, 48000)
	assert.EqualValues(t, 7, af.Seq)
	assert.EqualValues(t, 48000, af.SampleRate)
	assert.Equal(t, []byte{1, 2, 3}, af.Data)
}

func TestPTTModeGatesTransmission(t *testing.T) {
	e := newTestEngine(t)
	e.SetPTTMode(true)
	assert.True(t, e.ptt.Load())
	assert.False(t, e.pttActive.Load())

	e.SetPTTActive(true)
	assert.True(t, e.pttActive.Load())

	e.SetPTTMode(false)
	assert.False(t, e.pttActive.Load(), "disabling PTT mode must clear pttActive")
}
