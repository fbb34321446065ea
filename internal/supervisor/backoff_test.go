package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_CeilingSequence(t *testing.T) {
	t.Parallel()

	b := NewBackoff(time.Second, time.Minute, NoJitter)
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "step %d", i)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_FullJitterWithinCeiling(t *testing.T) {
	t.Parallel()

	b := NewBackoff(time.Second, time.Minute, FullJitter)
	prevCeiling := time.Duration(0)
	probe := NewBackoff(time.Second, time.Minute, NoJitter)
	for i := 0; i < 50; i++ {
		ceiling := probe.Next()
		assert.GreaterOrEqual(t, ceiling, prevCeiling)
		prevCeiling = ceiling

		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, ceiling)
	}
}

func TestFullJitter_ZeroCeiling(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))
}
