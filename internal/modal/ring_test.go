package modal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHistoryRing_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewHistoryRing(1, 4)
	assert.Error(t, err)
	_, err = NewHistoryRing(4, 0)
	assert.Error(t, err)
}

func TestHistoryRing_RoundTrip(t *testing.T) {
	t.Parallel()

	const depth = 5
	r, err := NewHistoryRing(depth, 2)
	require.NoError(t, err)

	// Fill past one full wrap and check every reachable lag reads back the
	// exact vector committed that many iterations ago.
	for i := 1; i <= depth+3; i++ {
		r.Commit([]float64{float64(i), float64(-i)})
	}
	assert.Equal(t, uint64(depth+3), r.Wrote())

	last := depth + 3
	for lag := 0; lag < depth; lag++ {
		want := float64(last - lag)
		got := r.At(lag)
		assert.Equal(t, []float64{want, -want}, got, "lag %d", lag)
	}
	assert.Equal(t, r.At(0), r.Last())
}

func TestHistoryRing_StartsZeroed(t *testing.T) {
	t.Parallel()

	r, err := NewHistoryRing(4, 3)
	require.NoError(t, err)
	for lag := 0; lag < 4; lag++ {
		assert.Equal(t, []float64{0, 0, 0}, r.At(lag))
	}
}

func TestHistoryRing_CommitCopies(t *testing.T) {
	t.Parallel()

	r, err := NewHistoryRing(3, 1)
	require.NoError(t, err)

	v := []float64{7}
	r.Commit(v)
	v[0] = 99
	assert.Equal(t, []float64{7}, r.Last())
}
