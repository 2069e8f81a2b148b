package rwlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendSharesPrimitivesPerIdentity(t *testing.T) {
	b := NewLocalBackend()

	g1, err := b.OpenGate("a")
	require.NoError(t, err)
	g2, err := b.OpenGate("a")
	require.NoError(t, err)
	assert.Same(t, g1, g2, "same identity must reach the same gate")

	g3, err := b.OpenGate("b")
	require.NoError(t, err)
	assert.NotSame(t, g1, g3)

	p1, err := b.OpenPool("a", 4)
	require.NoError(t, err)
	p2, err := b.OpenPool("a", 4)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestLocalPoolCapacityConflict(t *testing.T) {
	b := NewLocalBackend()

	_, err := b.OpenPool("a", 4)
	require.NoError(t, err)

	_, err = b.OpenPool("a", 8)
	require.ErrorIs(t, err, ErrNameConflict)
	var conflict *NameConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 4, conflict.HaveCapacity)
	assert.Equal(t, 8, conflict.WantCapacity)
}

func TestLocalPoolSampleObservesProbeHeldCount(t *testing.T) {
	b := NewLocalBackend()
	p, err := b.OpenPool("a", 4)
	require.NoError(t, err)

	// Full pool: the probe sees capacity-1 units besides itself.
	n, err := p.SampleAvailable()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, p.AcquireUnit())
	n, err = p.SampleAvailable()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, p.ReleaseUnits(1))
	n, err = p.SampleAvailable()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLocalPoolOverReleaseFailsLoudly(t *testing.T) {
	b := NewLocalBackend()
	p, err := b.OpenPool("a", 2)
	require.NoError(t, err)

	var usage *UsageError
	require.ErrorAs(t, p.ReleaseUnits(1), &usage)
}

func TestLocalGateReleaseWithoutHoldFailsLoudly(t *testing.T) {
	b := NewLocalBackend()
	g, err := b.OpenGate("a")
	require.NoError(t, err)

	var usage *UsageError
	require.ErrorAs(t, g.Release(), &usage)

	abandoned, err := g.Acquire()
	require.NoError(t, err)
	assert.False(t, abandoned)
	require.NoError(t, g.Release())
}
