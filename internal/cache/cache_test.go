package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/vertebra-api/internal/model"
)

func opts(threshold *float64, source bool) model.Options {
	return model.NormalizeOptions(model.Options{Threshold: threshold, SourceSize: &source})
}

func TestKey(t *testing.T) {
	half, third := 0.5, 0.3
	data := []byte("png bytes")

	base := Key(data, opts(nil, false))
	assert.Equal(t, base, Key([]byte("png bytes"), opts(nil, false)))

	assert.NotEqual(t, base, Key([]byte("other bytes"), opts(nil, false)))
	assert.NotEqual(t, base, Key(data, opts(&half, false)))
	assert.NotEqual(t, base, Key(data, opts(nil, true)))
	assert.NotEqual(t, Key(data, opts(&half, false)), Key(data, opts(&third, false)))

	// an out-of-range threshold normalizes away
	bad := 7.0
	assert.Equal(t, base, Key(data, opts(&bad, false)))
}

func TestResults(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	c.Add(1, "a")
	c.Add(2, "b")
	c.Add(3, "c")

	_, ok := c.Get(1)
	assert.False(t, ok, "oldest entry should be evicted")
	v, ok := c.Get(3)
	assert.True(t, ok)
	assert.Equal(t, "c", v)
	assert.Equal(t, 2, c.Len())
}

func TestResults_Disabled(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	assert.Nil(t, c)

	c.Add(1, "a")
	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
