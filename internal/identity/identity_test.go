package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIsStable(t *testing.T) {
	first, err := Resolve()
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
