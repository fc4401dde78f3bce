package system

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFreePort(t *testing.T) {
	port, err := GetFreePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

func TestAvailableMemory_HonoursRuntimeLimit(t *testing.T) {
	prev := debug.SetMemoryLimit(512 << 20)
	defer debug.SetMemoryLimit(prev)

	assert.Equal(t, uint64(512<<20), AvailableMemory())
}

func TestAvailableMemory_NonZero(t *testing.T) {
	assert.Greater(t, AvailableMemory(), uint64(0))
}
