package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitialize_ConsoleOutput(t *testing.T) {
	require.NoError(t, Initialize(false))
	require.False(t, JSONOutput)
	require.NotNil(t, Logger)
}

func TestInitialize_JSONOutput(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.True(t, JSONOutput)
	require.NotNil(t, Logger)
}

func TestCleanup_NilLoggerIsNoop(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	Logger = nil
	require.NoError(t, Cleanup())
}
