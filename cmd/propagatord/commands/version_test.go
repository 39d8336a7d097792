package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCmd_PlainOutput(t *testing.T) {
	VersionCmd.SetArgs([]string{})
	require.NoError(t, VersionCmd.Execute())
}

func TestVersionCmd_JSONOutput(t *testing.T) {
	VersionCmd.SetArgs([]string{"--json"})
	require.NoError(t, VersionCmd.Execute())
}
