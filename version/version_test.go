package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet_ReflectsBuildVariables(t *testing.T) {
	info := Get()
	require.Equal(t, CommitHash, info.CommitHash)
	require.Equal(t, BuildTime, info.BuildTime)
	require.Equal(t, Version, info.Version)
	require.Equal(t, runtime.Version(), info.GoVersion)
}

func TestString_DevBuild(t *testing.T) {
	info := Info{Version: "dev", CommitHash: "abc1234", BuildTime: "2026-01-01"}
	require.Contains(t, info.String(), "propagatord dev")
	require.Contains(t, info.String(), "abc1234")
}

func TestString_TaggedBuild(t *testing.T) {
	info := Info{Version: "1.2.3", CommitHash: "abc1234", BuildTime: "2026-01-01"}
	require.Contains(t, info.String(), "propagatord 1.2.3")
}

func TestShort_TruncatesToSevenChars(t *testing.T) {
	info := Info{CommitHash: "abcdefghijk"}
	require.Equal(t, "abcdefg", info.Short())
}

func TestShort_ShortHashReturnedAsIs(t *testing.T) {
	info := Info{CommitHash: "abc"}
	require.Equal(t, "abc", info.Short())
}
