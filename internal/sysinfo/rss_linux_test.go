//go:build linux

package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatm(t *testing.T) {
	t.Parallel()

	b, err := parseStatm("5000 1200 300 10 0 900 0\n", 4096)
	require.NoError(t, err)
	require.Equal(t, int64(1200*4096), b)

	_, err = parseStatm("5000", 4096)
	require.Error(t, err)
	_, err = parseStatm("5000 x", 4096)
	require.Error(t, err)
}

func TestRSSMegabytesIsPositive(t *testing.T) {
	t.Parallel()

	b, err := RSSBytes()
	require.NoError(t, err)
	require.Positive(t, b)
	require.GreaterOrEqual(t, RSSMegabytes(), int64(0))
}
