package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	SetDefaults()

	require.Equal(t, 10*time.Millisecond, MergeCursorRetryDelay())
	require.Equal(t, 4, MergeCursorRetryTimes())
	require.Equal(t, 1, ParallelGetMoreRequests())
	require.Equal(t, 10*time.Second, PeekStatsInterval())
	require.Equal(t, 5, PeekStatsSlowAmount())
	require.Equal(t, 0.5, PeekStatsSlowRatio())
	require.Equal(t, 500*time.Millisecond, PeekMaxLatency())
	require.Equal(t, 30*time.Second, PeekResetInterval())
}

func TestOverridesWin(t *testing.T) {
	SetDefaults()
	viper.Set(KeyMergeCursorRetryTimes, 9)
	defer viper.Set(KeyMergeCursorRetryTimes, 4)

	require.Equal(t, 9, MergeCursorRetryTimes())
}
