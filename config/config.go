// Package config exposes the deployment knobs recognized by the TLog
// consumer path. Values are read through viper so binaries can override
// them from config files or flags.
package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	KeyMergeCursorRetryDelay   = "merge-cursor-retry-delay"
	KeyMergeCursorRetryTimes   = "merge-cursor-retry-times"
	KeyParallelGetMoreRequests = "parallel-get-more-requests"
	KeyPeekStatsInterval       = "peek-stats-interval"
	KeyPeekStatsSlowAmount     = "peek-stats-slow-amount"
	KeyPeekStatsSlowRatio      = "peek-stats-slow-ratio"
	KeyPeekMaxLatency          = "peek-max-latency"
	KeyPeekResetInterval       = "peek-reset-interval"
)

// SetDefaults registers the default knob values. Call once at process
// start, before any override is loaded.
func SetDefaults() {
	viper.SetDefault(KeyMergeCursorRetryDelay, 10*time.Millisecond)
	viper.SetDefault(KeyMergeCursorRetryTimes, 4)
	viper.SetDefault(KeyParallelGetMoreRequests, 1)
	viper.SetDefault(KeyPeekStatsInterval, 10*time.Second)
	viper.SetDefault(KeyPeekStatsSlowAmount, 5)
	viper.SetDefault(KeyPeekStatsSlowRatio, 0.5)
	viper.SetDefault(KeyPeekMaxLatency, 500*time.Millisecond)
	viper.SetDefault(KeyPeekResetInterval, 30*time.Second)
}

// MergeCursorRetryDelay is the base backoff between empty-reply retries.
func MergeCursorRetryDelay() time.Duration {
	return viper.GetDuration(KeyMergeCursorRetryDelay)
}

// MergeCursorRetryTimes bounds empty-reply retries per refill call.
func MergeCursorRetryTimes() int {
	return viper.GetInt(KeyMergeCursorRetryTimes)
}

// ParallelGetMoreRequests is the in-flight peek budget per leaf cursor when
// pipelined mode is enabled; 1 disables pipelining.
func ParallelGetMoreRequests() int {
	return viper.GetInt(KeyParallelGetMoreRequests)
}

func PeekStatsInterval() time.Duration { return viper.GetDuration(KeyPeekStatsInterval) }
func PeekStatsSlowAmount() int { return viper.GetInt(KeyPeekStatsSlowAmount) }
func PeekStatsSlowRatio() float64 { return viper.GetFloat64(KeyPeekStatsSlowRatio) }
func PeekMaxLatency() time.Duration { return viper.GetDuration(KeyPeekMaxLatency) }
func PeekResetInterval() time.Duration { return viper.GetDuration(KeyPeekResetInterval) }
