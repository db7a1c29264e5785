package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTimeDuration(t *testing.T) {
	assert.Equal(t, "42s", FormatTimeDuration(42*time.Second))
	assert.Equal(t, "3m 5s", FormatTimeDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h 0m 7s", FormatTimeDuration(2*time.Hour+7*time.Second))
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00", FormatClock(0))
	assert.Equal(t, "00:00", FormatClock(-time.Second))
	assert.Equal(t, "01:05", FormatClock(65*time.Second))
	assert.Equal(t, "1:00:09", FormatClock(time.Hour+9*time.Second))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "alice", TruncateString("alice", 10))
	assert.Equal(t, "a very...", TruncateString("a very long display name", 9))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
}
