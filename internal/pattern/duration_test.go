package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"5s", 5 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"3d", 72 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"250", 250 * time.Millisecond}, // bare integer = milliseconds
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration_FiveMinutesIsMilliseconds(t *testing.T) {
	d, err := ParseDuration("5m")
	require.NoError(t, err)
	assert.Equal(t, int64(5*60*1000), d.Milliseconds())
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "5x", "m5", "-5s", "1.5s"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDuration(in)
			assert.Error(t, err)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{5 * time.Second, "5s"},
		{90 * time.Second, "90s"}, // not an exact minute boundary
		{5 * time.Minute, "5m"},
		{48 * time.Hour, "2d"},
		{7 * 24 * time.Hour, "1w"},
		{365 * 24 * time.Hour, "1y"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestFormatDuration_RoundTripMonotonic(t *testing.T) {
	// Parse-then-format round-trips preserve the value even when the
	// rendered unit differs from the input unit.
	for _, in := range []string{"60s", "1m", "24h", "1d", "1000"} {
		d, err := ParseDuration(in)
		require.NoError(t, err)
		d2, err := ParseDuration(FormatDuration(d))
		require.NoError(t, err)
		assert.Equal(t, d, d2, "round trip for %s", in)
	}
}

func TestParseDurationValue(t *testing.T) {
	d, err := ParseDurationValue("5s")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationValue(float64(1500))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseDurationValue(200)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, d)

	_, err = ParseDurationValue(true)
	assert.Error(t, err)
}
