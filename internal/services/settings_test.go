package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOptions = map[string]Option{
	"recent_size": {Default: 100, Description: "Number of recent entries to keep."},
	"http_path":   {Default: "/profile", Description: "Path for profile page."},
	"enabled":     {Default: true, Description: "Enable."},
	"interval":    {Default: "5s", Description: "Poll interval."},
	"http_host":   {Default: nil, Description: "Host."},
}

func TestNewSettings_RejectsUndeclared(t *testing.T) {
	_, err := NewSettings("profile", map[string]any{"bogus": 1}, testOptions)
	require.ErrorIs(t, err, ErrInvalidOption)

	var optErr *OptionError
	require.ErrorAs(t, err, &optErr)
	assert.Equal(t, "profile", optErr.Service)
	assert.Equal(t, "bogus", optErr.Option)
	assert.Equal(t, "invalid config option: profile.bogus", err.Error())
}

func TestSettings_DefaultsAndOverrides(t *testing.T) {
	s, err := NewSettings("profile", map[string]any{"recent_size": float64(5), "enabled": "false"}, testOptions)
	require.NoError(t, err)

	n, err := s.Int("recent_size")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, s.IsSet("recent_size"))

	p, err := s.String("http_path")
	require.NoError(t, err)
	assert.Equal(t, "/profile", p)
	assert.False(t, s.IsSet("http_path"))

	b, err := s.Bool("enabled")
	require.NoError(t, err)
	assert.False(t, b)

	d, err := s.Duration("interval")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	host, err := s.String("http_host")
	require.NoError(t, err)
	assert.Empty(t, host)
}

func TestSettings_Errors(t *testing.T) {
	s, err := NewSettings("profile", map[string]any{"recent_size": 2.5}, testOptions)
	require.NoError(t, err)

	_, err = s.Int("recent_size")
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = s.Value("undeclared")
	assert.ErrorIs(t, err, ErrInvalidOption)
}
