package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"", ""},
		{"hello", "hello"},
		{"'quoted'", "quoted"},
		{`"123"`, "123"},
		{"'true'", "true"},
		{"8080", 8080},
		{"007", 7},
		{"-5", "-5"},
		{"1.5", "1.5"},
		{"true", true},
		{"TRUE", true},
		{"False", false},
		{"none", nil},
		{"None", nil},
		{"[1, 2]", []any{1.0, 2.0}},
		{`{"a": "b"}`, map[string]any{"a": "b"}},
		{"json:42", 42.0},
		{`json:"text"`, "text"},
		{"99999999999999999999999", "99999999999999999999999"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseValue(tt.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseValue_Errors(t *testing.T) {
	_, err := ParseValue("[1,", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseValue("json:{", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseValue("-", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseValue_Stdin(t *testing.T) {
	got, err := ParseValue("-", strings.NewReader("12"))
	require.NoError(t, err)
	assert.Equal(t, 12, got)

	got, err = ParseValue("-", strings.NewReader(`{"k": [true]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": []any{true}}, got)
}

func TestApplyArgs(t *testing.T) {
	cfg := Default()
	cfg.Services["profile"] = map[string]any{"http_path": "/p"}

	err := ApplyArgs(&cfg, []string{
		"profile.recent_size=50",
		"api",
		"api.hosts=[\"a\",\"b\"]",
		"api",
		"cache.ttl=-",
	}, strings.NewReader("'30s'"))
	require.NoError(t, err)

	assert.Equal(t, []string{"api"}, cfg.Load)
	assert.Equal(t, map[string]any{"http_path": "/p", "recent_size": 50}, cfg.Services["profile"])
	assert.Equal(t, []any{"a", "b"}, cfg.Services["api"]["hosts"])
	assert.Equal(t, "30s", cfg.Services["cache"]["ttl"])
}

func TestApplyArgs_Invalid(t *testing.T) {
	for _, arg := range []string{"noservice=1", ".opt=1", "svc.=1", "=1", ""} {
		t.Run(arg, func(t *testing.T) {
			cfg := Default()
			assert.ErrorIs(t, ApplyArgs(&cfg, []string{arg}, nil), ErrInvalidConfig)
		})
	}

	cfg := Default()
	err := ApplyArgs(&cfg, []string{"svc.list=[oops"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "svc.list")
}
