package config

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// ParseValue converts a command line value to a native value. A value of
// "-" is first replaced by the content of stdin.
func ParseValue(raw string, stdin io.Reader) (any, error) {
	if raw == "-" {
		if stdin == nil {
			return nil, fmt.Errorf("%w: value - needs stdin", ErrInvalidConfig)
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read value from stdin: %w", err)
		}
		raw = string(data)
	}

	switch {
	case raw == "":
		return raw, nil
	case raw[0] == '\'':
		return strings.Trim(raw, "'"), nil
	case raw[0] == '"':
		return strings.Trim(raw, `"`), nil
	case isDigits(raw):
		if n, err := strconv.Atoi(raw); err == nil {
			return n, nil
		}
		return raw, nil
	}

	switch strings.ToLower(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "none":
		return nil, nil
	}

	if raw[0] == '[' || raw[0] == '{' {
		return decodeJSON(raw)
	}
	if rest, ok := strings.CutPrefix(raw, "json:"); ok {
		return decodeJSON(rest)
	}
	return raw, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func decodeJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %q is not valid JSON: %w", ErrInvalidConfig, raw, err)
	}
	return v, nil
}

// ApplyArgs applies positional command line arguments to cfg. An argument
// <service>.<option>=<value> sets one option; a bare <service> adds it to
// the services to load.
func ApplyArgs(cfg *Config, args []string, stdin io.Reader) error {
	for _, arg := range args {
		key, raw, hasValue := strings.Cut(arg, "=")
		if !hasValue {
			if key == "" {
				return fmt.Errorf("%w: empty argument", ErrInvalidConfig)
			}
			if !slices.Contains(cfg.Load, key) {
				cfg.Load = append(cfg.Load, key)
			}
			continue
		}

		dot := strings.LastIndex(key, ".")
		if dot <= 0 || dot == len(key)-1 {
			return fmt.Errorf("%w: %q is not <service>.<option>=<value>", ErrInvalidConfig, arg)
		}
		service, option := key[:dot], key[dot+1:]
		value, err := ParseValue(raw, stdin)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if cfg.Services == nil {
			cfg.Services = make(map[string]map[string]any)
		}
		if cfg.Services[service] == nil {
			cfg.Services[service] = make(map[string]any)
		}
		cfg.Services[service][option] = value
	}
	return nil
}
