package services

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"
)

// Settings is the configuration view handed to one service. Only declared
// options can be read; undeclared values are rejected when the view is
// built.
type Settings struct {
	service string
	values  map[string]any
	options map[string]Option
}

// NewSettings validates values against the declared options.
func NewSettings(service string, values map[string]any, options map[string]Option) (Settings, error) {
	for key := range values {
		if _, ok := options[key]; !ok {
			return Settings{}, &OptionError{Service: service, Option: key}
		}
	}
	return Settings{
		service: service,
		values:  maps.Clone(values),
		options: options,
	}, nil
}

// Value returns the configured value for key, or its declared default.
func (s Settings) Value(key string) (any, error) {
	opt, ok := s.options[key]
	if !ok {
		return nil, &OptionError{Service: s.service, Option: key}
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return opt.Default, nil
}

// IsSet reports whether key was configured explicitly.
func (s Settings) IsSet(key string) bool {
	_, ok := s.values[key]
	return ok
}

func (s Settings) String(key string) (string, error) {
	v, err := s.Value(key)
	if err != nil || v == nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprint(t), nil
	}
}

func (s Settings) Int(key string) (int, error) {
	v, err := s.Value(key)
	if err != nil || v == nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, s.typeError(key, v, "integer")
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, s.typeError(key, v, "integer")
		}
		return n, nil
	default:
		return 0, s.typeError(key, v, "integer")
	}
}

func (s Settings) Bool(key string) (bool, error) {
	v, err := s.Value(key)
	if err != nil || v == nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, s.typeError(key, v, "boolean")
		}
		return b, nil
	default:
		return false, s.typeError(key, v, "boolean")
	}
}

// Duration accepts Go duration strings, time.Duration values and plain
// numbers, which are taken as seconds.
func (s Settings) Duration(key string) (time.Duration, error) {
	v, err := s.Value(key)
	if err != nil || v == nil {
		return 0, err
	}
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, s.typeError(key, v, "duration")
		}
		return d, nil
	default:
		return 0, s.typeError(key, v, "duration")
	}
}

func (s Settings) typeError(key string, v any, want string) error {
	return &OptionError{
		Service: s.service,
		Option:  key,
		Reason:  fmt.Sprintf("%v (%T) is not a valid %s", v, v, want),
	}
}
