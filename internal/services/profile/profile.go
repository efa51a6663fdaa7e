// Package profile implements the built-in profile service. It turns every
// service state change into a timing entry and keeps the most recent
// entries in memory for the status server and the admin tools.
package profile

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"scalestack/internal/events"
	"scalestack/internal/services"
	"scalestack/pkg/logging"
)

const subsystem = "Profile"

// Name is the registry name of the profile service.
const Name = "profile"

// Option keys and defaults.
const (
	OptionRecentSize = "recent_size"
	OptionHTTPPath   = "http_path"

	DefaultRecentSize = 100
	DefaultHTTPPath   = "/profile"
)

// Descriptor returns the registry entry of the profile service.
func Descriptor() services.Descriptor {
	return services.Descriptor{
		Name:        Name,
		Description: "Keeps recent lifecycle timings of every service",
		Factory:     New,
		Restart:     services.RestartPolicy{Mode: services.RestartOnFailure},
		Options: map[string]services.Option{
			OptionRecentSize: {Default: DefaultRecentSize, Description: "Number of recent profile entries to keep"},
			OptionHTTPPath:   {Default: DefaultHTTPPath, Description: "Path for the profile page"},
		},
	}
}

// Entry is one profile record: a prefix (the service name) and the values
// marked for it.
type Entry struct {
	Prefix string             `json:"prefix"`
	Time   time.Time          `json:"time"`
	Marks  map[string]float64 `json:"marks"`
}

// Mark adds value to the mark called name.
func (e *Entry) Mark(name string, value float64) {
	if e.Marks == nil {
		e.Marks = make(map[string]float64)
	}
	e.Marks[name] += value
}

// MarkTime records d, in seconds, under "<name>:time".
func (e *Entry) MarkTime(name string, d time.Duration) {
	e.Mark(name+":time", d.Seconds())
}

// String renders the entry as "prefix name=value ...", marks sorted by name.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Prefix)
	for _, name := range slices.Sorted(maps.Keys(e.Marks)) {
		fmt.Fprintf(&b, " %s=%.3f", name, e.Marks[name])
	}
	return b.String()
}

// Service is the profile service.
type Service struct {
	env  services.Env
	size int
	path string

	mu     sync.RWMutex
	recent []Entry
}

var (
	_ services.Service      = (*Service)(nil)
	_ services.DataProvider = (*Service)(nil)
)

// New is the Factory of the profile service.
func New(env services.Env) (services.Service, error) {
	size, err := env.Settings.Int(OptionRecentSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, &services.OptionError{Service: env.Name, Option: OptionRecentSize, Reason: "must be positive"}
	}
	path, err := env.Settings.String(OptionHTTPPath)
	if err != nil {
		return nil, err
	}
	return &Service{env: env, size: size, path: path}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if _, err := s.env.Events.Subscribe(services.TopicStateAll, s.onStateChange); err != nil {
		return fmt.Errorf("subscribe to state changes: %w", err)
	}
	logging.Debug(subsystem, "Keeping the %d most recent entries", s.size)
	return nil
}

// Stop keeps the collected entries; subscriptions are removed by the
// supervisor.
func (s *Service) Stop(ctx context.Context) error { return nil }

func (s *Service) Health(ctx context.Context) error { return nil }

func (s *Service) onStateChange(_ context.Context, ev events.Event) error {
	change, ok := ev.Payload.(services.StateChange)
	if !ok {
		return nil
	}
	entry := Entry{Prefix: change.Service, Time: change.Time}
	entry.MarkTime(strings.ToLower(string(change.OldState)), change.InState)
	s.Add(entry)
	return nil
}

// Add appends an entry, dropping the oldest ones beyond the configured size.
func (s *Service) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, e)
	if over := len(s.recent) - s.size; over > 0 {
		s.recent = slices.Delete(s.recent, 0, over)
	}
}

// Recent returns the kept entries, newest first.
func (s *Service) Recent() []Entry {
	s.mu.RLock()
	out := slices.Clone(s.recent)
	s.mu.RUnlock()
	slices.Reverse(out)
	return out
}

// Path is the status server path the entries are served on.
func (s *Service) Path() string { return s.path }

func (s *Service) ServiceData() map[string]any {
	recent := s.Recent()
	lines := make([]string, len(recent))
	for i, e := range recent {
		lines[i] = e.String()
	}
	return map[string]any{
		"path":   s.path,
		"size":   s.size,
		"recent": lines,
	}
}
