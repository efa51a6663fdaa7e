package profile

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Summary aggregates the values of one mark across many entries.
type Summary struct {
	Count    int     `json:"count"`
	Average  float64 `json:"average"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"stddev"`
	Total    float64 `json:"total"`

	values []float64
}

func (s *Summary) add(v float64) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Count++
	s.Total += v
	s.values = append(s.values, v)
}

func (s *Summary) finish() {
	s.Average = s.Total / float64(s.Count)
	s.Variance = 0
	for _, v := range s.values {
		s.Variance += math.Pow(v-s.Average, 2)
	}
	s.StdDev = math.Sqrt(s.Variance / float64(s.Count))
}

// Summarize aggregates the marks of entries by name.
func Summarize(entries []Entry) map[string]*Summary {
	data := make(map[string]*Summary)
	for _, e := range entries {
		for name, v := range e.Marks {
			record(data, name, v)
		}
	}
	for _, s := range data {
		s.finish()
	}
	return data
}

// ParseLog aggregates "name=value" tokens found in r, one entry per line.
// Tokens that are not name=value pairs or whose value is not a number are
// ignored, so whole log files can be fed in.
func ParseLog(r io.Reader) (map[string]*Summary, error) {
	data := make(map[string]*Summary)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		for _, part := range strings.Split(sc.Text(), " ") {
			name, raw, ok := strings.Cut(part, "=")
			if !ok || name == "" || strings.Contains(raw, "=") {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				continue
			}
			record(data, name, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for _, s := range data {
		s.finish()
	}
	return data, nil
}

func record(data map[string]*Summary, name string, v float64) {
	s, ok := data[name]
	if !ok {
		s = &Summary{}
		data[name] = s
	}
	s.add(v)
}

// WriteReport prints one row per mark, sorted by name.
func WriteReport(w io.Writer, data map[string]*Summary) error {
	if _, err := fmt.Fprintln(w, "    Count       Avg       Min       Max    StdDev     Total"); err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(data)) {
		s := data[name]
		_, err := fmt.Fprintf(w, "%9s %9s %9s %9s %9s %9s  %s\n",
			formatValue(float64(s.Count)), formatValue(s.Average), formatValue(s.Min),
			formatValue(s.Max), formatValue(s.StdDev), formatValue(s.Total), name)
		if err != nil {
			return err
		}
	}
	return nil
}

// formatValue prints large and integral values without decimals.
func formatValue(v float64) string {
	if v > 100 || v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.3f", v)
}
