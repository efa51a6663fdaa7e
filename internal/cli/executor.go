package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"scalestack/internal/color"
)

// OutputFormat represents the output format for CLI commands
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (table, json, yaml)", s)
	}
}

// ExecutorOptions contains options for tool execution
type ExecutorOptions struct {
	Format   OutputFormat
	Quiet    bool
	Endpoint string
	// Out receives the formatted output. Defaults to stdout.
	Out io.Writer
}

// ToolExecutor calls admin tools and prints their results.
type ToolExecutor struct {
	client  *Client
	options ExecutorOptions
	out     io.Writer
}

// NewToolExecutor creates an executor for the admin server at
// options.Endpoint.
func NewToolExecutor(options ExecutorOptions) *ToolExecutor {
	if options.Format == "" {
		options.Format = OutputFormatTable
	}
	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	return &ToolExecutor{
		client:  NewClient(options.Endpoint),
		options: options,
		out:     out,
	}
}

// Connect establishes connection to the admin server
func (e *ToolExecutor) Connect(ctx context.Context) error {
	return e.client.Connect(ctx)
}

// Close closes the connection
func (e *ToolExecutor) Close() error {
	return e.client.Close()
}

// Client returns the underlying admin client.
func (e *ToolExecutor) Client() *Client { return e.client }

// Execute executes a tool and formats the output
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, arguments map[string]any) error {
	result, err := e.client.CallToolText(ctx, toolName, arguments)
	if err != nil {
		return err
	}
	return e.Print(result)
}

// Print formats a tool answer according to the output format. Answers that
// are not JSON are printed as they are.
func (e *ToolExecutor) Print(result string) error {
	if result == "" {
		if !e.options.Quiet {
			fmt.Fprintln(e.out, "No results")
		}
		return nil
	}

	switch e.options.Format {
	case OutputFormatJSON:
		fmt.Fprintln(e.out, result)
		return nil
	case OutputFormatYAML:
		return e.outputYAML(result)
	case OutputFormatTable:
		return e.outputTable(result)
	default:
		return fmt.Errorf("unsupported output format: %s", e.options.Format)
	}
}

// outputYAML converts JSON to YAML and prints it
func (e *ToolExecutor) outputYAML(jsonData string) error {
	var data any
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		fmt.Fprintln(e.out, jsonData)
		return nil
	}
	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to convert to YAML: %w", err)
	}
	_, err = e.out.Write(yamlData)
	return err
}

func (e *ToolExecutor) outputTable(jsonData string) error {
	var data any
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		fmt.Fprintln(e.out, jsonData)
		return nil
	}

	switch d := data.(type) {
	case map[string]any:
		e.formatObject(d)
	case []any:
		e.formatArray("items", d)
	default:
		fmt.Fprintln(e.out, jsonData)
	}
	return nil
}

// Array keys rendered as tables, in display order, with their preferred
// columns.
var arrayColumns = []struct {
	key     string
	columns []string
}{
	{"services", []string{"name", "state", "health", "restarts", "critical", "dependencies", "lastError"}},
	{"peers", []string{"id", "addr", "generation", "lastSeen", "draining", "departed", "claims"}},
	{"claims", []string{"key", "holder", "epoch", "owner", "local", "expiresAt"}},
	{"options", []string{"service", "option", "default", "value", "description"}},
	{"entries", nil},
	{"items", nil},
}

// formatObject prints the scalar fields of data as a key-value table and
// each known array as its own table.
func (e *ToolExecutor) formatObject(data map[string]any) {
	var arrays []string
	for _, ac := range arrayColumns {
		if _, ok := data[ac.key].([]any); ok {
			arrays = append(arrays, ac.key)
		}
	}

	scalars := make(map[string]any)
	for k, v := range data {
		if slices.Contains(arrays, k) || (k == "total" && len(arrays) == 1) {
			continue
		}
		scalars[k] = v
	}
	if len(scalars) > 0 {
		e.formatKeyValueTable(scalars)
	}

	for _, key := range arrays {
		arr := data[key].([]any)
		if len(arrays) > 1 || len(scalars) > 0 {
			fmt.Fprintf(e.out, "\n%s\n", text.FgHiBlue.Sprint(strings.ToUpper(key[:1])+key[1:]))
		}
		e.formatArray(key, arr)
	}

	if total, ok := data["total"]; ok && len(arrays) == 1 {
		fmt.Fprintf(e.out, "\n%s %v %s\n",
			text.FgHiBlue.Sprint("Total:"),
			text.FgHiWhite.Sprint(formatNumber(total)),
			arrays[0])
	}
}

// formatArray creates a table from an array of objects
func (e *ToolExecutor) formatArray(key string, data []any) {
	if len(data) == 0 {
		fmt.Fprintln(e.out, text.FgYellow.Sprint("No "+key+" found"))
		return
	}
	first, ok := data[0].(map[string]any)
	if !ok {
		for _, item := range data {
			fmt.Fprintln(e.out, item)
		}
		return
	}

	columns := columnsFor(key, first)
	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetStyle(table.StyleRounded)

	headers := make(table.Row, len(columns))
	for i, col := range columns {
		headers[i] = text.FgHiCyan.Sprint(strings.ToUpper(col))
	}
	t.AppendHeader(headers)

	for _, item := range data {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := make(table.Row, len(columns))
		for i, col := range columns {
			row[i] = formatCellValue(col, m[col])
		}
		t.AppendRow(row)
	}
	t.Render()
}

// columnsFor returns the preferred columns of key, or the sorted keys of
// sample for unknown arrays.
func columnsFor(key string, sample map[string]any) []string {
	for _, ac := range arrayColumns {
		if ac.key == key && ac.columns != nil {
			return ac.columns
		}
	}
	keys := make([]string, 0, len(sample))
	for k := range sample {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 6 {
		keys = keys[:6]
	}
	return keys
}

// formatKeyValueTable formats an object as key-value pairs
func (e *ToolExecutor) formatKeyValueTable(data map[string]any) {
	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("PROPERTY"),
		text.FgHiCyan.Sprint("VALUE"),
	})

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		t.AppendRow(table.Row{text.FgYellow.Sprint(key), formatCellValue(key, data[key])})
	}
	t.Render()
}

// formatCellValue formats individual cell values with appropriate styling
func formatCellValue(column string, value any) string {
	if value == nil {
		return text.FgHiBlack.Sprint("-")
	}

	switch strings.ToLower(column) {
	case "state", "health", "phase":
		return color.State(fmt.Sprint(value))
	case "lasterror", "description", "reason":
		return truncate(fmt.Sprint(value), 50)
	}

	switch v := value.(type) {
	case bool:
		if v {
			return "yes"
		}
		return text.FgHiBlack.Sprint("no")
	case float64:
		return formatNumber(v)
	case string:
		if v == "" || v == "0001-01-01T00:00:00Z" {
			return text.FgHiBlack.Sprint("-")
		}
		return v
	case []any:
		if len(v) == 0 {
			return text.FgHiBlack.Sprint("-")
		}
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		if len(v) == 0 {
			return text.FgHiBlack.Sprint("-")
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%s", k, formatNumber(v[k]))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(v)
	}
}

// formatNumber prints integral JSON numbers without a fraction.
func formatNumber(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
