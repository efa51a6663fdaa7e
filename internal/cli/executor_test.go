package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceList = `{
  "services": [
    {"name": "db", "state": "Running", "health": "Healthy", "restarts": 0, "critical": true, "since": "2026-01-01T00:00:00Z"},
    {"name": "api", "state": "Stopped", "health": "Unknown", "restarts": 2, "dependencies": ["db"], "lastError": "boom"}
  ],
  "total": 2
}`

func executor(format OutputFormat) (*ToolExecutor, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewToolExecutor(ExecutorOptions{Format: format, Out: &buf}), &buf
}

func TestParseOutputFormat(t *testing.T) {
	for _, s := range []string{"table", "JSON", "yaml"} {
		_, err := ParseOutputFormat(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseOutputFormat("xml")
	assert.Error(t, err)
}

func TestPrint_Table(t *testing.T) {
	e, buf := executor(OutputFormatTable)
	require.NoError(t, e.Print(serviceList))

	out := buf.String()
	for _, want := range []string{"NAME", "STATE", "db", "api", "Running", "Stopped", "boom", "Total:"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "since", "only the preferred columns are shown")
}

func TestPrint_ObjectWithSeveralArrays(t *testing.T) {
	e, buf := executor(OutputFormatTable)
	require.NoError(t, e.Print(`{
		"nodeId": "n1",
		"phase": "Running",
		"services": [{"name": "db", "state": "Running"}],
		"claims": [],
		"bus": {"published": 12, "dropped": 0}
	}`))

	out := buf.String()
	assert.Contains(t, out, "PROPERTY")
	assert.Contains(t, out, "n1")
	assert.Contains(t, out, "dropped=0 published=12")
	assert.Contains(t, out, "Services")
	assert.Contains(t, out, "No claims found")
	assert.NotContains(t, out, "Total:")
}

func TestPrint_SimpleEntries(t *testing.T) {
	e, buf := executor(OutputFormatTable)
	require.NoError(t, e.Print(`{"entries": ["db running:time=0.010", "api starting:time=0.002"], "total": 2, "size": 100}`))
	out := buf.String()
	assert.Contains(t, out, "db running:time=0.010\napi starting:time=0.002\n")
	assert.Contains(t, out, "size")
	assert.Contains(t, out, "100")
}

func TestPrint_JSONAndYAML(t *testing.T) {
	e, buf := executor(OutputFormatJSON)
	require.NoError(t, e.Print(`{"total": 2}`))
	assert.Equal(t, "{\"total\": 2}\n", buf.String())

	e, buf = executor(OutputFormatYAML)
	require.NoError(t, e.Print(serviceList))
	assert.Contains(t, buf.String(), "total: 2")
	assert.Contains(t, buf.String(), "name: db")
}

func TestPrint_PlainText(t *testing.T) {
	e, buf := executor(OutputFormatTable)
	require.NoError(t, e.Print("Successfully stopped service 'db'"))
	assert.Equal(t, "Successfully stopped service 'db'\n", buf.String())

	e, buf = executor(OutputFormatTable)
	require.NoError(t, e.Print(""))
	assert.Equal(t, "No results\n", buf.String())
}

func TestFormatCellValue(t *testing.T) {
	assert.Equal(t, "3", formatCellValue("restarts", 3.0))
	assert.Equal(t, "1.5", formatCellValue("factor", 1.5))
	assert.Equal(t, "yes", formatCellValue("local", true))
	assert.Equal(t, "a, b", formatCellValue("dependencies", []any{"a", "b"}))
	assert.Contains(t, formatCellValue("state", "Running"), "Running")
	long := strings.Repeat("x", 80)
	assert.Equal(t, strings.Repeat("x", 47)+"...", formatCellValue("lastError", long))
}
