package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	table := NewTableTo(&buf, "RESOURCE", "USER")
	table.Row("bench-1", "alice")
	table.Row("bench-2", "")
	table.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected headers, divider, and 2 rows, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "RESOURCE") {
		t.Errorf("header line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--------") {
		t.Errorf("divider line = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "bench-1") {
		t.Errorf("first row = %q", lines[2])
	}
}

func TestTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	table := NewTableTo(&buf, "RESOURCE")
	table.Flush()
	if buf.Len() != 0 {
		t.Errorf("empty table produced output: %q", buf.String())
	}
}

func TestColorFunctions(t *testing.T) {
	orig := colorEnabled
	colorEnabled = true
	t.Cleanup(func() { colorEnabled = orig })

	tests := []struct {
		name   string
		fn     func(string) string
		prefix string
	}{
		{"Green", Green, "\033[32m"},
		{"Yellow", Yellow, "\033[33m"},
		{"Red", Red, "\033[31m"},
		{"Dim", Dim, "\033[2m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn("hello")
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("%s should start with %q, got %q", tt.name, tt.prefix, got)
			}
			if !strings.Contains(got, "hello") || !strings.HasSuffix(got, "\033[0m") {
				t.Errorf("%s output malformed: %q", tt.name, got)
			}
		})
	}
}
