package ui

import (
	"strings"
	"testing"
	"time"
)

func TestAgo(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-50 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := Ago(tt.in, now); got != tt.want {
			t.Errorf("Ago(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBytes(t *testing.T) {
	tests := map[int64]string{
		0:           "0 B",
		1023:        "1023 B",
		1024:        "1.0 KiB",
		1536:        "1.5 KiB",
		5 * 1 << 20: "5.0 MiB",
	}
	for in, want := range tests {
		if got := Bytes(in); got != want {
			t.Errorf("Bytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTable(t *testing.T) {
	out := Table([][]string{
		{"FILE", "TABLES"},
		{"message_0.db", "12"},
		{"contact.db", "3"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), out)
	}
	col := strings.Index(lines[1], "12")
	if col < 0 || strings.Index(lines[2], "3") != col {
		t.Errorf("columns not aligned:\n%s", out)
	}
	if Table(nil) != "" {
		t.Error("empty table should render nothing")
	}
}

func TestRenderKeepsText(t *testing.T) {
	for _, f := range []func(string) string{RenderPass, RenderWarn, RenderFail, RenderAccent, RenderMuted, RenderBold} {
		if got := f("ok"); !strings.Contains(got, "ok") {
			t.Errorf("render dropped text: %q", got)
		}
	}
}
