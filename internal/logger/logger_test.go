package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func plain(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewPrettyHandler(buf, &PrettyOptions{
		HandlerOptions: slog.HandlerOptions{Level: level},
		NoColor:        true,
		MaxListItems:   3,
	}))
}

// body strips the timestamp column.
func body(t *testing.T, line string) string {
	t.Helper()
	_, rest, ok := strings.Cut(strings.TrimSuffix(line, "\n"), " ")
	if !ok {
		t.Fatalf("unexpected line: %q", line)
	}
	return rest
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("saved activations", "arrays", 12)

	output := buf.String()
	if !strings.Contains(output, `"msg":"saved activations"`) {
		t.Fatalf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, `"arrays":12`) {
		t.Fatalf("expected arrays=12 in JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"level":"INFO"`) {
		t.Fatalf("expected level INFO in output, got: %s", output)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestWithAndContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).With("model", "model_float.onnx").WithGroup("run").Info("loaded", "nodes", 3)

	output := buf.String()
	if !strings.Contains(output, `"model":"model_float.onnx"`) {
		t.Fatalf("expected model attr in output, got: %s", output)
	}
	if !strings.Contains(output, `"run":{"nodes":3}`) {
		t.Fatalf("expected grouped attr in output, got: %s", output)
	}
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" Warn ", slog.LevelWarn},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &PrettyOptions{HandlerOptions: slog.HandlerOptions{Level: slog.LevelWarn}})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
	if NewPrettyHandler(&bytes.Buffer{}, nil).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be disabled by default")
	}
}

func TestPrettyStagePrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo)
	log.With("stage", "quantize").Info("stage finished", "elapsed", 1204567*time.Microsecond)
	log.Warn("bits ignored", "stage", "load", "bits_act", 4)

	lines := strings.SplitAfter(buf.String(), "\n")
	got := []string{body(t, lines[0]), body(t, lines[1])}
	want := []string{
		"INFO  [quantize] stage finished elapsed=1.205s",
		"WARN  [load] bits ignored bits_act=4",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPrettyValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	plain(&buf, slog.LevelDebug).Debug("collected",
		"shape", []int{4, 197, 192},
		"bias", []int{192},
		"names", []string{"a", "b", "c", "d", "e"},
		"path", "ptq out/x.npz",
		"top1", 71.25,
		"err", errors.New("tensor not found"),
	)

	want := `DEBUG collected shape=(4, 197, 192) bias=(192,) names=[a b c ...+2] path="ptq out/x.npz" top1=71.25 err="tensor not found"`
	if diff := cmp.Diff(want, body(t, buf.String())); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &PrettyOptions{NoColor: true}).
		WithAttrs([]slog.Attr{slog.String("run", "r1")}).
		WithGroup("a").
		WithAttrs([]slog.Attr{slog.Int("x", 1)}).
		WithGroup("b"))
	log.Info("nested", "key", "val", "stage", "export")

	want := "INFO  nested run=r1 a.x=1 a.b.key=val a.b.stage=export"
	if diff := cmp.Diff(want, body(t, buf.String())); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Error("boom", "stage", "export")
	out := buf.String()
	if !strings.Contains(out, colorRed) || !strings.Contains(out, colorGreen+"[export] ") {
		t.Fatalf("expected colored level and stage, got: %q", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"/model/Add_output_0", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", false},
	}

	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"stage finished"`},
		{"text", `msg="stage finished"`},
		{"pretty", "stage finished"},
		{"", "stage finished"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log := Setup(&buf, tc.format, "info")
		log.Debug("hidden")
		log.Info("stage finished", "stage", "export")
		out := buf.String()
		if !strings.Contains(out, tc.want) {
			t.Errorf("Setup(%q): expected %q in output, got: %s", tc.format, tc.want, out)
		}
		if strings.Contains(out, "hidden") {
			t.Errorf("Setup(%q): debug record written at info level: %s", tc.format, out)
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("stage", "quantize")
	// Should not panic
	log.Error("dropped")
}
