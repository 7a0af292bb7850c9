package reviewctx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxChars int
	}{
		{"short text unchanged", "hello", 100},
		{"exact length unchanged", "abcd", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.text, tt.maxChars); got != tt.text {
				t.Fatalf("Truncate() = %q, want %q", got, tt.text)
			}
		})
	}
}

func TestTruncateZeroBudget(t *testing.T) {
	if got := Truncate("anything", 0); got != "" {
		t.Fatalf("Truncate() = %q, want empty", got)
	}
}

func TestTruncateKeepsHeadAndTail(t *testing.T) {
	text := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	got := Truncate(text, 100)

	if !strings.HasPrefix(got, "aaaa") {
		t.Fatalf("truncated text lost head: %q", got[:20])
	}
	if !strings.HasSuffix(got, "zzzz") {
		t.Fatalf("truncated text lost tail: %q", got[len(got)-20:])
	}
	if !strings.Contains(got, "...<truncated 900 chars>...") {
		t.Fatalf("truncated text missing elision marker: %q", got)
	}
}

func TestCaptureOutsideGitFallsBack(t *testing.T) {
	repo := t.TempDir()
	root := t.TempDir()
	src := NewGitSource(repo, root, false, nil)

	input := src.Capture(t.Context(), "task-1", "review the widget change")

	if input.Source != SourceInstructionOnly {
		t.Fatalf("source = %v, want %v", input.Source, SourceInstructionOnly)
	}
	if input.Ref == "" {
		t.Fatal("ref is empty, want artifact path")
	}

	data, err := os.ReadFile(input.Ref)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, "## instruction") {
		t.Fatalf("artifact missing instruction section:\n%s", body)
	}
	if !strings.Contains(body, "review the widget change") {
		t.Fatalf("artifact missing instruction text:\n%s", body)
	}
	if !strings.Contains(body, "task_id: task-1") {
		t.Fatalf("artifact missing meta section:\n%s", body)
	}

	if input.Excerpt == "" {
		t.Fatal("excerpt is empty")
	}
	if !strings.Contains(input.Excerpt, "review the widget change") {
		t.Fatalf("excerpt missing instruction: %q", input.Excerpt)
	}
}

func TestCaptureWritesArtifactPerTask(t *testing.T) {
	repo := t.TempDir()
	root := t.TempDir()
	src := NewGitSource(repo, root, false, nil)

	a := src.Capture(t.Context(), "task-a", "first")
	b := src.Capture(t.Context(), "task-b", "second")

	if a.Ref == b.Ref {
		t.Fatalf("artifacts share a path: %v", a.Ref)
	}
	wantA := filepath.Join(root, "artifacts", "task-a", "review-input.md")
	if a.Ref != wantA {
		t.Fatalf("artifact path = %v, want %v", a.Ref, wantA)
	}
}

func TestCaptureRespectsExcerptBudget(t *testing.T) {
	repo := t.TempDir()
	root := t.TempDir()
	src := NewGitSource(repo, root, false, nil)
	src.ExcerptChars = 80

	input := src.Capture(t.Context(), "task-1", strings.Repeat("long instruction ", 100))

	if len(input.Excerpt) > 80+len("\n\n...<truncated 99999 chars>...\n\n") {
		t.Fatalf("excerpt length = %d, want bounded near 80", len(input.Excerpt))
	}
	if !strings.Contains(input.Excerpt, "truncated") {
		t.Fatalf("excerpt missing elision marker: %q", input.Excerpt)
	}
}
