// Package reviewctx captures the material reviewers are asked to judge.
// It snapshots the repository working tree into a review-input.md
// artifact and produces a bounded excerpt for inline delivery.
package reviewctx

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Input sources.
const (
	SourceInstructionOnly = "instruction_only"
	SourceGitWorkingTree  = "git_working_tree"
)

// Default character budgets for the artifact and the inline excerpt.
const (
	DefaultMaxChars     = 120000
	DefaultExcerptChars = 24000
)

// Input describes captured review material: a file artifact, its
// source, and a truncated inline excerpt.
type Input struct {
	Ref     string
	Source  string
	Excerpt string
}

// Source captures review input for a task. Capture never fails: when
// repository state is unavailable it degrades to instruction-only
// material.
type Source interface {
	Capture(ctx context.Context, taskID, instruction string) Input
}

// GitSource snapshots the git working tree of a repository.
type GitSource struct {
	RepoRoot     string
	ArtifactDir  string
	MaxChars     int
	ExcerptChars int
	IncludeDiff  bool
	Logger       *slog.Logger
}

// NewGitSource creates a source with default character budgets, writing
// artifacts under rootDir/artifacts.
func NewGitSource(repoRoot, rootDir string, includeDiff bool, logger *slog.Logger) *GitSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitSource{
		RepoRoot:     repoRoot,
		ArtifactDir:  filepath.Join(rootDir, "artifacts"),
		MaxChars:     DefaultMaxChars,
		ExcerptChars: DefaultExcerptChars,
		IncludeDiff:  includeDiff,
		Logger:       logger,
	}
}

// Capture builds review-input.md for the task. It collects git branch,
// status, and diff summaries when the repo root is a git working tree,
// and falls back to the instruction alone when it is not.
func (s *GitSource) Capture(ctx context.Context, taskID, instruction string) Input {
	var sections []string
	add := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			body = "(empty)"
		}
		sections = append(sections, fmt.Sprintf("## %s\n%s", title, body))
	}

	detail := "summary_only"
	if s.IncludeDiff {
		detail = "full_diff"
	}
	add("meta", strings.Join([]string{
		"task_id: " + taskID,
		"generated_at: " + time.Now().UTC().Format(time.RFC3339),
		"repo_root: " + s.RepoRoot,
		"detail_level: " + detail,
	}, "\n"))
	add("instruction", instruction)

	probe := s.runGit(ctx, 6*time.Second, "rev-parse", "--is-inside-work-tree")
	if strings.TrimSpace(probe.stdout) != "true" {
		add("git_probe", probe.render())
		return s.finish(taskID, sections, SourceInstructionOnly)
	}

	appendCommand := func(title string, timeout time.Duration, args ...string) {
		run := s.runGit(ctx, timeout, args...)
		add(title, run.render())
	}

	appendCommand("git_branch", 6*time.Second, "rev-parse", "--abbrev-ref", "HEAD")
	appendCommand("git_head", 6*time.Second, "rev-parse", "HEAD")
	appendCommand("git_status", 12*time.Second, "status", "--short", "--untracked-files=all")
	appendCommand("git_diff_stat_worktree", 12*time.Second, "diff", "--no-color", "--stat", "--", ".")
	appendCommand("git_diff_stat_staged", 12*time.Second, "diff", "--cached", "--no-color", "--stat", "--", ".")
	appendCommand("git_untracked_files", 12*time.Second, "ls-files", "--others", "--exclude-standard")
	if s.IncludeDiff {
		appendCommand("git_diff_worktree", 20*time.Second, "diff", "--no-color", "--", ".")
		appendCommand("git_diff_staged", 20*time.Second, "diff", "--cached", "--no-color", "--", ".")
	}

	return s.finish(taskID, sections, SourceGitWorkingTree)
}

func (s *GitSource) finish(taskID string, sections []string, source string) Input {
	capped := Truncate(strings.Join(sections, "\n\n"), s.MaxChars)
	ref := s.writeArtifact(taskID, capped)
	return Input{
		Ref:     ref,
		Source:  source,
		Excerpt: Truncate(capped, s.ExcerptChars),
	}
}

func (s *GitSource) writeArtifact(taskID, text string) string {
	dir := filepath.Join(s.ArtifactDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.Logger.Warn("failed to create artifact dir", "dir", dir, "error", err)
		return fmt.Sprintf("artifact://%s/review-input.md", taskID)
	}
	path := filepath.Join(dir, "review-input.md")
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		s.Logger.Warn("failed to write review input artifact", "path", path, "error", err)
		return fmt.Sprintf("artifact://%s/review-input.md", taskID)
	}
	return path
}

type gitResult struct {
	args   []string
	stdout string
	stderr string
	err    error
}

func (r gitResult) render() string {
	parts := []string{"cmd: git " + strings.Join(r.args, " ")}
	if r.err != nil {
		parts = append(parts, "error:\n"+r.err.Error())
	}
	parts = append(parts, "stdout:\n"+orNone(r.stdout), "stderr:\n"+orNone(r.stderr))
	return strings.Join(parts, "\n")
}

func (s *GitSource) runGit(ctx context.Context, timeout time.Duration, args ...string) gitResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = s.RepoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return gitResult{args: args, stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// Truncate bounds text to maxChars, keeping roughly the first three
// quarters and the final quarter with an elision marker between them.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	head := maxChars * 3 / 4
	if head < 1 {
		head = 1
	}
	tail := maxChars - head
	if tail < 1 {
		tail = 1
	}
	removed := len(text) - head - tail
	return fmt.Sprintf("%s\n\n...<truncated %d chars>...\n\n%s", text[:head], removed, text[len(text)-tail:])
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
