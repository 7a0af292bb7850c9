package reviewer

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

	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
)

const maxCLIOutputBytes = 10 * 1024 * 1024

// CLI runs reviewer command-line tools described by a command template
// and validates their output before it enters the message flow. Any
// failure produces a synthesized FAIL so the loop never stalls on a
// broken reviewer.
type CLI struct {
	rootDir   string
	timeout   time.Duration
	validator *Validator
	logger    *slog.Logger
}

// NewCLI creates a CLI runner writing raw output artifacts under
// rootDir/artifacts/raw.
func NewCLI(rootDir string, timeout time.Duration, logger *slog.Logger) (*CLI, error) {
	if timeout <= 0 {
		timeout = 7 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "artifacts", "raw"), 0o755); err != nil {
		return nil, fmt.Errorf("create raw output dir: %w", err)
	}
	return &CLI{rootDir: rootDir, timeout: timeout, validator: validator, logger: logger}, nil
}

// Review executes the reviewer CLI for an assignment and returns its
// validated payload, or a synthesized FAIL when execution or validation
// fails.
func (c *CLI) Review(ctx context.Context, profile config.ReviewerProfile, assignment envelope.Envelope) envelope.ReviewPayload {
	taskID := assignment.TaskID
	payload, err := envelope.DecodeAssignment(assignment)
	if err != nil {
		return SynthesizeFailure(profile, taskID, envelope.CodeReviewerExecutionError, err.Error(), "")
	}

	prompt := buildPrompt(profile, taskID, payload)
	argv := renderCommand(profile, prompt)
	if len(argv) == 0 {
		return SynthesizeFailure(profile, taskID, envelope.CodeReviewerExecutionError, "empty command template", "")
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = buildEnv(profile)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	rawRef := c.writeRawOutput(taskID, profile.ID, argv, runErr, stdout.Bytes(), stderr.Bytes())

	c.logger.Info("reviewer cli finished",
		"reviewer_id", profile.ID,
		"task_id", taskID,
		"duration_ms", time.Since(started).Milliseconds(),
		"err", runErr != nil,
	)

	if runErr != nil {
		detail := fmt.Sprintf("%s execution error: %v\nstderr=%s", profile.ID, runErr, truncate(stderr.String(), 2000))
		return SynthesizeFailure(profile, taskID, Classify(detail), detail, rawRef)
	}
	if stdout.Len() > maxCLIOutputBytes {
		detail := fmt.Sprintf("%s output exceeds %d bytes", profile.ID, maxCLIOutputBytes)
		return SynthesizeFailure(profile, taskID, envelope.CodeReviewerExecutionError, detail, rawRef)
	}

	jsonStr := extractJSON(stdout.String())
	if jsonStr == "" {
		detail := fmt.Sprintf("%s output contains no JSON", profile.ID)
		return SynthesizeFailure(profile, taskID, Classify(stdout.String()+stderr.String()), detail, rawRef)
	}
	if profile.Provider == config.ProviderClaude {
		jsonStr = unwrapCLIResult(jsonStr)
	}

	review, err := c.validator.Validate(jsonStr, taskID)
	if err != nil {
		return SynthesizeFailure(profile, taskID, envelope.CodeReviewerExecutionError, err.Error(), rawRef)
	}
	if review.RawOutputRef == "" {
		review.RawOutputRef = rawRef
	}
	if review.Model == "" {
		review.Model = profile.Model
	}
	return review
}

// buildPrompt assembles the reviewer prompt from the profile and the
// assignment context.
func buildPrompt(profile config.ReviewerProfile, taskID string, payload envelope.AssignmentPayload) string {
	base := strings.TrimSpace(profile.Instruction)
	if base == "" {
		base = fmt.Sprintf("You are %s, a code reviewer. Review the provided change and report findings.", profile.ID)
	}
	excerpt := payload.ReviewInputExcerpt
	if excerpt == "" {
		excerpt = "(none)"
	}
	lines := []string{
		base,
		"",
		"Additional constraints for the runtime adapter:",
		"- Return only a JSON object.",
		"- Keep schema_version=1 and include all required fields.",
		fmt.Sprintf("- Set task_id exactly to %q.", taskID),
		"- Do not execute shell commands or any external tools.",
		"",
		"Assignment:",
		payload.Instruction,
		"",
		"Review context:",
		"- review_input_ref: " + orNone(payload.ReviewInputRef),
		"- review_input_source: " + orNone(payload.ReviewInputSource),
		"",
		"Review input excerpt (truncated):",
		excerpt,
	}
	return strings.Join(lines, "\n")
}

// renderCommand substitutes {prompt} and {model} placeholders in the
// profile's command template.
func renderCommand(profile config.ReviewerProfile, prompt string) []string {
	out := make([]string, 0, len(profile.CommandTemplate))
	for _, arg := range profile.CommandTemplate {
		arg = strings.ReplaceAll(arg, "{prompt}", prompt)
		arg = strings.ReplaceAll(arg, "{model}", profile.Model)
		out = append(out, arg)
	}
	return out
}

func buildEnv(profile config.ReviewerProfile) []string {
	env := os.Environ()
	for k, v := range profile.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (c *CLI) writeRawOutput(taskID, reviewerID string, argv []string, runErr error, stdout, stderr []byte) string {
	name := fmt.Sprintf("%s--%s--%d.txt", taskID, reviewerID, time.Now().UnixMilli())
	path := filepath.Join(c.rootDir, "artifacts", "raw", name)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "cmd: %s\n", strings.Join(argv, " "))
	fmt.Fprintf(&buf, "err: %v\n", runErr)
	buf.WriteString("stdout:\n")
	buf.Write(stdout)
	buf.WriteString("\nstderr:\n")
	buf.Write(stderr)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		c.logger.Warn("failed to write raw reviewer output", "path", path, "error", err)
		return fmt.Sprintf("artifact://%s/%s/unwritten/%d", taskID, reviewerID, time.Now().UnixMilli())
	}
	return path
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
