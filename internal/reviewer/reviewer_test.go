package reviewer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
)

func testProfile(id string) config.ReviewerProfile {
	return config.ReviewerProfile{
		ID:       id,
		Provider: config.ProviderCodex,
		Model:    "test-model",
	}
}

func testAssignment(t *testing.T, taskID, instruction string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(taskID, "orchestrator", "codex", envelope.TypeTaskAssignment, 1, "", envelope.AssignmentPayload{
		SchemaVersion:  envelope.SchemaVersion,
		TaskID:         taskID,
		RequiredAgents: []string{"codex", "claude"},
		Instruction:    instruction,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return env
}

func validReviewJSON(taskID string) string {
	return fmt.Sprintf(`{
		"schema_version": 1,
		"task_id": %q,
		"model": "test-model",
		"verdict": "PASS",
		"blocking": [],
		"non_blocking": [],
		"summary": "looks good",
		"confidence": "high",
		"next_action": "proceed",
		"generated_at": %q
	}`, taskID, time.Now().UTC().Format(time.RFC3339))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"unauthorized", "request failed: 401 Unauthorized", envelope.CodeReviewerAuthError},
		{"invalid key", "Invalid API key provided", envelope.CodeReviewerAuthError},
		{"login prompt", "Please run /login first", envelope.CodeReviewerAuthError},
		{"auth word", "authentication required", envelope.CodeReviewerAuthError},
		{"timeout", "request timed out after 30s", envelope.CodeReviewerNetworkError},
		{"econn", "dial tcp: ECONNREFUSED", envelope.CodeReviewerNetworkError},
		{"dns", "lookup api.example.com: ENOTFOUND", envelope.CodeReviewerNetworkError},
		{"stream", "stream disconnected mid-response", envelope.CodeReviewerNetworkError},
		{"plain crash", "panic: index out of range", envelope.CodeReviewerExecutionError},
		{"empty", "", envelope.CodeReviewerExecutionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Fatalf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyAuthWinsOverNetwork(t *testing.T) {
	got := Classify("401 Unauthorized: network error while refreshing token")
	if got != envelope.CodeReviewerAuthError {
		t.Fatalf("Classify() = %v, want %v", got, envelope.CodeReviewerAuthError)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced json", "prefix\n```json\n{\"a\":1}\n```\nsuffix", `{"a":1}`},
		{"generic fence", "```\n[1,2]\n```", "[1,2]"},
		{"embedded", "the result is {\"a\":{\"b\":2}} done", `{"a":{"b":2}}`},
		{"braces in strings", `{"msg":"use } carefully"}`, `{"msg":"use } carefully"}`},
		{"no json", "nothing here", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.text); got != tt.want {
				t.Fatalf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrapCLIResult(t *testing.T) {
	inner := `{"verdict":"PASS"}`

	wrapped, _ := json.Marshal(map[string]any{"result": inner})
	if got := unwrapCLIResult(string(wrapped)); got != inner {
		t.Fatalf("unwrap result string = %q, want %q", got, inner)
	}

	content, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"text": "here you go:"}, {"text": inner}},
	})
	if got := unwrapCLIResult(string(content)); got != inner {
		t.Fatalf("unwrap content array = %q, want %q", got, inner)
	}

	if got := unwrapCLIResult(inner); got != inner {
		t.Fatalf("unwrap passthrough = %q, want %q", got, inner)
	}
}

func TestValidatorAcceptsValidPayload(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	payload, err := v.Validate(validReviewJSON("task-1"), "task-1")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if payload.Verdict != envelope.VerdictPass {
		t.Fatalf("verdict = %v, want %v", payload.Verdict, envelope.VerdictPass)
	}
	if payload.TaskID != "task-1" {
		t.Fatalf("task_id = %v, want task-1", payload.TaskID)
	}
}

func TestValidatorRejections(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	tests := []struct {
		name   string
		raw    string
		taskID string
	}{
		{"no json", "plain text output", "task-1"},
		{"bad verdict", strings.Replace(validReviewJSON("task-1"), `"PASS"`, `"MAYBE"`, 1), "task-1"},
		{"missing fields", `{"schema_version":1,"task_id":"task-1"}`, "task-1"},
		{"task id mismatch", validReviewJSON("task-2"), "task-1"},
		{"bad schema version", strings.Replace(validReviewJSON("task-1"), `"schema_version": 1`, `"schema_version": 2`, 1), "task-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.raw, tt.taskID); err == nil {
				t.Fatal("Validate() error = nil, want rejection")
			}
		})
	}
}

func TestDeterministicPass(t *testing.T) {
	env := testAssignment(t, "task-1", "review the login change")
	payload := Deterministic{}.Review(t.Context(), testProfile("codex"), env)

	if payload.Verdict != envelope.VerdictPass {
		t.Fatalf("verdict = %v, want %v", payload.Verdict, envelope.VerdictPass)
	}
	if payload.NextAction != envelope.NextActionProceed {
		t.Fatalf("next_action = %v, want %v", payload.NextAction, envelope.NextActionProceed)
	}
	if len(payload.Blocking) != 0 {
		t.Fatalf("blocking findings = %d, want 0", len(payload.Blocking))
	}
}

func TestDeterministicForceFail(t *testing.T) {
	env := testAssignment(t, "task-1", "review this force-fail:codex")

	payload := Deterministic{}.Review(t.Context(), testProfile("codex"), env)
	if payload.Verdict != envelope.VerdictFail {
		t.Fatalf("verdict = %v, want %v", payload.Verdict, envelope.VerdictFail)
	}
	if payload.NextAction != envelope.NextActionRework {
		t.Fatalf("next_action = %v, want %v", payload.NextAction, envelope.NextActionRework)
	}
	if len(payload.Blocking) != 1 || payload.Blocking[0].Code != "TEST_MISSING" {
		t.Fatalf("blocking = %+v, want one TEST_MISSING finding", payload.Blocking)
	}

	// The marker names a specific reviewer; others still pass.
	other := Deterministic{}.Review(t.Context(), testProfile("claude"), env)
	if other.Verdict != envelope.VerdictPass {
		t.Fatalf("other reviewer verdict = %v, want %v", other.Verdict, envelope.VerdictPass)
	}
}

func TestSynthesizeFailure(t *testing.T) {
	payload := SynthesizeFailure(testProfile("codex"), "task-1", envelope.CodeReviewerNetworkError, "dial failed", "")

	if payload.Verdict != envelope.VerdictFail {
		t.Fatalf("verdict = %v, want %v", payload.Verdict, envelope.VerdictFail)
	}
	if payload.NextAction != envelope.NextActionManualReview {
		t.Fatalf("next_action = %v, want %v", payload.NextAction, envelope.NextActionManualReview)
	}
	if len(payload.Blocking) != 1 || payload.Blocking[0].Code != envelope.CodeReviewerNetworkError {
		t.Fatalf("blocking = %+v, want one %s finding", payload.Blocking, envelope.CodeReviewerNetworkError)
	}
	if payload.RawOutputRef == "" {
		t.Fatal("raw_output_ref is empty, want artifact placeholder")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reviewer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCLIReviewHappyPath(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "review.json")
	if err := os.WriteFile(out, []byte(validReviewJSON("task-1")), 0o644); err != nil {
		t.Fatalf("write review fixture: %v", err)
	}

	script := writeScript(t, "cat "+out)
	profile := testProfile("codex")
	profile.CommandTemplate = []string{"/bin/sh", script}

	cli, err := NewCLI(root, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewCLI() error = %v", err)
	}

	payload := cli.Review(t.Context(), profile, testAssignment(t, "task-1", "review it"))
	if payload.Verdict != envelope.VerdictPass {
		t.Fatalf("verdict = %v, want %v: %+v", payload.Verdict, envelope.VerdictPass, payload)
	}
	if payload.RawOutputRef == "" {
		t.Fatal("raw_output_ref is empty, want raw artifact path")
	}
	if _, err := os.Stat(payload.RawOutputRef); err != nil {
		t.Fatalf("raw artifact missing: %v", err)
	}
}

func TestCLIReviewFailuresSynthesizeFail(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantCode string
	}{
		{"auth failure", `echo "401 Unauthorized" >&2; exit 1`, envelope.CodeReviewerAuthError},
		{"network failure", `echo "stream disconnected" >&2; exit 1`, envelope.CodeReviewerNetworkError},
		{"nonzero exit", `echo "boom" >&2; exit 3`, envelope.CodeReviewerExecutionError},
		{"garbage output", `echo "not json at all"`, envelope.CodeReviewerExecutionError},
		{"wrong task id", `cat <<'EOF'
` + validReviewJSON("task-other") + `
EOF`, envelope.CodeReviewerExecutionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			script := writeScript(t, tt.script)
			profile := testProfile("codex")
			profile.CommandTemplate = []string{"/bin/sh", script}

			cli, err := NewCLI(root, time.Minute, nil)
			if err != nil {
				t.Fatalf("NewCLI() error = %v", err)
			}

			payload := cli.Review(t.Context(), profile, testAssignment(t, "task-1", "review it"))
			if payload.Verdict != envelope.VerdictFail {
				t.Fatalf("verdict = %v, want %v", payload.Verdict, envelope.VerdictFail)
			}
			if payload.NextAction != envelope.NextActionManualReview {
				t.Fatalf("next_action = %v, want %v", payload.NextAction, envelope.NextActionManualReview)
			}
			if len(payload.Blocking) != 1 || payload.Blocking[0].Code != tt.wantCode {
				t.Fatalf("blocking = %+v, want one %s finding", payload.Blocking, tt.wantCode)
			}
			if payload.TaskID != "task-1" {
				t.Fatalf("task_id = %v, want task-1", payload.TaskID)
			}
		})
	}
}

func TestRenderCommand(t *testing.T) {
	profile := testProfile("codex")
	profile.CommandTemplate = []string{"codex", "exec", "--model", "{model}", "{prompt}"}

	argv := renderCommand(profile, "the prompt")
	want := []string{"codex", "exec", "--model", "test-model", "the prompt"}
	if len(argv) != len(want) {
		t.Fatalf("argv length = %d, want %d", len(argv), len(want))
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBuildPromptIncludesTaskID(t *testing.T) {
	prompt := buildPrompt(testProfile("codex"), "task-42", envelope.AssignmentPayload{
		Instruction:        "check the diff",
		ReviewInputExcerpt: "diff --git a/x b/x",
	})
	if !strings.Contains(prompt, `"task-42"`) {
		t.Fatalf("prompt missing task id constraint:\n%s", prompt)
	}
	if !strings.Contains(prompt, "check the diff") {
		t.Fatalf("prompt missing instruction:\n%s", prompt)
	}
	if !strings.Contains(prompt, "diff --git") {
		t.Fatalf("prompt missing excerpt:\n%s", prompt)
	}
}
