package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
)

func testConfig() config.Config {
	return config.Config{
		OrchestratorID: "orchestrator",
		AggregatorID:   "aggregator",
		Reviewers: []config.ReviewerProfile{
			{ID: "codex", Provider: config.ProviderCodex},
			{ID: "claude", Provider: config.ProviderClaude},
		},
	}
}

func signedReview(t *testing.T, sender, to string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("T-1", sender, to, envelope.TypeReviewResult, 2, "", envelope.ReviewPayload{
		SchemaVersion: 1, TaskID: "T-1", Model: "m", Verdict: envelope.VerdictPass,
		Blocking: []envelope.Finding{}, NonBlocking: []envelope.Finding{},
		Summary: "ok", Confidence: envelope.ConfidenceHigh, NextAction: envelope.NextActionProceed,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestValidateAccepts(t *testing.T) {
	p := Build(testConfig())
	env := signedReview(t, "codex", "aggregator")
	if v := p.Validate(env); v != nil {
		t.Fatalf("Validate rejected valid envelope: %v", v)
	}
}

func TestValidateSenderIDMismatch(t *testing.T) {
	p := Build(testConfig())
	env := signedReview(t, "codex", "aggregator")
	env.From = "claude"
	v := p.Validate(env)
	if v == nil || v.Code != CodeSenderIDMismatch {
		t.Fatalf("Validate = %v, want %s", v, CodeSenderIDMismatch)
	}
}

func TestValidateACLDeny(t *testing.T) {
	p := Build(testConfig())
	// An aggregator has no business publishing review results.
	env, err := envelope.New("T-1", "aggregator", "aggregator", envelope.TypeReviewResult, 2, "", envelope.ReviewPayload{
		SchemaVersion: 1, TaskID: "T-1", Verdict: envelope.VerdictPass,
		Blocking: []envelope.Finding{}, NonBlocking: []envelope.Finding{},
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	v := p.Validate(env)
	if v == nil || v.Code != CodeACLDeny {
		t.Fatalf("Validate = %v, want %s", v, CodeACLDeny)
	}
}

func TestValidateInvalidRoute(t *testing.T) {
	p := Build(testConfig())
	env, err := envelope.New("T-1", "aggregator", "codex", envelope.TypeAggregationResult, 3, "", envelope.AggregationPayload{
		SchemaVersion: 1, TaskID: "T-1", Verdict: envelope.VerdictPass,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	v := p.Validate(env)
	if v == nil || v.Code != CodeInvalidRoute {
		t.Fatalf("Validate = %v, want %s", v, CodeInvalidRoute)
	}
}

func TestValidateSignatureInvalid(t *testing.T) {
	p := Build(testConfig())
	env := signedReview(t, "codex", "aggregator")
	env.Signature = "0000"
	v := p.Validate(env)
	if v == nil || v.Code != CodeSignatureInvalid {
		t.Fatalf("Validate = %v, want %s", v, CodeSignatureInvalid)
	}
}

func TestValidateTaskIDMismatch(t *testing.T) {
	p := Build(testConfig())
	env, err := envelope.New("T-2", "codex", "aggregator", envelope.TypeReviewResult, 2, "", envelope.ReviewPayload{
		SchemaVersion: 1, TaskID: "T-1", Verdict: envelope.VerdictPass,
		Blocking: []envelope.Finding{}, NonBlocking: []envelope.Finding{},
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	v := p.Validate(env)
	if v == nil || v.Code != CodeTaskIDMismatch {
		t.Fatalf("Validate = %v, want %s", v, CodeTaskIDMismatch)
	}
}

func TestValidateFirstFailureWins(t *testing.T) {
	p := Build(testConfig())
	// Identity and signature both broken: the identity check fires first.
	env := signedReview(t, "codex", "aggregator")
	env.From = "claude"
	env.Signature = "0000"
	v := p.Validate(env)
	if v == nil || v.Code != CodeSenderIDMismatch {
		t.Fatalf("Validate = %v, want %s first", v, CodeSenderIDMismatch)
	}
}

func TestValidateAssignmentSkipsTaskIDMatch(t *testing.T) {
	p := Build(testConfig())
	// task_assignment is outside the default match set.
	env, err := envelope.New("T-2", "orchestrator", "codex", envelope.TypeTaskAssignment, 1, "", envelope.AssignmentPayload{
		SchemaVersion: 1, TaskID: "T-1", RequiredAgents: []string{"codex"},
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if v := p.Validate(env); v != nil {
		t.Fatalf("Validate rejected assignment outside match set: %v", v)
	}
}

func TestLivePolicyReloadFromFile(t *testing.T) {
	base := Build(testConfig())
	lp := NewLivePolicy(base)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("require_task_id_match: false\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := lp.ReloadFromFile(path); err != nil {
		t.Fatalf("ReloadFromFile: %v", err)
	}

	env, err := envelope.New("T-2", "codex", "aggregator", envelope.TypeReviewResult, 2, "", envelope.ReviewPayload{
		SchemaVersion: 1, TaskID: "T-1", Verdict: envelope.VerdictPass,
		Blocking: []envelope.Finding{}, NonBlocking: []envelope.Finding{},
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if v := lp.Validate(env); v != nil {
		t.Fatalf("match check should be disabled after reload, got %v", v)
	}
}

func TestLivePolicyKeepsPreviousOnBadReload(t *testing.T) {
	lp := NewLivePolicy(Build(testConfig()))
	before := lp.Version()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("task_id_match_types: [broadcast]\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := lp.ReloadFromFile(path); err == nil {
		t.Fatalf("expected reload error for unknown message type")
	}
	if lp.Version() != before {
		t.Fatalf("policy changed despite failed reload")
	}
}

func TestVersionStable(t *testing.T) {
	p := Build(testConfig())
	if p.Version() != p.Version() {
		t.Fatalf("Version not stable")
	}
	other := Build(config.Config{
		OrchestratorID: "orchestrator",
		AggregatorID:   "aggregator",
		Reviewers:      []config.ReviewerProfile{{ID: "solo", Provider: config.ProviderCodex}},
	})
	if p.Version() == other.Version() {
		t.Fatalf("different topologies produced equal versions")
	}
}
