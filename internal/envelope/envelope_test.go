package envelope

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalSortsKeys(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"flat object", `{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{"nested object", `{"z":{"y":2,"x":1},"a":[3,2,1]}`, `{"a":[3,2,1],"z":{"x":1,"y":2}}`},
		{"number verbatim", `{"n":1.50}`, `{"n":1.50}`},
		{"null and bool", `{"b":true,"a":null}`, `{"a":null,"b":true}`},
		{"string escaping", `{"s":"a\"b"}`, `{"s":"a\"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical([]byte(tt.in))
			if err != nil {
				t.Fatalf("Canonical: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("Canonical(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalStableAcrossKeyOrder(t *testing.T) {
	a, err := Canonical([]byte(`{"task_id":"T-1","verdict":"PASS","blocking":[]}`))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	b, err := Canonical([]byte(`{"blocking":[],"verdict":"PASS","task_id":"T-1"}`))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestNewSelfVerifies(t *testing.T) {
	env, err := New("T-1", "orchestrator", "codex", TypeTaskAssignment, 1, "", AssignmentPayload{
		SchemaVersion:  1,
		TaskID:         "T-1",
		RequiredAgents: []string{"codex", "claude"},
		Instruction:    "review the change",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.MsgID == "" || env.Nonce == "" {
		t.Fatalf("New left identity fields empty: %+v", env)
	}
	if env.SenderInstanceID != "orchestrator-instance-1" {
		t.Fatalf("SenderInstanceID = %q", env.SenderInstanceID)
	}
	if env.KeyID != "k-orchestrator-v1" {
		t.Fatalf("KeyID = %q", env.KeyID)
	}
	if !Verify(env) {
		t.Fatalf("freshly signed envelope failed verification")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	env, err := New("T-1", "codex", "aggregator", TypeReviewResult, 2, "", ReviewPayload{
		SchemaVersion: 1, TaskID: "T-1", Model: "m", Verdict: VerdictPass,
		Blocking: []Finding{}, NonBlocking: []Finding{},
		Summary: "ok", Confidence: ConfidenceHigh, NextAction: NextActionProceed,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tampered := env
	tampered.Payload = json.RawMessage(strings.Replace(string(env.Payload), `"PASS"`, `"FAIL"`, 1))
	if Verify(tampered) {
		t.Fatalf("tampered payload passed verification")
	}

	tampered = env
	tampered.To = "orchestrator"
	if Verify(tampered) {
		t.Fatalf("tampered routing passed verification")
	}
}

func TestVerifyIgnoresKeyOrder(t *testing.T) {
	env, err := New("T-2", "claude", "aggregator", TypeReviewResult, 2, "", ReviewPayload{
		SchemaVersion: 1, TaskID: "T-2", Model: "m", Verdict: VerdictFail,
		Blocking:    []Finding{{Code: "SEC_VULNERABILITY", Title: "x", Detail: "y", Severity: SeverityHigh}},
		NonBlocking: []Finding{},
		Summary:     "issue", Confidence: ConfidenceMedium, NextAction: NextActionRework,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Round-trip through generic JSON to scramble map key order.
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Verify(decoded) {
		t.Fatalf("round-tripped envelope failed verification")
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New("T-1", "a", "b", "broadcast", 1, "", nil); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestPayloadTaskID(t *testing.T) {
	env := Envelope{Payload: json.RawMessage(`{"task_id":"T-9","verdict":"PASS"}`)}
	got, ok := PayloadTaskID(env)
	if !ok || got != "T-9" {
		t.Fatalf("PayloadTaskID = %q, %v", got, ok)
	}

	env.Payload = json.RawMessage(`{"verdict":"PASS"}`)
	if _, ok := PayloadTaskID(env); ok {
		t.Fatalf("expected ok=false for missing task_id")
	}

	env.Payload = json.RawMessage(`[1,2]`)
	if _, ok := PayloadTaskID(env); ok {
		t.Fatalf("expected ok=false for non-object payload")
	}
}

func TestDecodeTypedPayloads(t *testing.T) {
	env, err := New("T-1", "aggregator", "orchestrator", TypeAggregationResult, 3, "", AggregationPayload{
		SchemaVersion: 1, TaskID: "T-1",
		RequiredAgents: []string{"codex", "claude"},
		ReceivedAgents: []string{"codex", "claude"},
		QuorumReached:  true, Verdict: VerdictPass, NextAction: NextActionProceed,
		SourceMsgIDs: []string{"m1", "m2"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agg, err := DecodeAggregation(env)
	if err != nil {
		t.Fatalf("DecodeAggregation: %v", err)
	}
	if !agg.QuorumReached || agg.Verdict != VerdictPass {
		t.Fatalf("unexpected aggregation payload: %+v", agg)
	}
	if _, err := DecodeReview(env); err == nil {
		t.Fatalf("DecodeReview accepted aggregation envelope")
	}
}
