package envelope

import (
	"encoding/json"
	"fmt"
)

// Review verdicts and next actions.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"

	NextActionProceed      = "proceed"
	NextActionRework       = "rework"
	NextActionManualReview = "manual_review_required"

	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Finding severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Reviewer failure classes, carried as blocking finding codes on
// synthesized FAIL reviews.
const (
	CodeReviewerAuthError      = "REVIEWER_AUTH_ERROR"
	CodeReviewerNetworkError   = "REVIEWER_NETWORK_ERROR"
	CodeReviewerExecutionError = "REVIEWER_EXECUTION_ERROR"
)

// AssignmentPayload is carried by task_assignment messages.
type AssignmentPayload struct {
	SchemaVersion      int      `json:"schema_version"`
	TaskID             string   `json:"task_id"`
	ReviewRequestRef   string   `json:"review_request_ref"`
	ReviewInputRef     string   `json:"review_input_ref"`
	ReviewInputSource  string   `json:"review_input_source"`
	ReviewInputExcerpt string   `json:"review_input_excerpt"`
	ReviewerModelHint  string   `json:"reviewer_model_hint"`
	RequiredAgents     []string `json:"required_agents"`
	Instruction        string   `json:"instruction"`
}

// Finding is a single review finding.
type Finding struct {
	Code     string `json:"code"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
	FilePath string `json:"file_path,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// ReviewPayload is carried by review_result messages.
type ReviewPayload struct {
	SchemaVersion int       `json:"schema_version"`
	TaskID        string    `json:"task_id"`
	Model         string    `json:"model"`
	Verdict       string    `json:"verdict"`
	Blocking      []Finding `json:"blocking"`
	NonBlocking   []Finding `json:"non_blocking"`
	Summary       string    `json:"summary"`
	Confidence    string    `json:"confidence"`
	NextAction    string    `json:"next_action"`
	GeneratedAt   string    `json:"generated_at"`
	RawOutputRef  string    `json:"raw_output_ref,omitempty"`
}

// AggregationPayload is carried by aggregation_result messages.
type AggregationPayload struct {
	SchemaVersion  int      `json:"schema_version"`
	TaskID         string   `json:"task_id"`
	RequiredAgents []string `json:"required_agents"`
	ReceivedAgents []string `json:"received_agents"`
	QuorumReached  bool     `json:"quorum_reached"`
	Verdict        string   `json:"verdict"`
	BlockingCount  int      `json:"blocking_count"`
	Disagree       bool     `json:"disagree"`
	NextAction     string   `json:"next_action"`
	GeneratedAt    string   `json:"generated_at"`
	SourceMsgIDs   []string `json:"source_msg_ids"`
}

// ControlPayload is carried by control messages.
type ControlPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TaskID        string `json:"task_id"`
	Command       string `json:"command"`
	Detail        string `json:"detail,omitempty"`
}

// ErrorPayload is carried by error messages.
type ErrorPayload struct {
	SchemaVersion int    `json:"schema_version"`
	TaskID        string `json:"task_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// DecodeAssignment decodes a task_assignment payload.
func DecodeAssignment(env Envelope) (AssignmentPayload, error) {
	if env.Type != TypeTaskAssignment {
		return AssignmentPayload{}, fmt.Errorf("envelope type %q is not %s", env.Type, TypeTaskAssignment)
	}
	var p AssignmentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return AssignmentPayload{}, fmt.Errorf("decode assignment payload: %w", err)
	}
	return p, nil
}

// DecodeReview decodes a review_result payload.
func DecodeReview(env Envelope) (ReviewPayload, error) {
	if env.Type != TypeReviewResult {
		return ReviewPayload{}, fmt.Errorf("envelope type %q is not %s", env.Type, TypeReviewResult)
	}
	var p ReviewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return ReviewPayload{}, fmt.Errorf("decode review payload: %w", err)
	}
	return p, nil
}

// DecodeAggregation decodes an aggregation_result payload.
func DecodeAggregation(env Envelope) (AggregationPayload, error) {
	if env.Type != TypeAggregationResult {
		return AggregationPayload{}, fmt.Errorf("envelope type %q is not %s", env.Type, TypeAggregationResult)
	}
	var p AggregationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return AggregationPayload{}, fmt.Errorf("decode aggregation payload: %w", err)
	}
	return p, nil
}
