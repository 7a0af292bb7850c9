// Package reviewer executes review assignments and produces review
// payloads. Runners never return errors: any failure is converted into
// a synthesized FAIL payload so the coordination loop always receives
// a verdict.
package reviewer

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
)

// Runner turns a validated task_assignment into a review payload.
type Runner interface {
	Review(ctx context.Context, profile config.ReviewerProfile, assignment envelope.Envelope) envelope.ReviewPayload
}

var (
	authPattern    = regexp.MustCompile(`(?i)401 Unauthorized|Invalid API key|Missing bearer|Please run /login|authentication`)
	networkPattern = regexp.MustCompile(`(?i)network error|stream disconnected|timed out|ECONN|ENOTFOUND|EAI_AGAIN|ETIMEDOUT`)
)

// Classify maps raw CLI failure text to a reviewer failure code.
// Auth indicators win over network indicators; everything else is an
// execution error.
func Classify(text string) string {
	if authPattern.MatchString(text) {
		return envelope.CodeReviewerAuthError
	}
	if networkPattern.MatchString(text) {
		return envelope.CodeReviewerNetworkError
	}
	return envelope.CodeReviewerExecutionError
}

// SynthesizeFailure builds the fail-closed review payload recorded when
// a reviewer cannot produce a valid result.
func SynthesizeFailure(profile config.ReviewerProfile, taskID, code, detail, rawOutputRef string) envelope.ReviewPayload {
	if rawOutputRef == "" {
		rawOutputRef = fmt.Sprintf("artifact://%s/%s/execution-error/%d", taskID, profile.ID, time.Now().UnixMilli())
	}
	return envelope.ReviewPayload{
		SchemaVersion: envelope.SchemaVersion,
		TaskID:        taskID,
		Model:         profile.Model,
		Verdict:       envelope.VerdictFail,
		Blocking: []envelope.Finding{{
			Code:     code,
			Title:    "Reviewer execution failed",
			Detail:   detail,
			Severity: envelope.SeverityHigh,
		}},
		NonBlocking:  []envelope.Finding{},
		Summary:      fmt.Sprintf("%s execution failed", profile.ID),
		Confidence:   envelope.ConfidenceMedium,
		NextAction:   envelope.NextActionManualReview,
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		RawOutputRef: rawOutputRef,
	}
}
