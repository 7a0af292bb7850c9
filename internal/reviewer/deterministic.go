package reviewer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
)

// Deterministic is a runner for tests and offline runs. It passes every
// assignment unless the instruction carries an explicit failure marker
// for this reviewer.
type Deterministic struct{}

// Review produces a PASS verdict, or a FAIL with one blocking finding
// when the instruction contains "force-fail:<reviewer id>".
func (Deterministic) Review(_ context.Context, profile config.ReviewerProfile, assignment envelope.Envelope) envelope.ReviewPayload {
	payload, err := envelope.DecodeAssignment(assignment)
	if err != nil {
		return SynthesizeFailure(profile, assignment.TaskID, envelope.CodeReviewerExecutionError, err.Error(), "")
	}

	forceFail := strings.Contains(payload.Instruction, "force-fail:"+profile.ID)
	blocking := []envelope.Finding{}
	if forceFail {
		blocking = append(blocking, envelope.Finding{
			Code:     "TEST_MISSING",
			Title:    "Critical Test Missing",
			Detail:   "Required regression test is missing",
			Severity: envelope.SeverityHigh,
		})
	}

	verdict := envelope.VerdictPass
	summary := fmt.Sprintf("%s review passed", profile.ID)
	nextAction := envelope.NextActionProceed
	if forceFail {
		verdict = envelope.VerdictFail
		summary = fmt.Sprintf("%s found blocking issue", profile.ID)
		nextAction = envelope.NextActionRework
	}

	return envelope.ReviewPayload{
		SchemaVersion: envelope.SchemaVersion,
		TaskID:        assignment.TaskID,
		Model:         profile.Model,
		Verdict:       verdict,
		Blocking:      blocking,
		NonBlocking:   []envelope.Finding{},
		Summary:       summary,
		Confidence:    envelope.ConfidenceHigh,
		NextAction:    nextAction,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		RawOutputRef:  fmt.Sprintf("artifact://%s/%s/%d", assignment.TaskID, profile.ID, time.Now().UnixMilli()),
	}
}
