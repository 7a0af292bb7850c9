// Package quorum implements the aggregation decision rules. All functions
// are pure; persistence and publish-once enforcement live elsewhere.
package quorum

import (
	"sort"

	"github.com/basket/parley/internal/envelope"
	"github.com/basket/parley/internal/state"
)

// Outcome is the aggregate across a task's required reviews.
type Outcome struct {
	QuorumReached  bool
	Verdict        string
	BlockingCount  int
	Disagree       bool
	NextAction     string
	ReceivedAgents []string
	SourceMsgIDs   []string
}

// Operational gate states, ordered by severity.
const (
	GateBlockAndFixAuth          = "block_and_fix_auth"
	GateManualReviewNetworkRetry = "manual_review_network_retry"
	GateManualReviewExecRetry    = "manual_review_execution_retry"
	GateHealthy                  = "healthy"
)

// Decide computes the aggregate outcome for the required reviewer set.
// Quorum requires a recorded review from every required reviewer; until
// then only QuorumReached and the received set are meaningful.
func Decide(required []string, reviews map[string]state.ReviewRecord) Outcome {
	out := Outcome{Verdict: envelope.VerdictPass}

	received := make([]string, 0, len(reviews))
	for id := range reviews {
		received = append(received, id)
	}
	sort.Strings(received)
	out.ReceivedAgents = received

	quorum := true
	for _, id := range required {
		if _, ok := reviews[id]; !ok {
			quorum = false
			break
		}
	}
	out.QuorumReached = quorum
	if !quorum {
		return out
	}

	hasExecError := false
	verdicts := make(map[string]bool, 2)
	for _, id := range required {
		rec := reviews[id]
		out.BlockingCount += rec.BlockingCount
		out.SourceMsgIDs = append(out.SourceMsgIDs, rec.MsgID)
		verdicts[rec.Verdict] = true
		if rec.Verdict == envelope.VerdictFail {
			out.Verdict = envelope.VerdictFail
		}
		if rec.HasExecutionError {
			hasExecError = true
		}
	}
	if out.BlockingCount > 0 {
		out.Verdict = envelope.VerdictFail
	}
	out.Disagree = len(verdicts) > 1

	switch {
	case hasExecError:
		out.NextAction = envelope.NextActionManualReview
	case out.Disagree:
		out.NextAction = envelope.NextActionManualReview
	case out.Verdict == envelope.VerdictPass:
		out.NextAction = envelope.NextActionProceed
	default:
		out.NextAction = envelope.NextActionRework
	}
	return out
}

// OperationalGate maps reviewer failure tallies to the runbook gate for the
// run. Auth failures dominate network failures dominate execution failures.
func OperationalGate(counts state.FailureCounts) string {
	switch {
	case counts.Auth > 0:
		return GateBlockAndFixAuth
	case counts.Network > 0:
		return GateManualReviewNetworkRetry
	case counts.Execution > 0:
		return GateManualReviewExecRetry
	default:
		return GateHealthy
	}
}
