package coordinator

import (
	"context"
	"fmt"

	"github.com/basket/parley/internal/quorum"
	"github.com/basket/parley/internal/state"
)

// ReviewerAgent summarizes one configured reviewer in the run report.
type ReviewerAgent struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name,omitempty"`
}

// DedupPolicy documents the idempotency contract in the run report.
type DedupPolicy struct {
	Key             string `json:"key"`
	Store           string `json:"store"`
	SurvivesRestart bool   `json:"survives_restart"`
	Retention       string `json:"retention"`
}

// Report is the machine-readable summary of a coordination run.
type Report struct {
	Mode              string              `json:"mode"`
	RootDir           string              `json:"root_dir"`
	TaskID            string              `json:"task_id"`
	ReviewerMode      string              `json:"reviewer_mode"`
	CLITimeoutSeconds int                 `json:"cli_timeout_seconds"`
	Passes            int                 `json:"passes"`
	TotalActions      int                 `json:"total_actions"`
	ReceiptCount      int                 `json:"receipt_count"`
	OrchestratorID    string              `json:"orchestrator_id"`
	AggregatorID      string              `json:"aggregator_id"`
	ReviewerAgents    []ReviewerAgent     `json:"reviewer_agents"`
	DeadletterByAgent map[string]int      `json:"deadletter_by_agent"`
	QuarantineCount   int                 `json:"quarantine_count"`
	FailureCounts     state.FailureCounts `json:"reviewer_failure_counts"`
	OperationalGate   string              `json:"operational_gate"`
	PolicyVersion     string              `json:"policy_version"`
	ConfigFingerprint string              `json:"config_fingerprint"`
	DedupPolicy       DedupPolicy         `json:"dedup_policy"`
	FinalDecision     *state.Decision     `json:"final_decision"`
}

// BuildReport assembles the run summary for a task after the pass loop
// finishes.
func (r *Runtime) BuildReport(ctx context.Context, taskID string, passes, totalActions int) (Report, error) {
	receiptCount, err := r.state.ReceiptCount(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("receipt count: %w", err)
	}
	deadletters, err := r.mailbox.DeadletterCounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("deadletter counts: %w", err)
	}
	quarantineCount, err := r.state.QuarantineCount(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("quarantine count: %w", err)
	}
	failures, err := r.state.ReviewerFailureCounts(ctx, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("failure counts: %w", err)
	}
	decision, err := r.state.GetFinalDecision(ctx, taskID)
	if err != nil {
		return Report{}, fmt.Errorf("final decision: %w", err)
	}

	agents := make([]ReviewerAgent, 0, len(r.cfg.Reviewers))
	for _, p := range r.cfg.Reviewers {
		agents = append(agents, ReviewerAgent{
			ID: p.ID, Provider: p.Provider, Model: p.Model, DisplayName: p.DisplayName,
		})
	}

	return Report{
		Mode:              "mailbox_only_review",
		RootDir:           r.cfg.RootDir,
		TaskID:            taskID,
		ReviewerMode:      r.cfg.Mode,
		CLITimeoutSeconds: r.cfg.CLITimeoutSeconds,
		Passes:            passes,
		TotalActions:      totalActions,
		ReceiptCount:      receiptCount,
		OrchestratorID:    r.cfg.OrchestratorID,
		AggregatorID:      r.cfg.AggregatorID,
		ReviewerAgents:    agents,
		DeadletterByAgent: deadletters,
		QuarantineCount:   quarantineCount,
		FailureCounts:     failures,
		OperationalGate:   quorum.OperationalGate(failures),
		PolicyVersion:     r.policy.Version(),
		ConfigFingerprint: r.cfg.Fingerprint(),
		DedupPolicy: DedupPolicy{
			Key:             "task_id + agent_id + msg_id",
			Store:           "state.db receipts table",
			SurvivesRestart: true,
			Retention:       "until state database cleanup",
		},
		FinalDecision: decision,
	}, nil
}
