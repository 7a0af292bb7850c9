package bus

// Runtime event topics published by the coordinator.
const (
	TopicMessagePublished   = "message.published"
	TopicMessageAcked       = "message.acked"
	TopicMessageQuarantined = "message.quarantined"
	TopicReviewCompleted    = "review.completed"
	TopicAggregationDecided = "aggregation.decided"
	TopicTaskDecided        = "task.decided"
	TopicPassCompleted      = "pass.completed"
)

// MessageEvent is published when an envelope is published, acked, or
// quarantined.
type MessageEvent struct {
	TaskID    string // Task ID
	MsgID     string // Envelope msg_id
	Recipient string // Mailbox recipient
	Type      string // Message type
	Code      string // Violation code (quarantine only)
}

// ReviewEvent is published when a reviewer's review is recorded.
type ReviewEvent struct {
	TaskID     string // Task ID
	ReviewerID string // Reviewer principal id
	Verdict    string // PASS or FAIL
	Synthetic  bool   // True when the review was synthesized from a failure
}

// AggregationEvent is published when the aggregator wins the single
// aggregation publish for a task.
type AggregationEvent struct {
	TaskID     string // Task ID
	Verdict    string // Aggregate verdict
	NextAction string // Aggregate next action
	Disagree   bool   // Reviewer verdicts were split
}

// PassEvent is published after each orchestration pass.
type PassEvent struct {
	Pass    int // 1-based pass number
	Actions int // Acks, nacks, and publishes performed in the pass
}
