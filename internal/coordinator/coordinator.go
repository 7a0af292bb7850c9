// Package coordinator drives the review workflow: it seeds assignments,
// drains principal mailboxes pass by pass, enforces admission policy and
// receipt idempotency, and records the terminal decision.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/parley/internal/audit"
	"github.com/basket/parley/internal/bus"
	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
	"github.com/basket/parley/internal/mailbox"
	"github.com/basket/parley/internal/otel"
	"github.com/basket/parley/internal/policy"
	"github.com/basket/parley/internal/quorum"
	"github.com/basket/parley/internal/reviewctx"
	"github.com/basket/parley/internal/reviewer"
	"github.com/basket/parley/internal/shared"
	"github.com/basket/parley/internal/state"
)

// Options carries the runtime's dependencies. Config, Mailbox, State,
// Policy, and Runner are required; the rest default to inert values.
type Options struct {
	Config        config.Config
	Mailbox       *mailbox.Store
	State         *state.Store
	Policy        *policy.LivePolicy
	Runner        reviewer.Runner
	ContextSource reviewctx.Source
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Logger        *slog.Logger
}

// Runtime coordinates one mailbox and one state store across all
// configured principals.
type Runtime struct {
	cfg      config.Config
	mailbox  *mailbox.Store
	state    *state.Store
	policy   *policy.LivePolicy
	runner   reviewer.Runner
	ctxSrc   reviewctx.Source
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
	required []string
}

// New wires a runtime from its dependencies.
func New(opts Options) (*Runtime, error) {
	if opts.Mailbox == nil {
		return nil, errors.New("coordinator: mailbox store is required")
	}
	if opts.State == nil {
		return nil, errors.New("coordinator: state store is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("coordinator: policy is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("coordinator: reviewer runner is required")
	}
	if err := config.Validate(opts.Config); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      opts.Config,
		mailbox:  opts.Mailbox,
		state:    opts.State,
		policy:   opts.Policy,
		runner:   opts.Runner,
		ctxSrc:   opts.ContextSource,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   logger,
		required: opts.Config.ReviewerIDs(),
	}, nil
}

// SeedTask publishes one signed task_assignment per configured reviewer
// and returns the assignment msg ids.
func (r *Runtime) SeedTask(ctx context.Context, taskID, instruction string) ([]string, error) {
	var input reviewctx.Input
	if r.ctxSrc != nil {
		input = r.ctxSrc.Capture(ctx, taskID, instruction)
	}

	msgIDs := make([]string, 0, len(r.cfg.Reviewers))
	for _, profile := range r.cfg.Reviewers {
		payload := envelope.AssignmentPayload{
			SchemaVersion:      envelope.SchemaVersion,
			TaskID:             taskID,
			ReviewRequestRef:   fmt.Sprintf("artifact://%s/review-request.md", taskID),
			ReviewInputRef:     input.Ref,
			ReviewInputSource:  input.Source,
			ReviewInputExcerpt: input.Excerpt,
			ReviewerModelHint:  profile.Model,
			RequiredAgents:     append([]string(nil), r.required...),
			Instruction:        instruction,
		}
		env, err := envelope.New(taskID, r.cfg.OrchestratorID, profile.ID, envelope.TypeTaskAssignment, 1, "", payload)
		if err != nil {
			return nil, fmt.Errorf("build assignment for %s: %w", profile.ID, err)
		}
		if _, err := r.mailbox.Publish(ctx, env); err != nil {
			return nil, fmt.Errorf("publish assignment for %s: %w", profile.ID, err)
		}
		r.published(ctx, env)
		msgIDs = append(msgIDs, env.MsgID)
	}
	r.logger.Info("task seeded",
		"task_id", taskID,
		"assignments", len(msgIDs),
		"trace_id", shared.TraceID(ctx),
	)
	return msgIDs, nil
}

// RunOnePass drains every principal mailbox once, reviewers in config
// order, then the aggregator, then the orchestrator. It returns the
// number of actions taken.
func (r *Runtime) RunOnePass(ctx context.Context) (int, error) {
	started := time.Now()
	actions := 0
	for _, profile := range r.cfg.Reviewers {
		n, err := r.processReviewer(ctx, profile)
		if err != nil {
			return actions, err
		}
		actions += n
	}
	n, err := r.processAggregator(ctx)
	if err != nil {
		return actions, err
	}
	actions += n

	n, err = r.processOrchestrator(ctx)
	if err != nil {
		return actions, err
	}
	actions += n

	if r.metrics != nil {
		r.metrics.PassDuration.Record(ctx, time.Since(started).Seconds())
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicPassCompleted, bus.PassEvent{Pass: shared.Pass(ctx), Actions: actions})
	}
	return actions, nil
}

// RunUntilStable runs passes until one completes with zero actions or
// the pass budget is exhausted.
func (r *Runtime) RunUntilStable(ctx context.Context, maxPasses int) (passes, totalActions int, err error) {
	if maxPasses <= 0 {
		maxPasses = 10
	}
	for passes < maxPasses {
		passes++
		passCtx := shared.WithPass(ctx, passes)
		actions, err := r.RunOnePass(passCtx)
		totalActions += actions
		if err != nil {
			return passes, totalActions, err
		}
		r.logger.Info("pass completed",
			"pass", passes,
			"actions", actions,
			"trace_id", shared.TraceID(ctx),
		)
		if actions == 0 {
			break
		}
	}
	return passes, totalActions, nil
}

// admit validates and acknowledges one delivery. It returns whether the
// message passed validation and whether this is its first processing.
func (r *Runtime) admit(ctx context.Context, msg mailbox.Message) (valid, first bool, err error) {
	env := msg.Envelope
	if violation := r.policy.Validate(env); violation != nil {
		if err := r.state.AppendQuarantine(ctx, state.QuarantineRecord{
			TaskID:   env.TaskID,
			SenderID: env.SenderID,
			MsgID:    env.MsgID,
			Type:     env.Type,
			Code:     violation.Code,
			Message:  violation.Message,
		}); err != nil {
			return false, false, fmt.Errorf("append quarantine: %w", err)
		}
		if err := r.mailbox.Nack(ctx, msg.Seq, violation.Code); err != nil {
			return false, false, fmt.Errorf("nack seq %d: %w", msg.Seq, err)
		}
		audit.Record("deny", "admit_message", violation.Message, r.policy.Version(),
			fmt.Sprintf("type=%s sender=%s msg=%s", env.Type, env.SenderID, env.MsgID))
		r.logger.Warn("message quarantined",
			"task_id", env.TaskID,
			"msg_id", env.MsgID,
			"sender_id", env.SenderID,
			"type", env.Type,
			"code", violation.Code,
		)
		if r.metrics != nil {
			r.metrics.Quarantined.Add(ctx, 1)
			r.metrics.MessagesDeadletter.Add(ctx, 1)
		}
		if r.bus != nil {
			r.bus.Publish(bus.TopicMessageQuarantined, bus.MessageEvent{
				TaskID: env.TaskID, MsgID: env.MsgID, Recipient: msg.Recipient,
				Type: env.Type, Code: violation.Code,
			})
		}
		return false, false, nil
	}

	first, err = r.state.InsertReceipt(ctx, env.TaskID, env.SenderID, env.MsgID, env.Type)
	if err != nil {
		return false, false, fmt.Errorf("insert receipt: %w", err)
	}
	if err := r.mailbox.Ack(ctx, msg.Seq); err != nil {
		return false, false, fmt.Errorf("ack seq %d: %w", msg.Seq, err)
	}
	if r.metrics != nil {
		r.metrics.MessagesAcked.Add(ctx, 1)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicMessageAcked, bus.MessageEvent{
			TaskID: env.TaskID, MsgID: env.MsgID, Recipient: msg.Recipient, Type: env.Type,
		})
	}
	return true, first, nil
}

// processReviewer drains one reviewer's mailbox. First delivery of an
// assignment triggers execution; redeliveries are acked without effect.
func (r *Runtime) processReviewer(ctx context.Context, profile config.ReviewerProfile) (int, error) {
	pctx := shared.WithPrincipalID(ctx, profile.ID)
	messages, err := r.mailbox.Consume(pctx, profile.ID, r.cfg.ConsumeLimit)
	if err != nil {
		return 0, fmt.Errorf("consume %s: %w", profile.ID, err)
	}

	actions := 0
	for _, msg := range messages {
		valid, first, err := r.admit(pctx, msg)
		if err != nil {
			return actions, err
		}
		actions++
		if !valid || !first || msg.Envelope.Type != envelope.TypeTaskAssignment {
			continue
		}

		started := time.Now()
		review := r.runner.Review(pctx, profile, msg.Envelope)
		if r.metrics != nil {
			r.metrics.ReviewDuration.Record(pctx, time.Since(started).Seconds())
			if review.Verdict == envelope.VerdictFail && hasFailureFinding(review) {
				r.metrics.ReviewerFailures.Add(pctx, 1)
			}
		}

		env, err := envelope.New(msg.Envelope.TaskID, profile.ID, r.cfg.AggregatorID,
			envelope.TypeReviewResult, msg.Envelope.StateVersion+1, msg.Envelope.MsgID, review)
		if err != nil {
			return actions, fmt.Errorf("build review result for %s: %w", profile.ID, err)
		}
		if _, err := r.mailbox.Publish(pctx, env); err != nil {
			return actions, fmt.Errorf("publish review result for %s: %w", profile.ID, err)
		}
		r.published(pctx, env)
		if r.bus != nil {
			r.bus.Publish(bus.TopicReviewCompleted, bus.ReviewEvent{
				TaskID:     msg.Envelope.TaskID,
				ReviewerID: profile.ID,
				Verdict:    review.Verdict,
				Synthetic:  hasFailureFinding(review),
			})
		}
		actions++
	}
	return actions, nil
}

// processAggregator drains the aggregator mailbox. Once every required
// reviewer has reported, at most one aggregation_result is published per
// task; the publish-once claim is a single atomic state update.
func (r *Runtime) processAggregator(ctx context.Context) (int, error) {
	aggID := r.cfg.AggregatorID
	pctx := shared.WithPrincipalID(ctx, aggID)
	messages, err := r.mailbox.Consume(pctx, aggID, r.cfg.ConsumeLimit)
	if err != nil {
		return 0, fmt.Errorf("consume %s: %w", aggID, err)
	}

	actions := 0
	for _, msg := range messages {
		valid, first, err := r.admit(pctx, msg)
		if err != nil {
			return actions, err
		}
		actions++
		if !valid || !first || msg.Envelope.Type != envelope.TypeReviewResult {
			continue
		}

		review, err := envelope.DecodeReview(msg.Envelope)
		if err != nil {
			r.logger.Warn("review payload undecodable after validation",
				"msg_id", msg.Envelope.MsgID, "error", err)
			continue
		}
		if err := r.state.RecordReview(pctx, msg.Envelope.TaskID, msg.Envelope.SenderID, msg.Envelope.MsgID, review); err != nil {
			return actions, fmt.Errorf("record review: %w", err)
		}

		reviews, err := r.state.GetReviews(pctx, msg.Envelope.TaskID)
		if err != nil {
			return actions, fmt.Errorf("get reviews: %w", err)
		}
		outcome := quorum.Decide(r.required, reviews)
		if !outcome.QuorumReached {
			continue
		}

		payload := envelope.AggregationPayload{
			SchemaVersion:  envelope.SchemaVersion,
			TaskID:         msg.Envelope.TaskID,
			RequiredAgents: append([]string(nil), r.required...),
			ReceivedAgents: outcome.ReceivedAgents,
			QuorumReached:  true,
			Verdict:        outcome.Verdict,
			BlockingCount:  outcome.BlockingCount,
			Disagree:       outcome.Disagree,
			NextAction:     outcome.NextAction,
			GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
			SourceMsgIDs:   outcome.SourceMsgIDs,
		}
		env, err := envelope.New(msg.Envelope.TaskID, aggID, r.cfg.OrchestratorID,
			envelope.TypeAggregationResult, msg.Envelope.StateVersion+1, msg.Envelope.MsgID, payload)
		if err != nil {
			return actions, fmt.Errorf("build aggregation result: %w", err)
		}

		won, err := r.state.MarkAggregationPublished(pctx, msg.Envelope.TaskID, env.MsgID)
		if err != nil {
			return actions, fmt.Errorf("claim aggregation publish: %w", err)
		}
		if !won {
			continue
		}
		if _, err := r.mailbox.Publish(pctx, env); err != nil {
			return actions, fmt.Errorf("publish aggregation result: %w", err)
		}
		r.published(pctx, env)
		if r.bus != nil {
			r.bus.Publish(bus.TopicAggregationDecided, bus.AggregationEvent{
				TaskID:     msg.Envelope.TaskID,
				Verdict:    outcome.Verdict,
				NextAction: outcome.NextAction,
				Disagree:   outcome.Disagree,
			})
		}
		actions++
	}
	return actions, nil
}

// processOrchestrator drains the orchestrator mailbox and records the
// final decision. The first recorded decision for a task wins.
func (r *Runtime) processOrchestrator(ctx context.Context) (int, error) {
	orchID := r.cfg.OrchestratorID
	pctx := shared.WithPrincipalID(ctx, orchID)
	messages, err := r.mailbox.Consume(pctx, orchID, r.cfg.ConsumeLimit)
	if err != nil {
		return 0, fmt.Errorf("consume %s: %w", orchID, err)
	}

	actions := 0
	for _, msg := range messages {
		valid, first, err := r.admit(pctx, msg)
		if err != nil {
			return actions, err
		}
		actions++
		if !valid || !first || msg.Envelope.Type != envelope.TypeAggregationResult {
			continue
		}

		agg, err := envelope.DecodeAggregation(msg.Envelope)
		if err != nil {
			r.logger.Warn("aggregation payload undecodable after validation",
				"msg_id", msg.Envelope.MsgID, "error", err)
			continue
		}
		recorded, err := r.state.SetFinalDecision(pctx, state.Decision{
			TaskID:        msg.Envelope.TaskID,
			Verdict:       agg.Verdict,
			NextAction:    agg.NextAction,
			BlockingCount: agg.BlockingCount,
			Disagree:      agg.Disagree,
			DecidedAt:     time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return actions, fmt.Errorf("set final decision: %w", err)
		}
		if !recorded {
			continue
		}
		r.logger.Info("final decision recorded",
			"task_id", msg.Envelope.TaskID,
			"verdict", agg.Verdict,
			"next_action", agg.NextAction,
		)
		if r.metrics != nil {
			r.metrics.DecisionsTotal.Add(pctx, 1)
		}
		if r.bus != nil {
			r.bus.Publish(bus.TopicTaskDecided, bus.AggregationEvent{
				TaskID:     msg.Envelope.TaskID,
				Verdict:    agg.Verdict,
				NextAction: agg.NextAction,
				Disagree:   agg.Disagree,
			})
		}
		actions++
	}
	return actions, nil
}

// DuplicateFirstInboxMessage republishes the oldest pending delivery for
// a principal, exercising the receipt gate under duplicate delivery.
func (r *Runtime) DuplicateFirstInboxMessage(ctx context.Context, principal string) (string, error) {
	messages, err := r.mailbox.Peek(ctx, principal)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}
	env := messages[0].Envelope
	if _, err := r.mailbox.Publish(ctx, env); err != nil {
		return "", err
	}
	r.published(ctx, env)
	return env.MsgID, nil
}

// InjectTaskIDMismatchReview publishes a correctly signed review_result
// whose payload task_id disagrees with the envelope, for validation
// drills.
func (r *Runtime) InjectTaskIDMismatchReview(ctx context.Context, taskID, payloadTaskID string) (string, error) {
	if len(r.cfg.Reviewers) == 0 {
		return "", errors.New("no reviewers configured")
	}
	sender := r.cfg.Reviewers[0]
	payload := envelope.ReviewPayload{
		SchemaVersion: envelope.SchemaVersion,
		TaskID:        payloadTaskID,
		Model:         sender.Model,
		Verdict:       envelope.VerdictPass,
		Blocking:      []envelope.Finding{},
		NonBlocking:   []envelope.Finding{},
		Summary:       "malformed message for validation drill",
		Confidence:    envelope.ConfidenceHigh,
		NextAction:    envelope.NextActionProceed,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		RawOutputRef:  fmt.Sprintf("artifact://%s/malformed", taskID),
	}
	env, err := envelope.New(taskID, sender.ID, r.cfg.AggregatorID, envelope.TypeReviewResult, 9, "", payload)
	if err != nil {
		return "", err
	}
	if _, err := r.mailbox.Publish(ctx, env); err != nil {
		return "", err
	}
	r.published(ctx, env)
	return env.MsgID, nil
}

func (r *Runtime) published(ctx context.Context, env envelope.Envelope) {
	if r.metrics != nil {
		r.metrics.MessagesPublished.Add(ctx, 1)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicMessagePublished, bus.MessageEvent{
			TaskID: env.TaskID, MsgID: env.MsgID, Recipient: env.To, Type: env.Type,
		})
	}
}

func hasFailureFinding(review envelope.ReviewPayload) bool {
	for _, f := range review.Blocking {
		switch f.Code {
		case envelope.CodeReviewerAuthError, envelope.CodeReviewerNetworkError, envelope.CodeReviewerExecutionError:
			return true
		}
	}
	return false
}
