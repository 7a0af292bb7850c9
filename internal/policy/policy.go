// Package policy enforces sender identity, per-type ACLs, routing, message
// integrity, and payload consistency on every consumed envelope.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/parley/internal/config"
	"github.com/basket/parley/internal/envelope"
)

// Violation codes, ordered by check position. The first failing check wins;
// later checks never run, so a message can only ever surface one code.
const (
	CodeSenderIDMismatch = "SENDER_ID_MISMATCH"
	CodeACLDeny          = "ACL_DENY"
	CodeInvalidRoute     = "INVALID_ROUTE"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeTaskIDMismatch   = "TASK_ID_MISMATCH"
)

// Violation describes why an envelope was rejected.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Policy is the immutable validation ruleset derived from the principal
// topology. ACL maps message type to the set of permitted sender ids.
type Policy struct {
	ACL                     map[string][]string
	AggregationResultTarget string
	RequireTaskIDMatch      bool
	TaskIDMatchTypes        []string
}

// Overrides is the optional policy.yaml shape. Only the payload
// consistency check is tunable; identity, ACL, routing, and integrity
// checks are structural and cannot be relaxed.
type Overrides struct {
	RequireTaskIDMatch *bool    `yaml:"require_task_id_match"`
	TaskIDMatchTypes   []string `yaml:"task_id_match_types"`
}

// Build derives the validation policy from the configured topology:
// only the orchestrator assigns and controls, only configured reviewers
// report reviews, only the aggregator aggregates, and anyone may report
// errors.
func Build(cfg config.Config) Policy {
	reviewers := cfg.ReviewerIDs()
	return Policy{
		ACL: map[string][]string{
			envelope.TypeTaskAssignment:    {cfg.OrchestratorID},
			envelope.TypeReviewResult:      reviewers,
			envelope.TypeAggregationResult: {cfg.AggregatorID},
			envelope.TypeControl:           {cfg.OrchestratorID},
			envelope.TypeError:             cfg.Principals(),
		},
		AggregationResultTarget: cfg.OrchestratorID,
		RequireTaskIDMatch:      true,
		TaskIDMatchTypes:        []string{envelope.TypeReviewResult, envelope.TypeAggregationResult},
	}
}

// Validate runs the ordered check pipeline and returns the first violation,
// or nil when the envelope is acceptable.
func (p Policy) Validate(env envelope.Envelope) *Violation {
	if env.From != env.SenderID {
		return &Violation{Code: CodeSenderIDMismatch, Message: "from must equal sender_id"}
	}
	if !contains(p.ACL[env.Type], env.SenderID) {
		return &Violation{
			Code:    CodeACLDeny,
			Message: fmt.Sprintf("sender %s cannot publish %s", env.SenderID, env.Type),
		}
	}
	if env.Type == envelope.TypeAggregationResult && env.To != p.AggregationResultTarget {
		return &Violation{
			Code:    CodeInvalidRoute,
			Message: fmt.Sprintf("aggregation_result must target %s", p.AggregationResultTarget),
		}
	}
	if !envelope.Verify(env) {
		return &Violation{Code: CodeSignatureInvalid, Message: "signature verification failed"}
	}
	if p.RequireTaskIDMatch && contains(p.TaskIDMatchTypes, env.Type) {
		payloadTaskID, ok := envelope.PayloadTaskID(env)
		if !ok || payloadTaskID != env.TaskID {
			return &Violation{Code: CodeTaskIDMismatch, Message: "envelope.task_id must equal payload.task_id"}
		}
	}
	return nil
}

// Version returns a stable hash of the active ruleset for audit records.
func (p Policy) Version() string {
	h := fnv.New64a()
	types := make([]string, 0, len(p.ACL))
	for t := range p.ACL {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		_, _ = h.Write([]byte(t + "=" + strings.Join(p.ACL[t], ",") + "|"))
	}
	_, _ = h.Write([]byte("target=" + p.AggregationResultTarget + "|"))
	if p.RequireTaskIDMatch {
		_, _ = h.Write([]byte("match=" + strings.Join(p.TaskIDMatchTypes, ",") + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// applyOverrides returns a copy of base with the file overrides applied.
func applyOverrides(base Policy, ov Overrides) Policy {
	p := base
	if ov.RequireTaskIDMatch != nil {
		p.RequireTaskIDMatch = *ov.RequireTaskIDMatch
	}
	if len(ov.TaskIDMatchTypes) > 0 {
		p.TaskIDMatchTypes = append([]string(nil), ov.TaskIDMatchTypes...)
	}
	return p
}

// LoadOverrides reads policy.yaml. A missing or empty file yields zero
// overrides; a malformed file is an error so a bad edit never silently
// weakens validation.
func LoadOverrides(path string) (Overrides, error) {
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Overrides{}, nil
		}
		return Overrides{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Overrides{}, nil
	}
	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return Overrides{}, fmt.Errorf("parse policy: %w", err)
	}
	for _, t := range ov.TaskIDMatchTypes {
		if !envelope.KnownType(t) {
			return Overrides{}, fmt.Errorf("unknown message type %q in task_id_match_types", t)
		}
	}
	return ov, nil
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	base Policy
	data Policy
}

// NewLivePolicy creates a LivePolicy from the topology-derived base policy.
func NewLivePolicy(base Policy) *LivePolicy {
	return &LivePolicy{base: base, data: base}
}

// Validate is the thread-safe check used at runtime.
func (lp *LivePolicy) Validate(env envelope.Envelope) *Violation {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Validate(env)
}

// Version returns the active policy version.
func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Version()
}

// Snapshot returns a copy of the active policy.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.TaskIDMatchTypes = append([]string(nil), lp.data.TaskIDMatchTypes...)
	return cp
}

// ReloadFromFile re-reads the overrides file and swaps the active policy.
// On error the previous policy remains active.
func (lp *LivePolicy) ReloadFromFile(path string) error {
	ov, err := LoadOverrides(path)
	if err != nil {
		return err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = applyOverrides(lp.base, ov)
	return nil
}
