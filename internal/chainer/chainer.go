// Package chainer answers goal-directed queries: could the engine's
// rules produce a given fact or event, and by what proof.
//
// The search is a depth-bounded DFS over producing rules. Facts already
// satisfied by the live store close a branch with a fact_exists leaf;
// otherwise every rule whose actions produce the goal is tried in turn,
// its fact conditions becoming sub-goals joined with AND. The first
// satisfiable rule proves the goal (OR across rules). The chainer is
// strictly read-only.
package chainer

import (
	"regexp"
	"strings"
	"time"

	"github.com/roach88/reactor/internal/condition"
	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/rule"
)

// Defaults bounding the search.
const (
	DefaultMaxDepth         = 10
	DefaultMaxExploredRules = 100
)

// GoalType selects what kind of outcome a query asks about.
type GoalType string

const (
	GoalFact  GoalType = "fact"
	GoalEvent GoalType = "event"
)

// Goal is the query target. For fact goals, Operator and Value refine
// what counts as satisfied; an empty operator means "exists" when Value
// is nil and "eq" otherwise.
type Goal struct {
	Type     GoalType      `json:"type"`
	Key      string        `json:"key,omitempty"`
	Value    any           `json:"value,omitempty"`
	Operator rule.Operator `json:"operator,omitempty"`
	Topic    string        `json:"topic,omitempty"`
}

// Reason explains an unsatisfied proof node.
type Reason string

const (
	ReasonNoRules        Reason = "no_rules"
	ReasonCycleDetected  Reason = "cycle_detected"
	ReasonMaxDepth       Reason = "max_depth"
	ReasonAllPathsFailed Reason = "all_paths_failed"
	ReasonUnprovable     Reason = "unprovable_condition"
)

// Node kinds in the proof tree.
const (
	NodeRule       = "rule"
	NodeFactExists = "fact_exists"
	NodeGoal       = "goal"
	NodeCondition  = "condition"
)

// ProofNode is one step of the proof tree. Goal nodes carry the OR over
// their candidate rules; rule nodes carry the AND over their condition
// sub-goals; fact_exists nodes are satisfied leaves.
type ProofNode struct {
	Kind      string       `json:"kind"`
	Goal      *Goal        `json:"goal,omitempty"`
	RuleID    string       `json:"rule_id,omitempty"`
	Satisfied bool         `json:"satisfied"`
	Reason    Reason       `json:"reason,omitempty"`
	Children  []*ProofNode `json:"children,omitempty"`
}

// Result is the outcome of one query.
type Result struct {
	Achievable      bool       `json:"achievable"`
	Proof           *ProofNode `json:"proof"`
	ExploredRules   int        `json:"explored_rules"`
	MaxDepthReached bool       `json:"max_depth_reached"`
	DurationMs      float64    `json:"duration_ms"`

	Duration time.Duration `json:"-"`
}

// RuleSource supplies the candidate rules. Implemented by the registry.
type RuleSource interface {
	All() []rule.Rule
	EffectiveEnabled(id string) (bool, error)
}

// FactReader supplies live fact values. Implemented by the fact store.
type FactReader interface {
	Value(key string) (any, bool)
}

// Chainer runs backward-chaining queries.
type Chainer struct {
	rules            RuleSource
	facts            FactReader
	ops              *condition.Evaluator
	maxDepth         int
	maxExploredRules int
}

// New creates a chainer over the given rule and fact sources. Zero
// limits select the defaults.
func New(rules RuleSource, facts FactReader, maxDepth, maxExploredRules int) *Chainer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxExploredRules <= 0 {
		maxExploredRules = DefaultMaxExploredRules
	}
	return &Chainer{
		rules:            rules,
		facts:            facts,
		ops:              condition.New(nil),
		maxDepth:         maxDepth,
		maxExploredRules: maxExploredRules,
	}
}

// search carries per-query state.
type search struct {
	c               *Chainer
	candidates      []rule.Rule
	explored        int
	maxDepthReached bool
}

// Query runs one backward-chaining query.
func (c *Chainer) Query(goal Goal) Result {
	start := time.Now()
	s := &search{c: c, candidates: c.enabledRules()}
	proof := s.prove(goal, 0, map[string]bool{})
	elapsed := time.Since(start)
	return Result{
		Achievable:      proof.Satisfied,
		Proof:           proof,
		ExploredRules:   s.explored,
		MaxDepthReached: s.maxDepthReached,
		DurationMs:      float64(elapsed) / float64(time.Millisecond),
		Duration:        elapsed,
	}
}

// enabledRules snapshots the effectively-enabled rules once per query.
func (c *Chainer) enabledRules() []rule.Rule {
	all := c.rules.All()
	kept := all[:0:0]
	for _, r := range all {
		if on, err := c.rules.EffectiveEnabled(r.ID); err == nil && on {
			kept = append(kept, r)
		}
	}
	return kept
}

// prove resolves one goal. ancestors carries the goal identities on the
// current DFS branch for cycle detection.
func (s *search) prove(goal Goal, depth int, ancestors map[string]bool) *ProofNode {
	node := &ProofNode{Kind: NodeGoal, Goal: &Goal{}}
	*node.Goal = goal

	id := goalID(goal)
	if ancestors[id] {
		node.Reason = ReasonCycleDetected
		return node
	}
	if depth >= s.c.maxDepth {
		node.Reason = ReasonMaxDepth
		s.maxDepthReached = true
		return node
	}

	// A fact goal already satisfied by the live store is proof by itself.
	if goal.Type == GoalFact {
		if s.factSatisfied(goal) {
			node.Kind = NodeFactExists
			node.Satisfied = true
			return node
		}
	}

	producers := s.producers(goal)
	if len(producers) == 0 {
		node.Reason = ReasonNoRules
		return node
	}

	ancestors[id] = true
	defer delete(ancestors, id)

	for i := range producers {
		if s.explored >= s.c.maxExploredRules {
			s.maxDepthReached = true
			node.Reason = ReasonMaxDepth
			return node
		}
		s.explored++
		ruleNode := s.proveRule(&producers[i], depth, ancestors)
		node.Children = append(node.Children, ruleNode)
		if ruleNode.Satisfied {
			node.Satisfied = true
			return node
		}
	}
	node.Reason = ReasonAllPathsFailed
	return node
}

// proveRule checks one candidate rule: every condition must hold as a
// sub-goal. Fact conditions recurse; other sources cannot be proven
// without a live stimulus and fail the path.
func (s *search) proveRule(r *rule.Rule, depth int, ancestors map[string]bool) *ProofNode {
	node := &ProofNode{Kind: NodeRule, RuleID: r.ID, Satisfied: true}
	for i := range r.Conditions {
		cond := &r.Conditions[i]
		var child *ProofNode
		if cond.Source.Type == rule.SourceFact {
			child = s.prove(Goal{
				Type:     GoalFact,
				Key:      cond.Source.Pattern,
				Operator: cond.Operator,
				Value:    cond.Value,
			}, depth+1, ancestors)
		} else {
			child = &ProofNode{Kind: NodeCondition, Reason: ReasonUnprovable}
		}
		node.Children = append(node.Children, child)
		if !child.Satisfied {
			node.Satisfied = false
		}
	}
	return node
}

// factSatisfied checks a fact goal against the live store.
func (s *search) factSatisfied(goal Goal) bool {
	actual, defined := s.c.facts.Value(goal.Key)
	op := goal.Operator
	if op == "" {
		if goal.Value == nil {
			op = rule.OpExists
		} else {
			op = rule.OpEq
		}
	}
	return s.c.ops.Apply(op, actual, goal.Value, defined)
}

// producers returns the candidate rules whose actions produce the goal:
// a set_fact on the goal key for fact goals, an emit_event on the goal
// topic for event goals. Action keys with ${…} placeholders match any
// value in that position.
func (s *search) producers(goal Goal) []rule.Rule {
	var out []rule.Rule
	for _, r := range s.candidates {
		if actionsProduce(r.Actions, goal) {
			out = append(out, r)
		}
	}
	return out
}

func actionsProduce(actions []rule.Action, goal Goal) bool {
	for i := range actions {
		a := &actions[i]
		switch a.Type {
		case rule.ActionSetFact:
			if goal.Type == GoalFact && templateMatchesKey(a.Key, goal.Key) {
				return true
			}
		case rule.ActionEmitEvent:
			if goal.Type == GoalEvent && templateMatchesTopic(a.Topic, goal.Topic) {
				return true
			}
		}
		if actionsProduce(a.Then, goal) || actionsProduce(a.Else, goal) ||
			actionsProduce(a.Actions, goal) || actionsProduce(a.Try, goal) ||
			actionsProduce(a.Finally, goal) {
			return true
		}
		if a.Catch != nil && actionsProduce(a.Catch.Actions, goal) {
			return true
		}
	}
	return false
}

// placeholderRE matches ${…} placeholders in action templates.
var placeholderRE = regexp.MustCompile(`\$\{[^}]+\}`)

// templateMatchesKey compares an action's (possibly templated) fact key
// against a concrete goal key, treating each ${…} placeholder as a
// single-segment wildcard.
func templateMatchesKey(template, key string) bool {
	if !strings.Contains(template, "${") {
		return template == key
	}
	return pattern.MatchKey(placeholderRE.ReplaceAllString(template, "*"), key)
}

func templateMatchesTopic(template, topic string) bool {
	if !strings.Contains(template, "${") {
		return template == topic
	}
	return pattern.MatchTopic(placeholderRE.ReplaceAllString(template, "*"), topic)
}

// goalID identifies a goal for cycle detection. Operator and value are
// deliberately excluded: revisiting the same key on one branch is a
// cycle regardless of refinement.
func goalID(goal Goal) string {
	if goal.Type == GoalEvent {
		return "event:" + goal.Topic
	}
	return "fact:" + goal.Key
}
