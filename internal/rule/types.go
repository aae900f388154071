// Package rule defines the shared data model of the engine: rules, rule
// groups, triggers, conditions, actions, lookups, and the runtime records
// they operate on (facts, events, timers).
//
// Rules arrive as plain data (YAML, JSON, or CUE decode into these
// structs); the package also provides validation, canonical JSON
// serialization, content hashing, and the typed error vocabulary used at
// the public API surface.
package rule

import "time"

// TriggerKind enumerates the stimulus kinds that can select a rule.
type TriggerKind string

const (
	// TriggerFact selects rules on fact changes matching a key pattern.
	TriggerFact TriggerKind = "fact"
	// TriggerEvent selects rules on events matching a topic pattern.
	TriggerEvent TriggerKind = "event"
	// TriggerTimer selects rules on timer expirations matching a name pattern.
	TriggerTimer TriggerKind = "timer"
	// TriggerTemporal fires rules on a fixed interval.
	TriggerTemporal TriggerKind = "temporal"
)

// ValidTriggerKinds defines the accepted trigger kinds.
var ValidTriggerKinds = map[TriggerKind]bool{
	TriggerFact:     true,
	TriggerEvent:    true,
	TriggerTimer:    true,
	TriggerTemporal: true,
}

// Trigger describes what stimulus fires a rule. Exactly one kind is set;
// Pattern carries the fact-key pattern, event-topic pattern, or
// timer-name pattern depending on the kind.
type Trigger struct {
	Kind     TriggerKind   `json:"kind" yaml:"kind"`
	Pattern  string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Temporal *TemporalSpec `json:"temporal,omitempty" yaml:"temporal,omitempty"`
}

// TemporalSpec configures a temporal trigger: the rule fires every
// Interval (a duration literal such as "30s").
type TemporalSpec struct {
	Interval string `json:"interval" yaml:"interval"`
}

// Operator enumerates condition operators.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// ValidOperators defines the accepted condition operators.
var ValidOperators = map[Operator]bool{
	OpEq: true, OpNeq: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true,
	OpMatches: true, OpExists: true, OpNotExists: true,
}

// SourceType enumerates where a condition reads its actual value from.
type SourceType string

const (
	SourceFact     SourceType = "fact"
	SourceEvent    SourceType = "event"
	SourceContext  SourceType = "context"
	SourceLookup   SourceType = "lookup"
	SourceBaseline SourceType = "baseline"
)

// ValidSourceTypes defines the accepted condition source types.
var ValidSourceTypes = map[SourceType]bool{
	SourceFact: true, SourceEvent: true, SourceContext: true,
	SourceLookup: true, SourceBaseline: true,
}

// ConditionSource identifies the slot of the evaluation context a
// condition probes. Only the fields relevant to Type are set.
type ConditionSource struct {
	Type SourceType `json:"type" yaml:"type"`

	// Pattern is the fact key (or key pattern) for SourceFact.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// Field is the event data field path for SourceEvent, or the result
	// field path for SourceLookup.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Key is the variable name for SourceContext.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`
	// Name is the lookup name for SourceLookup.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Baseline probe parameters (SourceBaseline).
	Metric      string  `json:"metric,omitempty" yaml:"metric,omitempty"`
	Comparison  string  `json:"comparison,omitempty" yaml:"comparison,omitempty"`
	Sensitivity float64 `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	Method      string  `json:"method,omitempty" yaml:"method,omitempty"`
	MinSamples  int     `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
}

// Condition compares a context-sourced actual value against an expected
// value. Value may be a literal or a {"ref": "path"} object resolved at
// evaluation time.
type Condition struct {
	Source   ConditionSource `json:"source" yaml:"source"`
	Operator Operator        `json:"operator" yaml:"operator"`
	Value    any             `json:"value,omitempty" yaml:"value,omitempty"`
}

// ActionType enumerates the action kinds.
type ActionType string

const (
	ActionSetFact     ActionType = "set_fact"
	ActionDeleteFact  ActionType = "delete_fact"
	ActionEmitEvent   ActionType = "emit_event"
	ActionSetTimer    ActionType = "set_timer"
	ActionCancelTimer ActionType = "cancel_timer"
	ActionCallService ActionType = "call_service"
	ActionLog         ActionType = "log"
	ActionConditional ActionType = "conditional"
	ActionForEach     ActionType = "for_each"
	ActionTryCatch    ActionType = "try_catch"
)

// ValidActionTypes defines the accepted action kinds.
var ValidActionTypes = map[ActionType]bool{
	ActionSetFact: true, ActionDeleteFact: true, ActionEmitEvent: true,
	ActionSetTimer: true, ActionCancelTimer: true, ActionCallService: true,
	ActionLog: true, ActionConditional: true, ActionForEach: true,
	ActionTryCatch: true,
}

// Action is a tagged variant; only the fields relevant to Type are set.
// All input fields support "${path}" interpolation and {"ref": "path"}
// whole-value replacement at execution time.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// set_fact / delete_fact
	Key   string `json:"key,omitempty" yaml:"key,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	// emit_event
	Topic string         `json:"topic,omitempty" yaml:"topic,omitempty"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`

	// set_timer / cancel_timer (Name doubles as the timer name)
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Duration any         `json:"duration,omitempty" yaml:"duration,omitempty"`
	OnExpire *TimerEvent `json:"on_expire,omitempty" yaml:"on_expire,omitempty"`
	Repeat   *RepeatSpec `json:"repeat,omitempty" yaml:"repeat,omitempty"`

	// call_service
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	Method  string `json:"method,omitempty" yaml:"method,omitempty"`
	Args    []any  `json:"args,omitempty" yaml:"args,omitempty"`

	// log
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Level   string `json:"level,omitempty" yaml:"level,omitempty"`

	// conditional
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Then       []Action    `json:"then,omitempty" yaml:"then,omitempty"`
	Else       []Action    `json:"else,omitempty" yaml:"else,omitempty"`

	// for_each
	Collection    any      `json:"collection,omitempty" yaml:"collection,omitempty"`
	As            string   `json:"as,omitempty" yaml:"as,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Actions       []Action `json:"actions,omitempty" yaml:"actions,omitempty"`

	// try_catch
	Try     []Action   `json:"try,omitempty" yaml:"try,omitempty"`
	Catch   *CatchSpec `json:"catch,omitempty" yaml:"catch,omitempty"`
	Finally []Action   `json:"finally,omitempty" yaml:"finally,omitempty"`
}

// CatchSpec configures the catch branch of a try_catch action. If As is
// set, the caught error message is bound to var.<As> before the catch
// actions run.
type CatchSpec struct {
	As      string   `json:"as,omitempty" yaml:"as,omitempty"`
	Actions []Action `json:"actions" yaml:"actions"`
}

// OnErrorStrategy controls how a failed lookup affects its rule.
type OnErrorStrategy string

const (
	// OnErrorSkip skips the whole rule when the lookup fails.
	OnErrorSkip OnErrorStrategy = "skip"
	// OnErrorFail surfaces the lookup failure as a rule execution error.
	OnErrorFail OnErrorStrategy = "fail"
)

// Lookup declares an external service call resolved before condition
// evaluation. Args may contain literals or {"ref": "path"} references.
type Lookup struct {
	Name    string       `json:"name" yaml:"name"`
	Service string       `json:"service" yaml:"service"`
	Method  string       `json:"method" yaml:"method"`
	Args    []any        `json:"args,omitempty" yaml:"args,omitempty"`
	Cache   *LookupCache `json:"cache,omitempty" yaml:"cache,omitempty"`
	// OnError defaults to "fail" when empty.
	OnError OnErrorStrategy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// LookupCache enables TTL caching of a lookup's result. TTL is a
// duration literal.
type LookupCache struct {
	TTL any `json:"ttl" yaml:"ttl"`
}

// Rule is the unit of registration. Engine-assigned fields (Version,
// CreatedAt, UpdatedAt) are set by the rule manager.
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int         `json:"priority" yaml:"priority"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	Version     int         `json:"version,omitempty" yaml:"version,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Group       string      `json:"group,omitempty" yaml:"group,omitempty"`
	Trigger     Trigger     `json:"trigger" yaml:"trigger"`
	Conditions  []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []Action    `json:"actions,omitempty" yaml:"actions,omitempty"`
	Lookups     []Lookup    `json:"lookups,omitempty" yaml:"lookups,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Group gates the activation of its member rules as a unit. A rule is
// effectively enabled iff the rule is enabled and its group (when set)
// is enabled.
type Group struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// Fact is a keyed value with provenance. Keys are opaque but
// conventionally colon-delimited ("customer:123:age").
type Fact struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a named occurrence on the topic bus.
type Event struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
}

// TimerEvent is the event a timer emits on expiration.
type TimerEvent struct {
	Topic string         `json:"topic" yaml:"topic"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// RepeatSpec makes a timer repeating. Interval is a duration literal;
// MaxCount, when positive, bounds the number of firings.
type RepeatSpec struct {
	Interval any `json:"interval" yaml:"interval"`
	MaxCount int `json:"max_count,omitempty" yaml:"max_count,omitempty"`
}

// Timer is a scheduled expiration. Names are unique: setting a timer
// with an existing name atomically replaces the prior one.
type Timer struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	ExpiresAt     time.Time   `json:"expires_at"`
	OnExpire      TimerEvent  `json:"on_expire"`
	Repeat        *RepeatSpec `json:"repeat,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	FireCount     int         `json:"fire_count,omitempty"`
}
