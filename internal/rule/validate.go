package rule

import (
	"fmt"

	"github.com/roach88/reactor/internal/pattern"
)

// GroupChecker reports whether a group id exists at validation time.
// The rule manager supplies one bound to its registered groups.
type GroupChecker func(id string) bool

// Validate checks a rule record against the input schema and returns the
// list of issues found. Issues with SeverityError block registration;
// warnings do not. A nil GroupChecker skips the dangling-group check
// (used when validating files offline).
func Validate(r *Rule, groupExists GroupChecker) []ValidationIssue {
	var issues []ValidationIssue
	add := func(field, format string, args ...any) {
		issues = append(issues, ValidationIssue{
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
			Severity: SeverityError,
		})
	}
	warn := func(field, format string, args ...any) {
		issues = append(issues, ValidationIssue{
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
			Severity: SeverityWarning,
		})
	}

	if r.ID == "" {
		add("id", "id is required")
	}
	if r.Name == "" {
		add("name", "name is required")
	}
	if r.Priority < 0 {
		warn("priority", "negative priority sorts after all non-negative rules")
	}
	if len(r.Actions) == 0 {
		warn("actions", "rule has no actions")
	}

	validateTrigger(&r.Trigger, add)

	for i, c := range r.Conditions {
		validateCondition(fmt.Sprintf("conditions[%d]", i), &c, add)
	}
	for i, a := range r.Actions {
		validateAction(fmt.Sprintf("actions[%d]", i), &a, add)
	}

	seen := make(map[string]bool, len(r.Lookups))
	for i, l := range r.Lookups {
		field := fmt.Sprintf("lookups[%d]", i)
		if l.Name == "" {
			add(field+".name", "lookup name is required")
		} else if seen[l.Name] {
			add(field+".name", "duplicate lookup name %q", l.Name)
		} else {
			seen[l.Name] = true
		}
		if l.Service == "" {
			add(field+".service", "lookup service is required")
		}
		if l.Method == "" {
			add(field+".method", "lookup method is required")
		}
		switch l.OnError {
		case "", OnErrorSkip, OnErrorFail:
		default:
			add(field+".on_error", "unknown on_error strategy %q", l.OnError)
		}
		if l.Cache != nil {
			if _, err := pattern.ParseDurationValue(l.Cache.TTL); err != nil {
				add(field+".cache.ttl", "invalid ttl: %v", err)
			}
		}
	}

	if r.Group != "" && groupExists != nil && !groupExists(r.Group) {
		add("group", "group %q does not exist", r.Group)
	}

	return issues
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []ValidationIssue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Normalize fills schema defaults in place: enabled rules default on
// unmarshalled zero values are left alone, but lookup on_error defaults
// to "fail" and baseline probe methods default to "zscore".
func Normalize(r *Rule) {
	for i := range r.Lookups {
		if r.Lookups[i].OnError == "" {
			r.Lookups[i].OnError = OnErrorFail
		}
	}
	normalizeConditions(r.Conditions)
	normalizeActions(r.Actions)
}

func normalizeConditions(conds []Condition) {
	for i := range conds {
		if conds[i].Source.Type == SourceBaseline && conds[i].Source.Method == "" {
			conds[i].Source.Method = "zscore"
		}
	}
}

func normalizeActions(actions []Action) {
	for i := range actions {
		a := &actions[i]
		normalizeConditions(a.Conditions)
		normalizeActions(a.Then)
		normalizeActions(a.Else)
		normalizeActions(a.Actions)
		normalizeActions(a.Try)
		if a.Catch != nil {
			normalizeActions(a.Catch.Actions)
		}
		normalizeActions(a.Finally)
	}
}

func validateTrigger(t *Trigger, add func(field, format string, args ...any)) {
	if !ValidTriggerKinds[t.Kind] {
		add("trigger.kind", "unknown trigger kind %q", t.Kind)
		return
	}
	switch t.Kind {
	case TriggerFact, TriggerEvent, TriggerTimer:
		if t.Pattern == "" {
			add("trigger.pattern", "pattern is required for %s triggers", t.Kind)
		}
	case TriggerTemporal:
		if t.Temporal == nil {
			add("trigger.temporal", "temporal spec is required")
		} else if _, err := pattern.ParseDuration(t.Temporal.Interval); err != nil {
			add("trigger.temporal.interval", "invalid interval: %v", err)
		}
	}
}

func validateCondition(field string, c *Condition, add func(field, format string, args ...any)) {
	if !ValidOperators[c.Operator] {
		add(field+".operator", "unknown operator %q", c.Operator)
	}
	if !ValidSourceTypes[c.Source.Type] {
		add(field+".source.type", "unknown source type %q", c.Source.Type)
		return
	}
	switch c.Source.Type {
	case SourceFact:
		if c.Source.Pattern == "" {
			add(field+".source.pattern", "fact source requires a pattern")
		}
	case SourceEvent:
		if c.Source.Field == "" {
			add(field+".source.field", "event source requires a field")
		}
	case SourceContext:
		if c.Source.Key == "" {
			add(field+".source.key", "context source requires a key")
		}
	case SourceLookup:
		if c.Source.Name == "" {
			add(field+".source.name", "lookup source requires a name")
		}
	case SourceBaseline:
		if c.Source.Metric == "" {
			add(field+".source.metric", "baseline source requires a metric")
		}
		switch c.Source.Comparison {
		case "above", "below", "outside":
		default:
			add(field+".source.comparison", "unknown baseline comparison %q", c.Source.Comparison)
		}
		switch c.Source.Method {
		case "", "zscore", "percentile":
		default:
			add(field+".source.method", "unknown baseline method %q", c.Source.Method)
		}
	}
}

func validateAction(field string, a *Action, add func(field, format string, args ...any)) {
	if !ValidActionTypes[a.Type] {
		add(field+".type", "unknown action type %q", a.Type)
		return
	}
	switch a.Type {
	case ActionSetFact:
		if a.Key == "" {
			add(field+".key", "set_fact requires a key")
		}
	case ActionDeleteFact:
		if a.Key == "" {
			add(field+".key", "delete_fact requires a key")
		}
	case ActionEmitEvent:
		if a.Topic == "" {
			add(field+".topic", "emit_event requires a topic")
		}
	case ActionSetTimer:
		if a.Name == "" {
			add(field+".name", "set_timer requires a name")
		}
		if a.Duration == nil {
			add(field+".duration", "set_timer requires a duration")
		}
		if a.OnExpire == nil || a.OnExpire.Topic == "" {
			add(field+".on_expire.topic", "set_timer requires an on_expire topic")
		}
	case ActionCancelTimer:
		if a.Name == "" {
			add(field+".name", "cancel_timer requires a name")
		}
	case ActionCallService:
		if a.Service == "" {
			add(field+".service", "call_service requires a service")
		}
		if a.Method == "" {
			add(field+".method", "call_service requires a method")
		}
	case ActionLog:
		if a.Message == "" {
			add(field+".message", "log requires a message")
		}
	case ActionConditional:
		for i, c := range a.Conditions {
			validateCondition(fmt.Sprintf("%s.conditions[%d]", field, i), &c, add)
		}
		for i, sub := range a.Then {
			validateAction(fmt.Sprintf("%s.then[%d]", field, i), &sub, add)
		}
		for i, sub := range a.Else {
			validateAction(fmt.Sprintf("%s.else[%d]", field, i), &sub, add)
		}
	case ActionForEach:
		if a.Collection == nil {
			add(field+".collection", "for_each requires a collection")
		}
		if a.As == "" {
			add(field+".as", "for_each requires an 'as' binding name")
		}
		if a.MaxIterations < 0 {
			add(field+".max_iterations", "max_iterations must not be negative")
		}
		for i, sub := range a.Actions {
			validateAction(fmt.Sprintf("%s.actions[%d]", field, i), &sub, add)
		}
	case ActionTryCatch:
		if len(a.Try) == 0 {
			add(field+".try", "try_catch requires at least one try action")
		}
		for i, sub := range a.Try {
			validateAction(fmt.Sprintf("%s.try[%d]", field, i), &sub, add)
		}
		if a.Catch != nil {
			for i, sub := range a.Catch.Actions {
				validateAction(fmt.Sprintf("%s.catch.actions[%d]", field, i), &sub, add)
			}
		}
		for i, sub := range a.Finally {
			validateAction(fmt.Sprintf("%s.finally[%d]", field, i), &sub, add)
		}
	}
}
