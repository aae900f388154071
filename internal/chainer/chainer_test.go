package chainer

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/facts"
	"github.com/roach88/reactor/internal/registry"
	"github.com/roach88/reactor/internal/rule"
)

// vipFixture wires the two-rule chain active → loyaltyPoints → tier.
func vipFixture(t *testing.T) (*registry.Manager, *facts.Store) {
	t.Helper()
	m := registry.NewManager(nil)

	_, err := m.Register(rule.Rule{
		ID: "vip-upgrade", Name: "VIP upgrade", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "customer.checked"},
		Conditions: []rule.Condition{{
			Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "customer:loyaltyPoints"},
			Operator: rule.OpGte,
			Value:    100,
		}},
		Actions: []rule.Action{{Type: rule.ActionSetFact, Key: "customer:tier", Value: "vip"}},
	})
	require.NoError(t, err)

	_, err = m.Register(rule.Rule{
		ID: "award-points", Name: "Award points", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "order.completed"},
		Conditions: []rule.Condition{{
			Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "customer:active"},
			Operator: rule.OpEq,
			Value:    true,
		}},
		Actions: []rule.Action{{Type: rule.ActionSetFact, Key: "customer:loyaltyPoints", Value: 150}},
	})
	require.NoError(t, err)

	fs := facts.NewStore()
	fs.Set("customer:active", true, "test")
	return m, fs
}

func TestQuery_TwoRuleChain(t *testing.T) {
	m, fs := vipFixture(t)
	c := New(m, fs, 0, 0)

	res := c.Query(Goal{Type: GoalFact, Key: "customer:tier"})
	assert.True(t, res.Achievable)
	assert.Equal(t, 2, res.ExploredRules)
	assert.False(t, res.MaxDepthReached)

	require.Len(t, res.Proof.Children, 1)
	root := res.Proof.Children[0]
	assert.Equal(t, NodeRule, root.Kind)
	assert.Equal(t, "vip-upgrade", root.RuleID)

	// Walk to the leaf: vip-upgrade → loyaltyPoints goal → award-points
	// → fact_exists on customer:active.
	leaf := root.Children[0].Children[0].Children[0]
	assert.Equal(t, NodeFactExists, leaf.Kind)
	assert.Equal(t, "customer:active", leaf.Goal.Key)
	assert.True(t, leaf.Satisfied)
}

func TestQuery_ProofTreeGolden(t *testing.T) {
	m, fs := vipFixture(t)
	c := New(m, fs, 0, 0)

	res := c.Query(Goal{Type: GoalFact, Key: "customer:tier"})
	require.True(t, res.Achievable)

	raw, err := json.Marshal(res.Proof)
	require.NoError(t, err)
	var tree map[string]any
	require.NoError(t, json.Unmarshal(raw, &tree))
	canonical, err := rule.MarshalCanonical(tree)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "vip_upgrade_proof", canonical)
}

func TestQuery_FactAlreadySatisfied(t *testing.T) {
	m, fs := vipFixture(t)
	c := New(m, fs, 0, 0)

	res := c.Query(Goal{Type: GoalFact, Key: "customer:active", Operator: rule.OpEq, Value: true})
	assert.True(t, res.Achievable)
	assert.Equal(t, 0, res.ExploredRules)
	assert.Equal(t, NodeFactExists, res.Proof.Kind)
}

func TestQuery_NoRules(t *testing.T) {
	m, fs := vipFixture(t)
	c := New(m, fs, 0, 0)

	res := c.Query(Goal{Type: GoalFact, Key: "inventory:level"})
	assert.False(t, res.Achievable)
	assert.Equal(t, ReasonNoRules, res.Proof.Reason)
}

func TestQuery_AllPathsFailed(t *testing.T) {
	m, fs := vipFixture(t)
	// Remove the base fact so the chain bottoms out unsatisfied.
	fs.Delete("customer:active")
	c := New(m, fs, 0, 0)

	res := c.Query(Goal{Type: GoalFact, Key: "customer:tier"})
	assert.False(t, res.Achievable)
	assert.Equal(t, ReasonAllPathsFailed, res.Proof.Reason)
}

func TestQuery_CycleDetected(t *testing.T) {
	m := registry.NewManager(nil)
	// a needs b, b needs a.
	for _, pair := range [][2]string{{"make-a", "a"}, {"make-b", "b"}} {
		other := "fact:b"
		if pair[1] == "b" {
			other = "fact:a"
		}
		_, err := m.Register(rule.Rule{
			ID: pair[0], Name: pair[0], Enabled: true,
			Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "t.x"},
			Conditions: []rule.Condition{{
				Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: other[5:]},
				Operator: rule.OpExists,
			}},
			Actions: []rule.Action{{Type: rule.ActionSetFact, Key: pair[1], Value: 1}},
		})
		require.NoError(t, err)
	}

	c := New(m, facts.NewStore(), 0, 0)
	res := c.Query(Goal{Type: GoalFact, Key: "a"})
	assert.False(t, res.Achievable)

	// The cycle shows up inside the failed path.
	var sawCycle bool
	var walk func(n *ProofNode)
	walk = func(n *ProofNode) {
		if n.Reason == ReasonCycleDetected {
			sawCycle = true
		}
		for _, ch := range n.Children {
			walk(ch)
		}
	}
	walk(res.Proof)
	assert.True(t, sawCycle)
}

func TestQuery_MaxDepth(t *testing.T) {
	m := registry.NewManager(nil)
	// A linear chain f0 ← f1 ← … ← f20, deeper than the limit.
	for i := 0; i < 20; i++ {
		_, err := m.Register(rule.Rule{
			ID: formatID(i), Name: formatID(i), Enabled: true,
			Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "t.x"},
			Conditions: []rule.Condition{{
				Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: factName(i + 1)},
				Operator: rule.OpExists,
			}},
			Actions: []rule.Action{{Type: rule.ActionSetFact, Key: factName(i), Value: 1}},
		})
		require.NoError(t, err)
	}

	c := New(m, facts.NewStore(), 5, 0)
	res := c.Query(Goal{Type: GoalFact, Key: factName(0)})
	assert.False(t, res.Achievable)
	assert.True(t, res.MaxDepthReached)
}

func TestQuery_ExploredRuleBudget(t *testing.T) {
	m := registry.NewManager(nil)
	// Many independent producers of the same fact, none satisfiable.
	for i := 0; i < 10; i++ {
		_, err := m.Register(rule.Rule{
			ID: formatID(i), Name: formatID(i), Enabled: true,
			Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "t.x"},
			Conditions: []rule.Condition{{
				Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "never:set"},
				Operator: rule.OpExists,
			}},
			Actions: []rule.Action{{Type: rule.ActionSetFact, Key: "goal", Value: 1}},
		})
		require.NoError(t, err)
	}

	c := New(m, facts.NewStore(), 0, 3)
	res := c.Query(Goal{Type: GoalFact, Key: "goal"})
	assert.False(t, res.Achievable)
	assert.True(t, res.MaxDepthReached)
	assert.Equal(t, 3, res.ExploredRules)
}

func TestQuery_EventGoal(t *testing.T) {
	m := registry.NewManager(nil)
	_, err := m.Register(rule.Rule{
		ID: "alerter", Name: "alerter", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "order.created"},
		Actions: []rule.Action{{Type: rule.ActionEmitEvent, Topic: "alert.raised"}},
	})
	require.NoError(t, err)

	c := New(m, facts.NewStore(), 0, 0)
	res := c.Query(Goal{Type: GoalEvent, Topic: "alert.raised"})
	assert.True(t, res.Achievable)
	assert.Equal(t, "alerter", res.Proof.Children[0].RuleID)

	res = c.Query(Goal{Type: GoalEvent, Topic: "alert.other"})
	assert.False(t, res.Achievable)
}

func TestQuery_DisabledRulesIgnored(t *testing.T) {
	m, fs := vipFixture(t)
	require.NoError(t, m.SetEnabled("award-points", false))

	c := New(m, fs, 0, 0)
	res := c.Query(Goal{Type: GoalFact, Key: "customer:tier"})
	assert.False(t, res.Achievable)
}

func TestQuery_TemplatedActionKeyMatches(t *testing.T) {
	m := registry.NewManager(nil)
	_, err := m.Register(rule.Rule{
		ID: "tagger", Name: "tagger", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, Pattern: "customer.seen"},
		Actions: []rule.Action{{
			Type: rule.ActionSetFact, Key: "customer:${event.id}:seen", Value: true,
		}},
	})
	require.NoError(t, err)

	c := New(m, facts.NewStore(), 0, 0)
	res := c.Query(Goal{Type: GoalFact, Key: "customer:123:seen"})
	assert.True(t, res.Achievable, "placeholder segment matches any concrete segment")
}

func formatID(i int) string { return "rule-" + string(rune('a'+i)) }
func factName(i int) string { return "f" + string(rune('a'+i)) }
