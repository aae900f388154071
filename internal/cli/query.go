package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reactor/internal/chainer"
	"github.com/roach88/reactor/internal/facts"
	"github.com/roach88/reactor/internal/registry"
	"github.com/roach88/reactor/internal/reload"
	"github.com/roach88/reactor/internal/rule"
)

// NewQueryCommand creates the query command: an offline backward-
// chaining run over a rule set, without starting the engine.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		factKey    string
		eventTopic string
		operator   string
		value      string
		factsFile  string
		recursive  bool
		maxDepth   int
		maxRules   int
	)

	cmd := &cobra.Command{
		Use:   "query <rules-path>...",
		Short: "Ask whether the rules could produce a fact or event",
		Long: `Run a backward-chaining query against a rule set: could these rules,
starting from a set of known facts, produce the goal fact or event?

The answer includes a proof tree showing which rules chain toward the
goal and where unsatisfied paths bottom out.

Example:
  reactor query --fact customer:tier ./rules
  reactor query --fact customer:tier --op eq --value vip --facts known.yaml ./rules
  reactor query --event alert.raised ./rules`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (factKey == "") == (eventTopic == "") {
				return NewExitError(ExitCommandError, "exactly one of --fact or --event is required")
			}

			goal := chainer.Goal{Type: chainer.GoalFact, Key: factKey}
			if eventTopic != "" {
				goal = chainer.Goal{Type: chainer.GoalEvent, Topic: eventTopic}
			}
			goal.Operator = rule.Operator(operator)
			if value != "" {
				// YAML scalar parsing types the value: "5" is an int,
				// "true" a bool, anything else a string.
				if err := yaml.Unmarshal([]byte(value), &goal.Value); err != nil {
					return WrapExitError(ExitCommandError, "invalid --value", err)
				}
			}

			return runQuery(rootOpts, queryOptions{
				goal:      goal,
				paths:     args,
				factsFile: factsFile,
				recursive: recursive,
				maxDepth:  maxDepth,
				maxRules:  maxRules,
			}, cmd)
		},
	}

	cmd.Flags().StringVar(&factKey, "fact", "", "goal fact key")
	cmd.Flags().StringVar(&eventTopic, "event", "", "goal event topic")
	cmd.Flags().StringVar(&operator, "op", "", "goal operator (eq, gte, ...); default exists/eq")
	cmd.Flags().StringVar(&value, "value", "", "goal value (YAML scalar)")
	cmd.Flags().StringVar(&factsFile, "facts", "", "YAML file of known facts (key: value map)")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into rule subdirectories")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "search depth limit (0: default)")
	cmd.Flags().IntVar(&maxRules, "max-rules", 0, "explored rule budget (0: default)")
	return cmd
}

type queryOptions struct {
	goal      chainer.Goal
	paths     []string
	factsFile string
	recursive bool
	maxDepth  int
	maxRules  int
}

func runQuery(rootOpts *RootOptions, opts queryOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	src := &reload.FSSource{Paths: opts.paths, Recursive: opts.recursive}
	rules, err := src.Load(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot load rules", err)
	}

	m := registry.NewManager(nil)
	for _, r := range rules {
		if _, err := m.Register(r); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("rule %s", r.ID), err)
		}
	}
	formatter.VerboseLog("loaded %d rule(s)", m.Len())

	fs := facts.NewStore()
	if opts.factsFile != "" {
		if err := loadFacts(fs, opts.factsFile); err != nil {
			return WrapExitError(ExitCommandError, "cannot load facts", err)
		}
	}

	c := chainer.New(m, fs, opts.maxDepth, opts.maxRules)
	res := c.Query(opts.goal)

	if formatter.Format == "json" {
		if err := formatter.Success(res); err != nil {
			return err
		}
	} else {
		renderResult(formatter.Writer, &res)
	}
	if !res.Achievable {
		return NewExitError(ExitFailure, "goal not achievable")
	}
	return nil
}

// loadFacts reads a flat YAML key: value map into the fact store.
func loadFacts(fs *facts.Store, path string) error {
	src := &reload.FSSource{Paths: []string{path}}
	files, err := src.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		var known map[string]any
		if err := yaml.Unmarshal(data, &known); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		for key, value := range known {
			fs.Set(key, value, "query")
		}
	}
	return nil
}

// renderResult prints the proof tree in text form.
func renderResult(w io.Writer, res *chainer.Result) {
	if res.Achievable {
		fmt.Fprintln(w, "✓ achievable")
	} else {
		fmt.Fprintln(w, "✗ not achievable")
	}
	renderNode(w, res.Proof, 1)
	fmt.Fprintf(w, "\nexplored %d rule(s) in %.1fms", res.ExploredRules, res.DurationMs)
	if res.MaxDepthReached {
		fmt.Fprint(w, " (search limit reached)")
	}
	fmt.Fprintln(w)
}

func renderNode(w io.Writer, n *chainer.ProofNode, depth int) {
	if n == nil {
		return
	}
	mark := "✗"
	if n.Satisfied {
		mark = "✓"
	}
	label := n.Kind
	switch {
	case n.RuleID != "":
		label = "rule " + n.RuleID
	case n.Goal != nil && n.Goal.Type == chainer.GoalEvent:
		label = "event " + n.Goal.Topic
	case n.Goal != nil:
		label = "fact " + n.Goal.Key
		if n.Goal.Operator != "" {
			label += fmt.Sprintf(" %s %v", n.Goal.Operator, n.Goal.Value)
		}
	}
	line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", depth), mark, label)
	if n.Reason != "" {
		line += fmt.Sprintf(" (%s)", n.Reason)
	}
	fmt.Fprintln(w, line)
	for _, ch := range n.Children {
		renderNode(w, ch, depth+1)
	}
}
