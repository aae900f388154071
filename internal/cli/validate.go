package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/reactor/internal/reload"
	"github.com/roach88/reactor/internal/rule"
)

// FileIssue is one validation finding, located by file and rule.
// Warnings are reported but do not fail the run, matching what the
// engine accepts at registration.
type FileIssue struct {
	File     string        `json:"file"`
	RuleID   string        `json:"rule_id,omitempty"`
	Field    string        `json:"field,omitempty"`
	Message  string        `json:"message"`
	Severity rule.Severity `json:"severity"`
}

// ValidationReport summarizes a validate run.
type ValidationReport struct {
	Valid  bool        `json:"valid"`
	Files  int         `json:"files"`
	Rules  int         `json:"rules"`
	Issues []FileIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var recursive bool
	var globs []string

	cmd := &cobra.Command{
		Use:   "validate <rules-path>...",
		Short: "Validate rule files without starting the engine",
		Long: `Validate rule files (YAML, JSON, or CUE) without starting the engine.

Each file is parsed and every rule checked against the schema: trigger
kind and pattern, condition operators and sources, action shapes,
duration literals, and duplicate ids across the whole set.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := &validateOptions{
				root:      rootOpts,
				recursive: recursive,
				globs:     globs,
			}
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into subdirectories")
	cmd.Flags().StringSliceVar(&globs, "glob", nil, "base-name globs selecting rule files (default *.yaml,*.yml,*.json,*.cue)")
	return cmd
}

type validateOptions struct {
	root      *RootOptions
	recursive bool
	globs     []string
}

func runValidate(opts *validateOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.root.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.root.Verbose,
	}

	src := &reload.FSSource{Paths: paths, Globs: opts.globs, Recursive: opts.recursive}
	files, err := src.Files()
	if err != nil {
		_ = formatter.Fail("E_LOAD", err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot list rule files", err)
	}
	if len(files) == 0 {
		_ = formatter.Fail("E_LOAD", "no rule files found", nil)
		return NewExitError(ExitCommandError, "no rule files found")
	}

	report := ValidationReport{Files: len(files)}
	seen := map[string]string{} // rule id -> file

	for _, file := range files {
		formatter.VerboseLog("validating %s", file)
		rules, err := reload.ParseRuleFile(file)
		if err != nil {
			report.Issues = append(report.Issues, FileIssue{
				File: file, Message: err.Error(), Severity: rule.SeverityError,
			})
			continue
		}
		report.Rules += len(rules)
		for i := range rules {
			r := &rules[i]
			if prev, dup := seen[r.ID]; dup {
				report.Issues = append(report.Issues, FileIssue{
					File: file, RuleID: r.ID,
					Message:  fmt.Sprintf("duplicate rule id (also in %s)", prev),
					Severity: rule.SeverityError,
				})
			} else {
				seen[r.ID] = file
			}
			for _, issue := range rule.Validate(r, nil) {
				report.Issues = append(report.Issues, FileIssue{
					File: file, RuleID: r.ID,
					Field: issue.Field, Message: issue.Message, Severity: issue.Severity,
				})
			}
		}
	}

	report.Valid = true
	for _, issue := range report.Issues {
		if issue.Severity == rule.SeverityError {
			report.Valid = false
			break
		}
	}
	return emitReport(formatter, report)
}

func emitReport(formatter *OutputFormatter, report ValidationReport) error {
	if formatter.Format == "json" {
		if report.Valid {
			return formatter.Success(report)
		}
		_ = formatter.Fail("E_VALIDATION", "validation failed", report)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(report.Issues)))
	}

	if report.Valid {
		for _, issue := range report.Issues {
			fmt.Fprintf(formatter.Writer, "warning: %s [%s] %s: %s\n",
				issue.File, issue.RuleID, issue.Field, issue.Message)
		}
		fmt.Fprintf(formatter.Writer, "✓ %d rule(s) in %d file(s) valid\n", report.Rules, report.Files)
		return nil
	}
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range report.Issues {
		loc := issue.File
		if issue.RuleID != "" {
			loc += " [" + issue.RuleID + "]"
		}
		if issue.Field != "" {
			loc += " " + issue.Field
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", loc, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(report.Issues)))
}
