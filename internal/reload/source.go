package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reactor/internal/rule"
	"github.com/roach88/reactor/internal/storage"
)

// Source yields the full rule set it currently holds. The watcher
// reloads every source each cycle and diffs the union.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]rule.Rule, error)
}

// defaultGlobs select rule files when an FSSource sets none.
var defaultGlobs = []string{"*.yaml", "*.yml", "*.json", "*.cue"}

// FSSource loads rule files from the file system. Paths may be files or
// directories; directory entries are filtered by Globs (base-name glob
// patterns) and walked recursively when Recursive is set.
type FSSource struct {
	Paths     []string
	Globs     []string
	Recursive bool
}

// Name implements Source.
func (s *FSSource) Name() string { return "fs" }

// Load implements Source.
func (s *FSSource) Load(_ context.Context) ([]rule.Rule, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	var out []rule.Rule
	for _, f := range files {
		rules, err := ParseRuleFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rules...)
	}
	return out, nil
}

// Files lists the rule files the source covers without parsing them.
// Also used by the validate CLI command for per-file diagnostics.
func (s *FSSource) Files() ([]string, error) {
	var files []string
	for _, path := range s.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		collected, err := s.collect(path)
		if err != nil {
			return nil, err
		}
		files = append(files, collected...)
	}
	return files, nil
}

// collect lists the rule files under dir, sorted by WalkDir's lexical
// order so load order is deterministic.
func (s *FSSource) collect(dir string) ([]string, error) {
	globs := s.Globs
	if len(globs) == 0 {
		globs = defaultGlobs
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !s.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		for _, g := range globs {
			ok, err := filepath.Match(g, d.Name())
			if err != nil {
				return fmt.Errorf("glob %q: %w", g, err)
			}
			if ok {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// AdapterSource loads the rule set persisted under one key of a storage
// adapter. The stored state is {"rules": [...]}.
type AdapterSource struct {
	Adapter storage.Adapter
	Key     string
}

// Name implements Source.
func (s *AdapterSource) Name() string { return "adapter" }

// Load implements Source. A missing key is an empty rule set.
func (s *AdapterSource) Load(ctx context.Context) ([]rule.Rule, error) {
	rec, err := s.Adapter.Load(ctx, s.Key)
	if err != nil {
		return nil, fmt.Errorf("adapter source %s: %w", s.Key, err)
	}
	if rec == nil {
		return nil, nil
	}
	var f ruleFile
	if err := rec.Decode(&f); err != nil {
		return nil, fmt.Errorf("adapter source %s: %w", s.Key, err)
	}
	return f.Rules, nil
}

// ruleFile is the on-disk shape: either {"rules": [...]} or a single
// bare rule object.
type ruleFile struct {
	Rules []rule.Rule `json:"rules" yaml:"rules"`
}

// ParseRuleFile decodes one rule file by extension (.yaml/.yml, .json,
// .cue). Also used by the validate CLI command.
func ParseRuleFile(path string) ([]rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(path, data)
	case ".json":
		return parseJSON(path, data)
	case ".cue":
		return parseCUE(path, data)
	default:
		return nil, fmt.Errorf("%s: unsupported rule file extension", path)
	}
}

func parseYAML(path string, data []byte) ([]rule.Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err == nil && len(f.Rules) > 0 {
		return f.Rules, nil
	}
	var single rule.Rule
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("%s: no rules found", path)
	}
	return []rule.Rule{single}, nil
}

func parseJSON(path string, data []byte) ([]rule.Rule, error) {
	var f ruleFile
	if err := json.Unmarshal(data, &f); err == nil && len(f.Rules) > 0 {
		return f.Rules, nil
	}
	var single rule.Rule
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("%s: no rules found", path)
	}
	return []rule.Rule{single}, nil
}

func parseCUE(path string, data []byte) ([]rule.Rule, error) {
	cuectx := cuecontext.New()
	v := cuectx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if rulesVal := v.LookupPath(cue.ParsePath("rules")); rulesVal.Exists() {
		var rules []rule.Rule
		if err := rulesVal.Decode(&rules); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return rules, nil
	}
	var single rule.Rule
	if err := v.Decode(&single); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("%s: no rules found", path)
	}
	return []rule.Rule{single}, nil
}
