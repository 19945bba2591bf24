package speedlayer

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v2"
)

// ruleSpec is the YAML shape of one policy rule. Lower priority values
// are evaluated first. A rule matches when every non-empty predicate
// field matches; its decision then short-circuits the walk.
type ruleSpec struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	// Tool restricts the rule to one tool name; empty matches any.
	Tool string `yaml:"tool"`
	// Arg names the input field Pattern applies to. Empty applies the
	// pattern to every string-valued field.
	Arg     string `yaml:"arg"`
	Pattern string `yaml:"pattern"`
	// ProtectedPaths additionally requires the matched value to touch
	// one of these path prefixes.
	ProtectedPaths []string `yaml:"protected_paths"`
	Decision       string   `yaml:"decision"` // approve | block
	Reason         string   `yaml:"reason"`
}

type policyFile struct {
	SafeTools []string   `yaml:"safe_tools"`
	Rules     []ruleSpec `yaml:"rules"`
}

type compiledRule struct {
	name      string
	priority  int
	tool      string
	arg       string
	re        *regexp.Regexp
	protected []string
	decision  Decision
	reason    string
}

// ruleSet is one immutable compiled policy. Reload swaps the whole set
// atomically; in-flight evaluations keep the set they started with.
type ruleSet struct {
	rules     []compiledRule
	safeTools map[string]struct{}
}

// PolicyEngine is the rule tier. It answers Approve or Block when a
// rule or the safelist matches, and reports inconclusive otherwise.
type PolicyEngine struct {
	path   string
	cur    atomic.Pointer[ruleSet]
	logger *slog.Logger
}

// NewPolicyEngine loads the rule file at path, or the built-in default
// policy when path is empty.
func NewPolicyEngine(path string) (*PolicyEngine, error) {
	e := &PolicyEngine{path: path, logger: slog.With("component", "policy")}
	if path == "" {
		rs, err := compile(defaultPolicy())
		if err != nil {
			return nil, err
		}
		e.cur.Store(rs)
		return e, nil
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the rule file and swaps the compiled set in. On any
// error the previous set stays active.
func (e *PolicyEngine) Reload() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	rs, err := compile(&pf)
	if err != nil {
		return err
	}
	e.cur.Store(rs)
	e.logger.Info("policy rules loaded", "path", e.path,
		"rules", len(rs.rules), "safe_tools", len(rs.safeTools))
	return nil
}

// Evaluate walks the rules in priority order, then the safelist.
// matched=false means the policy is inconclusive and the caller should
// escalate.
func (e *PolicyEngine) Evaluate(toolName string, toolInput map[string]interface{}) (d Decision, reason string, matched bool) {
	rs := e.cur.Load()
	for i := range rs.rules {
		r := &rs.rules[i]
		if r.matches(toolName, toolInput) {
			return r.decision, r.reason, true
		}
	}
	if _, ok := rs.safeTools[toolName]; ok {
		return Approve, "safelisted tool", true
	}
	return "", "", false
}

// IsSafe reports whether the tool is on the safelist. Consulted by the
// fallback policy when the expert tier is unavailable.
func (e *PolicyEngine) IsSafe(toolName string) bool {
	_, ok := e.cur.Load().safeTools[toolName]
	return ok
}

// RuleCount returns the number of active compiled rules.
func (e *PolicyEngine) RuleCount() int {
	return len(e.cur.Load().rules)
}

func (r *compiledRule) matches(toolName string, input map[string]interface{}) bool {
	if r.tool != "" && r.tool != toolName {
		return false
	}

	var values []string
	if r.arg != "" {
		s, ok := input[r.arg].(string)
		if !ok {
			return false
		}
		values = []string{s}
	} else {
		for _, v := range input {
			if s, ok := v.(string); ok {
				values = append(values, s)
			}
		}
		if len(values) == 0 && (r.re != nil || len(r.protected) > 0) {
			return false
		}
	}

	// Tool-only rule: the tool match alone decides.
	if r.re == nil && len(r.protected) == 0 {
		return true
	}

	for _, s := range values {
		if r.re != nil && !r.re.MatchString(s) {
			continue
		}
		if len(r.protected) > 0 && !touchesProtected(s, r.protected) {
			continue
		}
		return true
	}
	return false
}

// touchesProtected reports whether any whitespace-separated token of s
// names a protected path or something under it. The bare root "/" only
// matches the literal tokens "/" and "/*".
func touchesProtected(s string, protected []string) bool {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"'`)
		for _, p := range protected {
			if p == "/" {
				if tok == "/" || tok == "/*" {
					return true
				}
				continue
			}
			if tok == p || strings.HasPrefix(tok, strings.TrimSuffix(p, "/")+"/") {
				return true
			}
		}
	}
	return false
}

func compile(pf *policyFile) (*ruleSet, error) {
	rs := &ruleSet{safeTools: make(map[string]struct{}, len(pf.SafeTools))}
	for _, t := range pf.SafeTools {
		rs.safeTools[t] = struct{}{}
	}

	for _, spec := range pf.Rules {
		cr := compiledRule{
			name:      spec.Name,
			priority:  spec.Priority,
			tool:      spec.Tool,
			arg:       spec.Arg,
			protected: spec.ProtectedPaths,
			reason:    spec.Reason,
		}
		switch strings.ToLower(spec.Decision) {
		case "approve":
			cr.decision = Approve
		case "block":
			cr.decision = Block
		default:
			return nil, fmt.Errorf("rule %q: decision must be approve or block, got %q", spec.Name, spec.Decision)
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: bad pattern: %w", spec.Name, err)
			}
			cr.re = re
		}
		if cr.reason == "" {
			cr.reason = "matched rule " + cr.name
		}
		rs.rules = append(rs.rules, cr)
	}

	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].priority < rs.rules[j].priority
	})
	return rs, nil
}

// defaultPolicy is the built-in rule set used when no rule file is
// configured: a denylist of outright destructive shell patterns plus a
// safelist of read-only tools.
func defaultPolicy() *policyFile {
	return &policyFile{
		SafeTools: []string{"Read", "Grep", "Glob", "LS"},
		Rules: []ruleSpec{
			{
				Name:           "recursive-delete-protected",
				Priority:       10,
				Arg:            "command",
				Pattern:        `(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r|-r\b|--recursive\b)`,
				ProtectedPaths: []string{"/", "/etc", "/usr", "/var", "/boot", "/home", ".git"},
				Decision:       "block",
				Reason:         "matches protected-path denylist",
			},
			{
				Name:     "raw-device-write",
				Priority: 10,
				Arg:      "command",
				Pattern:  `\b(dd\s+[^|;]*of=/dev/|mkfs(\.\w+)?\s+/dev/)|>\s*/dev/(sd|nvme|vd)`,
				Decision: "block",
				Reason:   "raw device write",
			},
			{
				Name:     "fork-bomb",
				Priority: 10,
				Arg:      "command",
				Pattern:  `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
				Decision: "block",
				Reason:   "fork bomb",
			},
			{
				Name:           "write-protected-path",
				Priority:       20,
				Tool:           "Write",
				Arg:            "path",
				ProtectedPaths: []string{"/etc", "/usr", "/boot", "/bin", "/sbin"},
				Decision:       "block",
				Reason:         "write to protected path",
			},
		},
	}
}
