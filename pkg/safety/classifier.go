package safety

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
)

var (
	ErrProhibited     = errors.New("safety: operation kind is prohibited")
	ErrRuleEvaluation = errors.New("safety: rule evaluation failed")
	ErrInvalidTable   = errors.New("safety: invalid classification table")
)

// DefaultTableName is the table used for callers without an override.
const DefaultTableName = "default"

// Kinds reach Classify already normalized, so table keys must be written
// in the same form or they would never match.
var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_.:/-]*$`)

// Input describes an operation for classification.
type Input struct {
	Caller        string
	Kind          string
	ResourceCount int
	Flags         map[string]any
}

// Rule pins a level when its CEL predicate holds. The predicate sees
// kind (string), caller (string), resources (int) and flags (map).
type Rule struct {
	Name  string `yaml:"name" json:"name"`
	When  string `yaml:"when" json:"when"`
	Level Level  `yaml:"level" json:"level"`
}

// Threshold raises the level once the affected-resource count exceeds Above.
type Threshold struct {
	Above int   `yaml:"above" json:"above"`
	Level Level `yaml:"level" json:"level"`
}

// Table is one caller's classification rules.
type Table struct {
	Default    Level            `yaml:"default,omitempty" json:"default,omitempty"`
	Kinds      map[string]Level `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Flags      map[string]Level `yaml:"flags,omitempty" json:"flags,omitempty"`
	Rules      []Rule           `yaml:"rules,omitempty" json:"rules,omitempty"`
	Thresholds []Threshold      `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	Prohibited []string         `yaml:"prohibited,omitempty" json:"prohibited,omitempty"`
}

// merge layers o over t: pins and prohibitions accumulate, thresholds and
// default are replaced when o sets them.
func (t Table) merge(o Table) Table {
	out := Table{
		Default:    t.Default,
		Kinds:      make(map[string]Level, len(t.Kinds)+len(o.Kinds)),
		Flags:      make(map[string]Level, len(t.Flags)+len(o.Flags)),
		Rules:      append(append([]Rule{}, t.Rules...), o.Rules...),
		Thresholds: t.Thresholds,
		Prohibited: append(append([]string{}, t.Prohibited...), o.Prohibited...),
	}
	for k, v := range t.Kinds {
		out.Kinds[k] = v
	}
	for k, v := range o.Kinds {
		out.Kinds[k] = v
	}
	for k, v := range t.Flags {
		out.Flags[k] = v
	}
	for k, v := range o.Flags {
		out.Flags[k] = v
	}
	if o.Default != LevelUnspecified {
		out.Default = o.Default
	}
	if len(o.Thresholds) > 0 {
		out.Thresholds = o.Thresholds
	}
	return out
}

type compiledRule struct {
	name  string
	level Level
	prg   cel.Program
}

type compiledTable struct {
	name       string
	def        Level
	kinds      map[string]Level
	flags      map[string]Level
	rules      []compiledRule
	thresholds []Threshold // sorted by Above, descending
	prohibited map[string]struct{}
}

// Classifier maps operations to safety levels using immutable tables
// built once at construction.
type Classifier struct {
	tables map[string]*compiledTable
}

// NewClassifier compiles the base table and one merged table per caller
// override. Tables are copied; later changes by the caller have no effect.
func NewClassifier(base Table, overrides map[string]Table) (*Classifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("caller", cel.StringType),
		cel.Variable("resources", cel.IntType),
		cel.Variable("flags", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("safety: cel environment: %w", err)
	}

	c := &Classifier{tables: make(map[string]*compiledTable, len(overrides)+1)}
	ct, err := compileTable(env, DefaultTableName, base.merge(Table{}))
	if err != nil {
		return nil, err
	}
	c.tables[DefaultTableName] = ct

	for name, o := range overrides {
		if name == DefaultTableName {
			continue
		}
		ct, err := compileTable(env, name, base.merge(o))
		if err != nil {
			return nil, err
		}
		c.tables[name] = ct
	}
	return c, nil
}

func compileTable(env *cel.Env, name string, t Table) (*compiledTable, error) {
	ct := &compiledTable{
		name:       name,
		def:        t.Default,
		kinds:      t.Kinds,
		flags:      t.Flags,
		prohibited: make(map[string]struct{}, len(t.Prohibited)),
	}
	if ct.def == LevelUnspecified {
		ct.def = LevelRoutine
	}
	if !ct.def.Valid() {
		return nil, fmt.Errorf("%w: table %q default level %d", ErrInvalidTable, name, int(ct.def))
	}
	for k, l := range t.Kinds {
		if !kindPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: table %q kind %q is not a normalized operation kind", ErrInvalidTable, name, k)
		}
		if !l.Valid() {
			return nil, fmt.Errorf("%w: table %q kind %q has invalid level", ErrInvalidTable, name, k)
		}
	}
	for f, l := range t.Flags {
		if !l.Valid() {
			return nil, fmt.Errorf("%w: table %q flag %q has invalid level", ErrInvalidTable, name, f)
		}
	}
	for _, p := range t.Prohibited {
		if !kindPattern.MatchString(p) {
			return nil, fmt.Errorf("%w: table %q prohibited kind %q is not a normalized operation kind", ErrInvalidTable, name, p)
		}
		ct.prohibited[p] = struct{}{}
	}

	ct.thresholds = append([]Threshold{}, t.Thresholds...)
	for _, th := range ct.thresholds {
		if !th.Level.Valid() || th.Above < 0 {
			return nil, fmt.Errorf("%w: table %q threshold above=%d", ErrInvalidTable, name, th.Above)
		}
	}
	sort.SliceStable(ct.thresholds, func(i, j int) bool { return ct.thresholds[i].Above > ct.thresholds[j].Above })

	for i, r := range t.Rules {
		if !r.Level.Valid() {
			return nil, fmt.Errorf("%w: table %q rule %d has invalid level", ErrInvalidTable, name, i)
		}
		ast, iss := env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("%w: table %q rule %q: %w", ErrInvalidTable, name, r.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: table %q rule %q must evaluate to bool", ErrInvalidTable, name, r.Name)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: table %q rule %q: %w", ErrInvalidTable, name, r.Name, err)
		}
		ct.rules = append(ct.rules, compiledRule{name: r.Name, level: r.Level, prg: prg})
	}
	return ct, nil
}

// Classify returns the safety level for an operation. Kind pins, flag pins
// and matching rules take precedence over the resource-count thresholds;
// when several pins match the most severe wins.
func (c *Classifier) Classify(in Input) (Level, error) {
	t, ok := c.tables[in.Caller]
	if !ok {
		t = c.tables[DefaultTableName]
	}

	if _, banned := t.prohibited[in.Kind]; banned {
		return LevelUnspecified, fmt.Errorf("%w: %q (table %s)", ErrProhibited, in.Kind, t.name)
	}

	pinned := LevelUnspecified
	if l, ok := t.kinds[in.Kind]; ok {
		pinned = Max(pinned, l)
	}
	for flag, l := range t.flags {
		if truthy(in.Flags[flag]) {
			pinned = Max(pinned, l)
		}
	}
	if len(t.rules) > 0 {
		flags := in.Flags
		if flags == nil {
			flags = map[string]any{}
		}
		vars := map[string]any{
			"kind":      in.Kind,
			"caller":    in.Caller,
			"resources": int64(in.ResourceCount),
			"flags":     flags,
		}
		for _, r := range t.rules {
			out, _, err := r.prg.Eval(vars)
			if err != nil {
				return LevelUnspecified, fmt.Errorf("%w: rule %q: %w", ErrRuleEvaluation, r.name, err)
			}
			if match, ok := out.Value().(bool); ok && match {
				pinned = Max(pinned, r.level)
			}
		}
	}
	if pinned != LevelUnspecified {
		return pinned, nil
	}

	for _, th := range t.thresholds {
		if in.ResourceCount > th.Above {
			return th.Level, nil
		}
	}
	return t.def, nil
}

// Tables lists the table names the classifier knows, sorted.
func (c *Classifier) Tables() []string {
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
