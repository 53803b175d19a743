package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/oversight/pkg/config"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
)

func TestDefaultPolicy_Classifies(t *testing.T) {
	p, err := config.DefaultPolicy()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", p.Version)

	c, err := p.Classifier()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "evolution", "goal_proposal", "paradigm", "self_improvement"}, c.Tables())

	tests := []struct {
		name string
		in   safety.Input
		want safety.Level
	}{
		{"no resources", safety.Input{Caller: "ops", Kind: "deploy"}, safety.LevelRoutine},
		{"one resource", safety.Input{Caller: "ops", Kind: "deploy", ResourceCount: 1}, safety.LevelElevated},
		{"three resources", safety.Input{Caller: "ops", Kind: "deploy", ResourceCount: 3}, safety.LevelSensitive},
		{"six resources", safety.Input{Caller: "ops", Kind: "deploy", ResourceCount: 6}, safety.LevelCritical},
		{"safety critical flag", safety.Input{Caller: "ops", Kind: "deploy", Flags: map[string]any{"safety_critical": true}}, safety.LevelCritical},
		{"meta level flag", safety.Input{Caller: "ops", Kind: "deploy", Flags: map[string]any{"meta_level": true}}, safety.LevelExistential},
		{"reward change", safety.Input{Caller: "self_improvement", Kind: "modify_reward"}, safety.LevelCritical},
		{"constraint change", safety.Input{Caller: "self_improvement", Kind: "modify_safety_constraints"}, safety.LevelExistential},
		{"broad self modification", safety.Input{Caller: "self_improvement", Kind: "modify_planner", ResourceCount: 4}, safety.LevelCritical},
		{"goal default", safety.Input{Caller: "goal_proposal", Kind: "subgoal"}, safety.LevelElevated},
		{"unbounded goal", safety.Input{Caller: "goal_proposal", Kind: "subgoal", Flags: map[string]any{"unbounded": true}}, safety.LevelCritical},
		{"paradigm default", safety.Input{Caller: "paradigm", Kind: "reframe"}, safety.LevelSensitive},
		{"paradigm many resources", safety.Input{Caller: "paradigm", Kind: "reframe", ResourceCount: 4}, safety.LevelCritical},
		{"wide evolution", safety.Input{Caller: "evolution", Kind: "evolution_step", ResourceCount: 11}, safety.LevelExistential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = c.Classify(safety.Input{Caller: "ops", Kind: "disable_oversight"})
	assert.ErrorIs(t, err, safety.ErrProhibited)
	_, err = c.Classify(safety.Input{Caller: "self_improvement", Kind: "disable_self_monitoring"})
	assert.ErrorIs(t, err, safety.ErrProhibited)
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "version: [unterminated"},
		{"missing version", "default:\n  default: ROUTINE\n"},
		{"missing default", "version: \"1.0.0\"\n"},
		{"unknown level", "version: \"1.0.0\"\ndefault:\n  default: SEVERE\n"},
		{"unknown field", "version: \"1.0.0\"\ndefault:\n  ceiling: CRITICAL\n"},
		{"negative threshold", "version: \"1.0.0\"\ndefault:\n  thresholds:\n    - above: -1\n      level: CRITICAL\n"},
		{"mixed-case prohibited kind", "version: \"1.0.0\"\ndefault:\n  prohibited: [Erase_Audit_Log]\n"},
		{"mixed-case pinned kind", "version: \"1.0.0\"\ndefault: {}\ncallers:\n  ops:\n    kinds:\n      Wipe_Memory: EXISTENTIAL\n"},
		{"bad caller name", "version: \"1.0.0\"\ndefault: {}\ncallers:\n  Bad-Name: {}\n"},
		{"not semver", "version: \"one\"\ndefault: {}\n"},
		{"unsupported major", "version: \"2.0.0\"\ndefault: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParsePolicy([]byte(tt.doc))
			assert.ErrorIs(t, err, config.ErrInvalidPolicy)
		})
	}
}

func TestPolicy_BadRuleFailsAtCompile(t *testing.T) {
	doc := `version: "1.2.0"
default:
  rules:
    - name: not-bool
      when: 'resources + 1'
      level: CRITICAL
`
	p, err := config.ParsePolicy([]byte(doc))
	require.NoError(t, err, "schema accepts any expression text")

	_, err = p.Classifier()
	assert.ErrorIs(t, err, safety.ErrInvalidTable)
}

func TestPolicy_MixedCaseKindsRejectedByClassifier(t *testing.T) {
	p := config.Policy{
		Version: "1.0.0",
		Default: safety.Table{Prohibited: []string{"Erase_Audit_Log"}},
	}
	_, err := p.Classifier()
	assert.ErrorIs(t, err, safety.ErrInvalidTable)

	p = config.Policy{
		Version: "1.0.0",
		Callers: map[string]safety.Table{"ops": {Kinds: map[string]safety.Level{"Wipe_Memory": safety.LevelExistential}}},
	}
	_, err = p.Classifier()
	assert.ErrorIs(t, err, safety.ErrInvalidTable)
}

func TestLoadPolicy(t *testing.T) {
	t.Run("empty path uses default", func(t *testing.T) {
		p, err := config.LoadPolicy("")
		require.NoError(t, err)
		assert.Contains(t, p.Callers, "paradigm")
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		doc := `version: "1.0.0"
default:
  default: ELEVATED
  kinds:
    purge: CRITICAL
callers:
  batch:
    default: SENSITIVE
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

		p, err := config.LoadPolicy(path)
		require.NoError(t, err)
		c, err := p.Classifier()
		require.NoError(t, err)

		l, err := c.Classify(safety.Input{Caller: "ops", Kind: "noop"})
		require.NoError(t, err)
		assert.Equal(t, safety.LevelElevated, l)

		l, err = c.Classify(safety.Input{Caller: "batch", Kind: "noop"})
		require.NoError(t, err)
		assert.Equal(t, safety.LevelSensitive, l)

		l, err = c.Classify(safety.Input{Caller: "batch", Kind: "purge"})
		require.NoError(t, err)
		assert.Equal(t, safety.LevelCritical, l)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
