package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOrdering(t *testing.T) {
	levels := Levels()
	require.Equal(t, []Level{LevelRoutine, LevelElevated, LevelSensitive, LevelCritical, LevelExistential}, levels)

	for i := range levels {
		for j := range levels {
			assert.Equal(t, i < j, levels[i].Less(levels[j]), "%s < %s", levels[i], levels[j])
			for k := range levels {
				if levels[i].Less(levels[j]) && levels[j].Less(levels[k]) {
					assert.True(t, levels[i].Less(levels[k]), "transitivity %s<%s<%s", levels[i], levels[j], levels[k])
				}
			}
		}
	}
	assert.True(t, LevelUnspecified.Less(LevelRoutine))
}

func TestRequirementTable(t *testing.T) {
	tests := []struct {
		level     Level
		req       Requirement
		approvals int
	}{
		{LevelRoutine, RequirementNone, 0},
		{LevelElevated, RequirementSingle, 1},
		{LevelSensitive, RequirementSingle, 1},
		{LevelCritical, RequirementMulti, 2},
		{LevelExistential, RequirementBoard, 3},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			r := RequirementFor(tt.level)
			assert.Equal(t, tt.req, r)
			assert.Equal(t, tt.approvals, r.RequiredApprovals())
		})
	}

	assert.Equal(t, 5, RequirementExternal.RequiredApprovals())
	assert.Equal(t, RequirementBoard, RequirementFor(LevelUnspecified))
	assert.Equal(t, 5, Requirement(42).RequiredApprovals())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" critical ")
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, l)

	_, err = ParseLevel("UNSPECIFIED")
	assert.ErrorIs(t, err, ErrUnknownLevel)
	_, err = ParseLevel("catastrophic")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestLevelText(t *testing.T) {
	b, err := LevelSensitive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "SENSITIVE", string(b))

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("existential")))
	assert.Equal(t, LevelExistential, l)

	_, err = LevelUnspecified.MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Level(9)", Level(9).String())
}

func TestParseRequirement(t *testing.T) {
	r, err := ParseRequirement("external")
	require.NoError(t, err)
	assert.Equal(t, RequirementExternal, r)

	var out Requirement
	require.NoError(t, out.UnmarshalText([]byte("MULTI")))
	assert.Equal(t, RequirementMulti, out)

	_, err = ParseRequirement("quorum")
	assert.Error(t, err)
}
