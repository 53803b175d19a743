// Package safety defines the ordered safety levels, the authorization
// requirement each level implies, and the table-driven classifier that maps
// an operation description to a level.
package safety

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownLevel = errors.New("safety: unknown level")

// Level is a totally ordered severity classification. The zero value means
// "unspecified" and sorts below every real level.
type Level int

const (
	LevelUnspecified Level = iota
	LevelRoutine
	LevelElevated
	LevelSensitive
	LevelCritical
	LevelExistential
)

var levelNames = [...]string{
	LevelUnspecified: "UNSPECIFIED",
	LevelRoutine:     "ROUTINE",
	LevelElevated:    "ELEVATED",
	LevelSensitive:   "SENSITIVE",
	LevelCritical:    "CRITICAL",
	LevelExistential: "EXISTENTIAL",
}

// Levels lists the real levels in ascending order.
func Levels() []Level {
	return []Level{LevelRoutine, LevelElevated, LevelSensitive, LevelCritical, LevelExistential}
}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the five real levels.
func (l Level) Valid() bool {
	return l >= LevelRoutine && l <= LevelExistential
}

// Less reports whether l is strictly less severe than o.
func (l Level) Less(o Level) bool { return l < o }

// Max returns the more severe of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// ParseLevel accepts level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, l := range Levels() {
		if levelNames[l] == up {
			return l, nil
		}
	}
	return LevelUnspecified, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Requirement names how many distinct approvers an operation needs.
type Requirement int

const (
	RequirementNone Requirement = iota
	RequirementSingle
	RequirementMulti
	RequirementBoard
	RequirementExternal
)

var requirementNames = [...]string{
	RequirementNone:     "NONE",
	RequirementSingle:   "SINGLE",
	RequirementMulti:    "MULTI",
	RequirementBoard:    "BOARD",
	RequirementExternal: "EXTERNAL",
}

// approvalsByRequirement is the distinct-approver count table.
var approvalsByRequirement = [...]int{
	RequirementNone:     0,
	RequirementSingle:   1,
	RequirementMulti:    2,
	RequirementBoard:    3,
	RequirementExternal: 5,
}

// requirementByLevel is the fixed level -> requirement mapping.
var requirementByLevel = map[Level]Requirement{
	LevelRoutine:     RequirementNone,
	LevelElevated:    RequirementSingle,
	LevelSensitive:   RequirementSingle,
	LevelCritical:    RequirementMulti,
	LevelExistential: RequirementBoard,
}

func (r Requirement) String() string {
	if r < 0 || int(r) >= len(requirementNames) {
		return fmt.Sprintf("Requirement(%d)", int(r))
	}
	return requirementNames[r]
}

// Valid reports whether r is a known requirement.
func (r Requirement) Valid() bool {
	return r >= RequirementNone && r <= RequirementExternal
}

// RequiredApprovals returns the number of distinct identities that must
// grant before an operation with this requirement is admitted.
func (r Requirement) RequiredApprovals() int {
	if !r.Valid() {
		return approvalsByRequirement[RequirementExternal]
	}
	return approvalsByRequirement[r]
}

// ParseRequirement accepts requirement names case-insensitively.
func ParseRequirement(s string) (Requirement, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for r, name := range requirementNames {
		if name == up {
			return Requirement(r), nil
		}
	}
	return RequirementNone, fmt.Errorf("safety: unknown requirement %q", s)
}

func (r Requirement) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Requirement) UnmarshalText(b []byte) error {
	v, err := ParseRequirement(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// RequirementFor maps a level to its authorization requirement. An
// unspecified or unknown level is treated as the strictest mapped level.
func RequirementFor(l Level) Requirement {
	if r, ok := requirementByLevel[l]; ok {
		return r
	}
	return requirementByLevel[LevelExistential]
}
