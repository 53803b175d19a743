package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"-0", "0", false},
		{"42", "42", false},
		{"-9007199254740992", "-9007199254740992", false},
		{"9007199254740992", "9007199254740992", false},
		{"9007199254740993", "", true},
		{"100000000000000000000000", "", true},
		{"2.50", "2.5", false},
		{"1e2", "100", false},
		{"1E-7", "1e-7", false},
		{"1e400", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalNumber(json.Number(tt.in))
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrNumberPrecision, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, json.Number(tt.want), got, tt.in)
	}
}

func TestNumbers_Nested(t *testing.T) {
	in := map[string]any{
		"a": []any{json.Number("1.0"), "x", map[string]any{"b": json.Number("3e0")}},
		"c": true,
	}
	out, err := Numbers(in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": []any{json.Number("1"), "x", map[string]any{"b": json.Number("3")}},
		"c": true,
	}, out)
	assert.NoError(t, CheckNumbers(out))

	_, err = Numbers(map[string]any{"a": []any{json.Number("18446744073709551615")}})
	assert.ErrorIs(t, err, ErrNumberPrecision)
}

func TestCheckNumbers_RejectsNonCanonical(t *testing.T) {
	assert.ErrorIs(t, CheckNumbers(map[string]any{"n": json.Number("1.0")}), ErrNonCanonical)
	assert.ErrorIs(t, CheckNumbers(map[string]any{"n": 7}), ErrNonCanonical)
	assert.ErrorIs(t, CheckNumbers([]any{7.5}), ErrNonCanonical)
	assert.NoError(t, CheckNumbers(map[string]any{"n": nil, "s": "x", "b": false}))
}
