package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_StructTagsHonored(t *testing.T) {
	type record struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
		Skip  string `json:"-"`
	}

	s, err := JCSString(record{Zeta: "z", Alpha: 7, Skip: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zeta":"z"}`, s)
}

func TestJCS_UnmarshalableValue(t *testing.T) {
	_, err := JCS(map[string]interface{}{"ch": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-marshal")
}

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1, "b": []int{1, 2}})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"b": []int{1, 2}, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, HashPrefix))
	assert.Len(t, h1, len(HashPrefix)+64)
}

func TestParseHash(t *testing.T) {
	h := HashBytes([]byte("hello"))
	raw, err := ParseHash(h)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	_, err = ParseHash("md5:abc")
	assert.Error(t, err)
	_, err = ParseHash("sha256:zz")
	assert.Error(t, err)
	_, err = ParseHash(HashPrefix + strings.Repeat("g", 64))
	assert.Error(t, err)
}
