package canonicalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

var (
	// ErrNumberPrecision is returned for a number that has no exact
	// IEEE-754 double form, such as an integer beyond 2^53.
	ErrNumberPrecision = errors.New("canonicalize: number loses precision")
	// ErrNonCanonical is returned by CheckNumbers for a value that is not
	// in the form Numbers produces.
	ErrNonCanonical = errors.New("canonicalize: value not in canonical form")
)

// CanonicalNumber returns n in ES6 shortest form, the form JCS hashes.
// Integer literals must survive the conversion unchanged; fractions are
// rounded to the nearest double.
func CanonicalNumber(n json.Number) (json.Number, error) {
	s := string(n)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNumberPrecision, s)
	}
	c, err := jcs.NumberToJSON(f)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNumberPrecision, s, err)
	}
	if !strings.ContainsAny(s, ".eE") && c != s && s != "-0" {
		return "", fmt.Errorf("%w: %s", ErrNumberPrecision, s)
	}
	return json.Number(c), nil
}

// Numbers returns a copy of a decoded JSON value with every json.Number
// replaced by its canonical form.
func Numbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return CanonicalNumber(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := Numbers(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			c, err := Numbers(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

// CheckNumbers verifies that v holds only decoded JSON values with
// canonical numbers. Native Go numbers are rejected: JCS would fold two
// distinct integers beyond 2^53 into one digest.
func CheckNumbers(v any) error {
	switch t := v.(type) {
	case nil, bool, string:
		return nil
	case json.Number:
		c, err := CanonicalNumber(t)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNonCanonical, err)
		}
		if c != t {
			return fmt.Errorf("%w: number %s", ErrNonCanonical, t)
		}
		return nil
	case map[string]any:
		for k, val := range t {
			if err := CheckNumbers(val); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, val := range t {
			if err := CheckNumbers(val); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrNonCanonical, v)
	}
}
