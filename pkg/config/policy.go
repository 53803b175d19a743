package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/oversight/pkg/safety"
)

// ErrInvalidPolicy is returned for policy documents that fail schema or
// version checks.
var ErrInvalidPolicy = errors.New("config: invalid classifier policy")

// SupportedPolicyVersions is the semver range of accepted policy documents.
const SupportedPolicyVersions = "^1"

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

//go:embed policy.schema.json
var policySchemaJSON string

const policySchemaURL = "https://oversight.schemas.local/classifier-policy.schema.json"

// Policy is a classifier policy document: a base table plus per-caller
// overrides layered on top of it.
type Policy struct {
	Version string                  `yaml:"version"`
	Default safety.Table            `yaml:"default"`
	Callers map[string]safety.Table `yaml:"callers"`
}

var policySchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchemaJSON)); err != nil {
		panic(fmt.Sprintf("config: policy schema: %v", err))
	}
	return c.MustCompile(policySchemaURL)
}()

// ParsePolicy validates a YAML policy document against the schema, checks
// its version and decodes it.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: yaml: %w", ErrInvalidPolicy, err)
	}
	// The validator wants JSON values; YAML ints and maps are converted by
	// a JSON round trip.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var jsonDoc any
	if err := dec.Decode(&jsonDoc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if err := policySchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %w", ErrInvalidPolicy, p.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return nil, err
	}
	if !supported.Check(v) {
		return nil, fmt.Errorf("%w: version %s outside %s", ErrInvalidPolicy, v, SupportedPolicyVersions)
	}
	return &p, nil
}

// DefaultPolicy returns the built-in policy with tables for the evolution,
// self_improvement, goal_proposal and paradigm callers.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// LoadPolicy reads a policy file. An empty path selects DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy %q: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

// Classifier compiles the policy.
func (p *Policy) Classifier() (*safety.Classifier, error) {
	return safety.NewClassifier(p.Default, p.Callers)
}
