package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/oversight/pkg/config"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
	"github.com/Mindburn-Labs/oversight/pkg/ticket"
)

type flagValues map[string]any

func (f flagValues) String() string { return fmt.Sprint(map[string]any(f)) }

// Set parses key=value; booleans and integers are typed, the rest stay
// strings. A bare key means true.
func (f flagValues) Set(s string) error {
	key, val, found := strings.Cut(s, "=")
	if key == "" {
		return errors.New("empty flag name")
	}
	if !found {
		f[key] = true
		return nil
	}
	if b, err := strconv.ParseBool(val); err == nil {
		f[key] = b
	} else if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		f[key] = n
	} else {
		f[key] = val
	}
	return nil
}

type classification struct {
	Caller            string `json:"caller"`
	OperationKind     string `json:"operation_kind"`
	Prohibited        bool   `json:"prohibited"`
	SafetyLevel       string `json:"safety_level,omitempty"`
	Requirement       string `json:"authorization_requirement,omitempty"`
	RequiredApprovals int    `json:"required_approvals"`
	Error             string `json:"error,omitempty"`
}

// runClassifyCmd implements `oversight classify`.
//
// Exit codes:
//
//	0 = classified
//	1 = the operation is prohibited
//	2 = usage or policy error
func runClassifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("classify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		policyFile string
		caller     string
		kind       string
		resources  int
		jsonOutput bool
		flags      = flagValues{}
	)
	cmd.StringVar(&policyFile, "policy", cfg.PolicyFile, "Classifier policy file (default: built-in policy)")
	cmd.StringVar(&caller, "caller", "", "Submitting module, selects the caller table")
	cmd.StringVar(&kind, "kind", "", "Operation kind (REQUIRED)")
	cmd.IntVar(&resources, "resources", 0, "Number of affected resources")
	cmd.Var(flags, "flag", "Operation flag as key[=value]; repeatable")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kind == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --kind is required")
		cmd.Usage()
		return 2
	}
	if resources < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --resources must not be negative")
		return 2
	}
	setupLogger(cfg, stderr)

	normalized, err := ticket.NormalizeKind(kind)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	policy, err := config.LoadPolicy(policyFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	classifier, err := policy.Classifier()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out := classification{Caller: caller, OperationKind: normalized}
	level, err := classifier.Classify(safety.Input{
		Caller:        caller,
		Kind:          normalized,
		ResourceCount: resources,
		Flags:         flags,
	})
	switch {
	case errors.Is(err, safety.ErrProhibited):
		out.Prohibited = true
		out.Error = err.Error()
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	default:
		req := safety.RequirementFor(level)
		out.SafetyLevel = level.String()
		out.Requirement = req.String()
		out.RequiredApprovals = req.RequiredApprovals()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if out.Prohibited {
		_, _ = fmt.Fprintf(stdout, "%sPROHIBITED%s %s\n", ColorRed, ColorReset, out.OperationKind)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s: %s%s%s, requirement %s (%d approvers)\n",
			out.OperationKind, ColorBold, out.SafetyLevel, ColorReset, out.Requirement, out.RequiredApprovals)
	}

	if out.Prohibited {
		return 1
	}
	return 0
}
