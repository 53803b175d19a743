package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/oversight/pkg/authgate"
	"github.com/Mindburn-Labs/oversight/pkg/config"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
	"github.com/Mindburn-Labs/oversight/pkg/governance"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
	"github.com/Mindburn-Labs/oversight/pkg/store"
)

type scenarioResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type demoReport struct {
	Scenarios []scenarioResult `json:"scenarios"`
	Events    int              `json:"events"`
	LogHash   string           `json:"log_hash"`
	Passed    bool             `json:"passed"`
}

// runDemoCmd implements `oversight demo`.
//
// Exit codes:
//
//	0 = every scenario behaved as expected
//	1 = a scenario failed
//	2 = runtime error
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		policyFile  string
		jsonOutput  bool
		snapshotOut string
		persist     bool
	)
	cmd.StringVar(&policyFile, "policy", cfg.PolicyFile, "Classifier policy file (default: built-in policy)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.StringVar(&snapshotOut, "snapshot-out", "", "Write the resulting event log snapshot to this file")
	cmd.BoolVar(&persist, "persist", false, "Save the resulting event log to the configured database")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	setupLogger(cfg, stderr)
	ctx := context.Background()

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
	gov := governance.New(classifier, eventlog.New(), authgate.New())

	report := demoReport{Passed: true}
	run := func(name string, fn func() (string, error)) {
		detail, err := fn()
		res := scenarioResult{Name: name, Passed: err == nil, Detail: detail}
		if err != nil {
			res.Detail = err.Error()
			report.Passed = false
		}
		report.Scenarios = append(report.Scenarios, res)
	}
	run("single approval", func() (string, error) { return scenarioSingleApproval(ctx, gov) })
	run("threshold approval", func() (string, error) { return scenarioThresholdApproval(ctx, gov) })
	run("rollback", scenarioRollback)
	run("tamper detection", scenarioTamperDetection)

	snap, err := gov.Snapshot(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report.Events = len(snap.Events)
	report.LogHash = snap.LogHash

	if snapshotOut != "" {
		if err := writeSnapshot(snapshotOut, snap); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	if persist {
		if err := persistLog(ctx, cfg, gov); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, s := range report.Scenarios {
			mark := ColorGreen + "PASS" + ColorReset
			if !s.Passed {
				mark = ColorRed + "FAIL" + ColorReset
			}
			_, _ = fmt.Fprintf(stdout, "[%s] %-20s %s\n", mark, s.Name, s.Detail)
		}
		_, _ = fmt.Fprintf(stdout, "Event log: %d events, %s\n", report.Events, report.LogHash)
	}

	if !report.Passed {
		return 1
	}
	return 0
}

func scenarioSingleApproval(ctx context.Context, gov *governance.Governor) (string, error) {
	tk, err := gov.Submit(ctx, governance.Submission{
		Caller:        "planner",
		OperationKind: "adjust_budget",
		SafetyHint:    safety.LevelSensitive,
		Payload:       map[string]any{"delta": 250},
		Justification: "quarterly rebalance",
	})
	if err != nil {
		return "", err
	}
	if tk.Requirement != safety.RequirementSingle {
		return "", fmt.Errorf("requirement %s, want SINGLE", tk.Requirement)
	}
	if ok, _ := gov.Validate(tk.ID); ok {
		return "", errors.New("ticket valid before any grant")
	}
	if _, ok := gov.Grant(ctx, tk.RequestID, "alice"); !ok {
		return "", errors.New("grant by alice refused")
	}
	if ok, _ := gov.Validate(tk.ID); !ok {
		return "", errors.New("ticket not valid after grant")
	}
	if _, err := gov.Commit(ctx, tk.ID, governance.CommitSpec{
		Kind:    eventlog.KindGoalProposed,
		Payload: map[string]any{"budget_delta": 250},
	}); err != nil {
		return "", err
	}
	if err := gov.Confirm(ctx, tk.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("ticket %s approved by alice, committed and validated", tk.ID), nil
}

func scenarioThresholdApproval(ctx context.Context, gov *governance.Governor) (string, error) {
	tk, err := gov.Submit(ctx, governance.Submission{
		Caller:        "self_improvement",
		OperationKind: "modify_reward",
		SafetyHint:    safety.LevelCritical,
	})
	if err != nil {
		return "", err
	}
	req, ok := gov.Grant(ctx, tk.RequestID, "alice")
	if !ok || req.Status != authgate.StatusPending {
		return "", fmt.Errorf("after alice: status %s, want PENDING", req.Status)
	}
	req, ok = gov.Grant(ctx, tk.RequestID, "bob")
	if !ok || req.Status != authgate.StatusApproved {
		return "", fmt.Errorf("after bob: status %s, want APPROVED", req.Status)
	}
	// A late grant is refused without error and changes nothing.
	gov.Grant(ctx, tk.RequestID, "alice")
	if ok, _ := gov.Validate(tk.ID); !ok {
		return "", errors.New("ticket not valid after two distinct grants")
	}
	return fmt.Sprintf("%d of %d approvers (%v), request stays APPROVED", len(req.Approvers), req.RequiredCount, req.Approvers), nil
}

func scenarioRollback() (string, error) {
	log := eventlog.New()
	for i := 0; i < 5; i++ {
		if _, err := log.Append(eventlog.KindReasoningPerformed, "", map[string]any{"step": i}); err != nil {
			return "", err
		}
	}
	if _, err := log.CreateRollbackPoint("p1", "after five reasoning steps", nil); err != nil {
		return "", err
	}
	for i := 5; i < 8; i++ {
		if _, err := log.Append(eventlog.KindReasoningPerformed, "", map[string]any{"step": i}); err != nil {
			return "", err
		}
	}
	if log.Len() != 8 {
		return "", fmt.Errorf("length %d before rollback, want 8", log.Len())
	}
	if !log.RollbackTo("p1") {
		return "", errors.New("rollback to p1 refused")
	}
	if log.Len() != 5 {
		return "", fmt.Errorf("length %d after rollback, want 5", log.Len())
	}
	if err := log.Verify(); err != nil {
		return "", err
	}
	return "8 events rolled back to 5, log verifies", nil
}

func scenarioTamperDetection() (string, error) {
	log := eventlog.New()
	for i := 0; i < 3; i++ {
		if _, err := log.Append(eventlog.KindDiscoveryRecorded, "", map[string]any{"finding": i}); err != nil {
			return "", err
		}
	}
	snap := log.Snapshot()
	if err := eventlog.VerifySnapshot(snap); err != nil {
		return "", err
	}
	snap.Events[1].Payload = map[string]any{"finding": "forged"}
	err := eventlog.VerifySnapshot(snap)
	if !errors.Is(err, eventlog.ErrIntegrityViolation) {
		return "", fmt.Errorf("overwritten payload not detected: %v", err)
	}
	return "overwritten payload detected: " + err.Error(), nil
}

func writeSnapshot(path string, snap eventlog.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if err := eventlog.EncodeSnapshot(f, snap); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func persistLog(ctx context.Context, cfg *config.Config, gov *governance.Governor) error {
	dialect, err := store.ParseDialect(cfg.StoreDriver)
	if err != nil {
		return err
	}
	s, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return gov.Persist(ctx, s)
}
