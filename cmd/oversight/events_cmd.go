package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/oversight/pkg/config"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
)

// runEventsCmd implements `oversight events`.
//
// Lists the audit events of a verified log, optionally filtered by event
// kind, ticket and starting sequence index.
//
// Exit codes:
//
//	0 = listed
//	1 = the log failed verification
//	2 = usage or runtime error
func runEventsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("events", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		snapshotPath string
		fromDB       bool
		kindName     string
		ticketID     string
		since        int
		jsonOutput   bool
	)
	cmd.StringVar(&snapshotPath, "snapshot", "", "Path to a snapshot file")
	cmd.BoolVar(&fromDB, "db", false, "Read the log stored in DATABASE_URL")
	cmd.StringVar(&kindName, "kind", "", "Only events of this kind (e.g. AUTHORIZATION_APPROVED)")
	cmd.StringVar(&ticketID, "ticket", "", "Only events caused by this ticket")
	cmd.IntVar(&since, "since", 0, "First sequence index to list")
	cmd.BoolVar(&jsonOutput, "json", false, "Output events as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (snapshotPath == "") == !fromDB {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --snapshot or --db is required")
		return 2
	}
	var kind eventlog.Kind
	if kindName != "" {
		k, err := eventlog.ParseKind(kindName)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v: %q\n", err, kindName)
			return 2
		}
		kind = k
	}
	setupLogger(cfg, stderr)

	var (
		snap eventlog.Snapshot
		err  error
	)
	if fromDB {
		snap, err = loadStored(context.Background(), cfg)
	} else {
		snap, err = readSnapshot(snapshotPath)
		if err == nil {
			err = eventlog.VerifySnapshot(snap)
		}
	}
	switch {
	case errors.Is(err, eventlog.ErrIntegrityViolation):
		_, _ = fmt.Fprintf(stderr, "%sEvent log verification FAILED%s: %v\n", ColorRed, ColorReset, err)
		return 1
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	events := filterEvents(snap.Events, kind, ticketID, since)

	if jsonOutput {
		data, _ := json.MarshalIndent(events, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tKIND\tTICKET\tTIMESTAMP")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Sequence, e.Kind, e.TicketID, e.Timestamp.Format(time.RFC3339))
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(stdout, "%d of %d events\n", len(events), len(snap.Events))
	return 0
}

func filterEvents(all []eventlog.Event, kind eventlog.Kind, ticketID string, since int) []eventlog.Event {
	out := []eventlog.Event{}
	for _, e := range all {
		if e.Sequence < since {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		if ticketID != "" && e.TicketID != ticketID {
			continue
		}
		out = append(out, e)
	}
	return out
}
