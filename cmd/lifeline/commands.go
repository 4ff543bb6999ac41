package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/basket/lifeline/internal/audit"
	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/doctor"
	"github.com/basket/lifeline/internal/heartbeat"
	"github.com/basket/lifeline/internal/persistence"
)

// Exit code for `next` when the wake queue is empty.
const exitEmpty = 3

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInitCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	home := config.HomeDir()
	if err := config.WriteDefault(home); err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	schedPath := config.SchedulePath(home)
	if _, err := os.Stat(schedPath); errors.Is(err, os.ErrNotExist) {
		if err := config.WriteSchedule(schedPath, heartbeat.DefaultSchedule()); err != nil {
			fmt.Fprintf(stderr, "init: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "config:   %s\nschedule: %s\n\n", config.ConfigPath(home), schedPath)
	fmt.Fprintln(stdout, "Configure oracle.primary in config.yaml before starting the daemon;")
	fmt.Fprintln(stdout, "without a reachable oracle every tick reads a zero balance.")
	return 0
}

func runTickCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tick", stderr)
	asJSON := fs.Bool("json", false, "print the tick result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := loadApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "tick: %v\n", err)
		return 1
	}
	defer a.Close()

	res, err := a.scheduler.Tick(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "tick: %v\n", err)
		return 1
	}
	if *asJSON {
		if err := writeJSON(stdout, res); err != nil {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "tick %s  tier=%s  balance=%s\n", res.TickID, res.Tier, humanize.CommafWithDigits(res.Balance, 2))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, r := range res.Runs {
		detail := r.Message
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "  ran\t%s\t%s\t%s\t%s\n", r.Task, r.Result, r.Duration.Round(time.Millisecond), detail)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(tw, "  skip\t%s\t%s\t\t\n", s.Task, s.Reason)
	}
	_ = tw.Flush()
	if res.ShouldWake {
		fmt.Fprintf(stdout, "wake: %s\n", strings.ReplaceAll(res.Message, "\n", "; "))
	}
	return 0
}

func runHistoryCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history", stderr)
	limit := fs.Int("n", 20, "number of runs to show")
	asJSON := fs.Bool("json", false, "print runs as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "usage: lifeline history [-n N] [task]")
		return 2
	}
	a, err := loadApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	defer a.Close()

	runs, err := a.store.GetHistory(ctx, fs.Arg(0), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	if *asJSON {
		if err := writeJSON(stdout, runs); err != nil {
			return 1
		}
		return 0
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs recorded")
		return 0
	}
	now := a.store.Now()
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tTASK\tRESULT\tDURATION\tWAKE\tDETAIL")
	for _, r := range runs {
		detail := r.Message
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%t\t%s\n",
			humanize.RelTime(r.StartedAt, now, "ago", "from now"), r.TaskName, r.Result, r.DurationMS, r.ShouldWake, detail)
	}
	_ = tw.Flush()
	return 0
}

func runWakeCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("wake", stderr)
	source := fs.String("source", "cli", "who is asking for the wake")
	key := fs.String("key", "", "dedup key; repeated keys within -ttl are dropped")
	payload := fs.String("payload", "", "free-form payload stored with the event")
	ttl := fs.Duration("ttl", heartbeat.DefaultWakeDedupTTL, "dedup window for -key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	reason := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if reason == "" {
		fmt.Fprintln(stderr, "usage: lifeline wake [-source S] [-key K] [-payload P] <reason>")
		return 2
	}
	a, err := loadApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "wake: %v\n", err)
		return 1
	}
	defer a.Close()

	id, pushed, err := heartbeat.PushWake(ctx, a.store, *source, reason, *payload, *key, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "wake: %v\n", err)
		return 1
	}
	if !pushed {
		fmt.Fprintf(stdout, "duplicate wake suppressed (key %s)\n", *key)
		return 0
	}
	audit.Record(audit.DecisionOperator, "wake.push", reason, *source)
	fmt.Fprintf(stdout, "queued wake #%d\n", id)
	return 0
}

func runNextCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("next", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := loadApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "next: %v\n", err)
		return 1
	}
	defer a.Close()

	ev, err := a.store.ConsumeNextWake(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "next: %v\n", err)
		return 1
	}
	if ev == nil {
		fmt.Fprintln(stderr, "no pending wake events")
		return exitEmpty
	}
	if err := writeJSON(stdout, ev); err != nil {
		return 1
	}
	return 0
}

func runInboxCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("inbox", stderr)
	status := fs.String("status", "", "filter by status (received, in_progress, processed, failed)")
	limit := fs.Int("n", 20, "number of messages to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := loadApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	defer a.Close()

	backlog, err := a.store.CountUnprocessedInbox(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	msgs, err := a.store.ListInbox(ctx, persistence.InboxStatus(*status), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "unprocessed: %d\n", backlog)
	if len(msgs) == 0 {
		return 0
	}
	now := a.store.Now()
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tSTATUS\tTRIES\tSOURCE\tSENDER\tCONTENT")
	for _, m := range msgs {
		content := m.Content
		if len(content) > 60 {
			content = content[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			humanize.RelTime(m.ReceivedAt, now, "ago", "from now"), m.Status, m.RetryCount, m.MaxRetries, m.Source, m.Sender, content)
	}
	_ = tw.Flush()
	return 0
}

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("doctor", stderr)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *asJSON {
		if err := writeJSON(stdout, diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "Lifeline Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%-4s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
