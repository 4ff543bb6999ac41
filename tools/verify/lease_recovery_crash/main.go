// Command lease_recovery_crash checks that a schedule lease held by a killed process
// stops blocking other instances once it expires.
//
//	lease_recovery_crash -mode prepare -db /tmp/l.db
//	lease_recovery_crash -mode claim-sleep -db /tmp/l.db -ttl 2s &  # then kill -9
//	lease_recovery_crash -mode recover -db /tmp/l.db -ttl 2s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/shared"
)

const entryName = "lease_crash_probe"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", 2*time.Second, "lease ttl used by claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		if _, err := store.RegisterSchedule(ctx, persistence.ScheduleEntry{
			Name:     entryName,
			Task:     "heartbeat_ping",
			Schedule: "1m",
			Enabled:  true,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "register entry: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_ENTRY=%s\n", entryName)
	case "claim-sleep":
		owner := shared.NewInstanceID()
		ok, err := store.AcquireLease(ctx, entryName, owner, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire lease: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "lease already held")
			os.Exit(1)
		}
		fmt.Printf("LEASE_OWNER=%s\n", owner)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		entry, err := store.GetSchedule(ctx, entryName)
		if err != nil || entry == nil {
			fmt.Fprintf(os.Stderr, "get entry: %v\n", err)
			os.Exit(1)
		}
		if entry.LeaseExpiresAt != nil {
			if wait := time.Until(*entry.LeaseExpiresAt); wait > 0 {
				fmt.Printf("WAITING=%s\n", wait.Round(time.Millisecond))
				time.Sleep(wait + 100*time.Millisecond)
			}
		}
		cleared, err := store.ClearExpiredLeases(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clear expired leases: %v\n", err)
			os.Exit(1)
		}
		owner := shared.NewInstanceID()
		ok, err := store.AcquireLease(ctx, entryName, owner, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire lease: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLEARED=%d\n", cleared)
		fmt.Printf("PREVIOUS_OWNER=%q\n", entry.LeaseOwner)
		if ok {
			_, _ = store.ReleaseLease(ctx, entryName, owner)
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: lease still held after expiry")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
