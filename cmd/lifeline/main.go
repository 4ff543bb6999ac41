package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/lifeline/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s [command] [flags]

COMMANDS:
  daemon                      Run the heartbeat scheduler and operator API (default)
  init                        Write a starter config.yaml and heartbeat.yaml
  tick [-json]                Run one tick now and print what ran
  status [-watch]             Show tier, agent state and the schedule table
  top                         Alias for status -watch
  history [-n N] [task]       Show recent task runs
  wake [-source S] [-key K] [-payload P] <reason>
                              Queue a wake event (deduplicated on -key)
  next                        Consume the next wake event (exit 3 when none)
  inbox [-status S]           Show inbox backlog
  doctor [-json]              Run diagnostic checks

ENVIRONMENT VARIABLES:
  LIFELINE_HOME               Data directory (default: ~/.lifeline)
  LIFELINE_*                  Override any config.yaml field (e.g. LIFELINE_LOG_LEVEL)
`, os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "daemon"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "daemon":
		return runDaemonCommand(ctx, args, stderr)
	case "init":
		return runInitCommand(args, stdout, stderr)
	case "tick":
		return runTickCommand(ctx, args, stdout, stderr)
	case "status":
		return runStatusCommand(ctx, args, stdout, stderr)
	case "top":
		return runStatusCommand(ctx, append([]string{"-watch"}, args...), stdout, stderr)
	case "history":
		return runHistoryCommand(ctx, args, stdout, stderr)
	case "wake":
		return runWakeCommand(ctx, args, stdout, stderr)
	case "next":
		return runNextCommand(ctx, args, stdout, stderr)
	case "inbox":
		return runInboxCommand(ctx, args, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func fatalStartup(logger *slog.Logger, stderr io.Writer, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.DecisionFatal, "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","tick_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Is another lifeline daemon running?", port, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
