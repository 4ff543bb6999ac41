package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-isatty"

	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/tui"
)

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	watch := fs.Bool("watch", false, "keep refreshing (interactive dashboard on a terminal)")
	asJSON := fs.Bool("json", false, "print the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: lifeline status [-watch] [-json]")
		return 2
	}

	a, err := loadApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	defer a.Close()

	provider := func(ctx context.Context) tui.Snapshot {
		return tui.Collect(ctx, a.store, a.cfg.InstanceID, time.Time{})
	}

	if *watch && isatty.IsTerminal(os.Stdout.Fd()) {
		feed := tui.NewActivityFeed()
		feedCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go followDaemon(feedCtx, a.cfg.BindAddr, a.cfg.AuthToken, feed, a.logger)
		if err := tui.Run(ctx, provider, feed); err != nil && ctx.Err() == nil {
			fmt.Fprintf(stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	for {
		snap := provider(ctx)
		if *asJSON {
			if err := writeJSON(stdout, snap); err != nil {
				return 1
			}
		} else {
			fmt.Fprint(stdout, tui.Render(snap))
		}
		if !*watch {
			if !snap.DBOK {
				return 1
			}
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(5 * time.Second):
			fmt.Fprintln(stdout)
		}
	}
}

// followDaemon streams bus events from a running daemon's /ws endpoint into feed,
// redialing until ctx is done. A missing daemon just leaves the feed empty.
func followDaemon(ctx context.Context, bindAddr, token string, feed *tui.ActivityFeed, logger *slog.Logger) {
	url := wsURL(bindAddr)
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	backoff := time.Second
	for ctx.Err() == nil {
		err := streamEvents(ctx, url, opts, feed)
		if ctx.Err() != nil {
			return
		}
		logger.Debug("daemon event stream unavailable", "url", url, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type wsFrame struct {
	Topic   string          `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func streamEvents(ctx context.Context, url string, opts *websocket.DialOptions, feed *tui.ActivityFeed) error {
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		payload, err := bus.DecodePayload(frame.Topic, frame.Payload)
		if err != nil {
			continue
		}
		if item, ok := tui.FromEvent(bus.Event{Topic: frame.Topic, Payload: payload, At: frame.At}); ok {
			feed.Add(item)
		}
	}
}

func wsURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "ws://" + addr + "/ws"
}
