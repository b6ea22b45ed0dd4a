package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/desktop"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifysync"
)

const consoleHelp = `commands:
  list              show the feed, newest first
  read <id>         mark a notification read
  open <id>         navigate to a notification's path and mark it read
  refresh           reload the unread backlog
  goto <path>       change the current location
  allow             ask for desktop notification permission
  status            connection, location and load state
  quit              exit
`

type console struct {
	engine  *notifysync.Engine
	bridge  *desktop.Bridge
	out     io.Writer
	lines   <-chan string
	timeout time.Duration
}

// handle runs one command line and reports whether the session should end.
func (c *console) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
	case "list", "ls":
		c.list()
	case "read":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: read <id>")
			return false
		}
		if err := c.engine.MarkRead(ctx, args[0]); err != nil {
			fmt.Fprintf(c.out, "mark read failed: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "marked %s read (%d unread)\n", args[0], c.engine.UnreadCount())
	case "open":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: open <id>")
			return false
		}
		c.open(ctx, args[0])
	case "refresh":
		if err := c.engine.Refresh(ctx); err != nil {
			fmt.Fprintf(c.out, "refresh failed: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "%d notifications, %d unread\n", len(c.engine.Snapshot()), c.engine.UnreadCount())
	case "goto":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: goto <path>")
			return false
		}
		c.engine.Navigator().Navigate(args[0])
	case "allow":
		if c.bridge == nil {
			fmt.Fprintln(c.out, "desktop notifications are disabled")
			return false
		}
		permission, err := c.bridge.RequestPermission(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "permission request failed: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "desktop notifications: %s\n", permission)
	case "status":
		status := c.engine.LoadStatus()
		fmt.Fprintf(c.out, "stream: %s\nlocation: %s\nunread: %d\n", c.engine.ConnectionState(), c.engine.Navigator().Location(), c.engine.UnreadCount())
		if !status.LastSuccess.IsZero() {
			fmt.Fprintf(c.out, "last load: %s\n", status.LastSuccess.Format(time.RFC3339))
		}
		if status.Err != nil {
			fmt.Fprintf(c.out, "last load error: %v (run refresh to retry)\n", status.Err)
		}
	default:
		fmt.Fprintf(c.out, "unknown command %q, try help\n", cmd)
	}
	return false
}

func (c *console) list() {
	records := c.engine.Snapshot()
	if len(records) == 0 {
		fmt.Fprintln(c.out, "no notifications")
		return
	}
	for _, rec := range records {
		marker := "*"
		if rec.Read {
			marker = " "
		}
		line := fmt.Sprintf("%s %-26s [%s] %s: %s", marker, rec.ID, rec.ActionType, rec.Subject, rec.Message)
		if rec.Path != "" {
			line += " -> " + rec.Path
		}
		fmt.Fprintln(c.out, line)
	}
	fmt.Fprintf(c.out, "%d unread\n", c.engine.UnreadCount())
}

func (c *console) open(ctx context.Context, id string) {
	if c.bridge != nil {
		if err := c.bridge.Click(ctx, id); err != nil {
			fmt.Fprintf(c.out, "open failed: %v\n", err)
		}
		return
	}
	rec, ok := c.engine.Get(id)
	if !ok {
		fmt.Fprintf(c.out, "no notification %s\n", id)
		return
	}
	if rec.Path != "" {
		c.engine.Navigator().Navigate(rec.Path)
	}
	if err := c.engine.MarkRead(ctx, id); err != nil {
		fmt.Fprintf(c.out, "open failed: %v\n", err)
	}
}

// prompt answers a permission request with the next console line.
func (c *console) prompt(ctx context.Context) (bool, error) {
	fmt.Fprint(c.out, "Allow desktop notifications? [y/N] ")
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
