package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/zigzag/zzchat/router"
)

type consoleOps struct {
	stats func() router.Stats
	sweep func(ctx context.Context) (int, error)
	stop  func()
}

// runConsole reads operator commands line by line until in is exhausted,
// ctx ends or the stop command is given.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, ops consoleOps) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Server console ready. Type 'help' for commands.")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			fmt.Fprintln(out, "Available commands: stats, sweep, stop")
		case "stats":
			s := ops.stats()
			fmt.Fprintf(out, "connections=%d rooms=%d members=%d messages=%d rate_limited=%d\n",
				s.Connections, s.Rooms, s.Members, s.Messages, s.RateLimited)
		case "sweep":
			n, err := ops.sweep(ctx)
			if err != nil {
				fmt.Fprintln(out, "Sweep failed:", err)
				continue
			}
			fmt.Fprintf(out, "Removed %d expired messages.\n", n)
		case "stop":
			fmt.Fprintln(out, "Stopping server...")
			ops.stop()
			return
		default:
			fmt.Fprintln(out, "Unknown command.")
		}
	}
}
