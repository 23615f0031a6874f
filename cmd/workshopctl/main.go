// Command workshopctl is the workshop-control CLI: it sends
// length-prefixed control datagrams to a running workshopd's control
// socket and reports the outcome.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cm4all-oss/workshopd/internal/control"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:   "workshopctl",
		Short: "Control a running workshopd instance over its control socket",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", control.DefaultSocketPath, "control socket address (abstract socket if it begins with @)")

	root.AddCommand(nopCmd(), verboseCmd(), disableQueueCmd(), enableQueueCmd(), terminateChildrenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// send dials the control socket, runs fn against the client, and
// prints msg alongside the round-trip latency on success.
func send(msg string, fn func(*control.Client) error) error {
	start := time.Now()

	c, err := control.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := fn(c); err != nil {
		return err
	}

	fmt.Println(color.GreenString("%s", msg) + color.HiBlackString(" (%s, round-trip %s)", humanize.Time(start), time.Since(start).Round(time.Microsecond)))
	return nil
}

func nopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nop",
		Short: "Send a no-op packet, useful as a liveness probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send("ok", func(c *control.Client) error { return c.Nop() })
		},
	}
}

func verboseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verbose LEVEL",
		Short: "Set the daemon's log verbosity level (0-255)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid level %q: %w", args[0], err)
			}
			return send(fmt.Sprintf("verbosity set to %d", level), func(c *control.Client) error {
				return c.Verbose(level)
			})
		},
	}
}

func disableQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable-queue",
		Short: "Pause every partition's queue runner on this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send("queue disabled", func(c *control.Client) error { return c.DisableQueue() })
		},
	}
}

func enableQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable-queue",
		Short: "Resume every partition's queue runner on this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send("queue enabled", func(c *control.Client) error { return c.EnableQueue() })
		},
	}
}

func terminateChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate-children TAG",
		Short: "Tear down every running operator whose plan name matches TAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := args[0]
			return send(fmt.Sprintf("terminate requested for plan %q", tag), func(c *control.Client) error {
				return c.TerminateChildren(tag)
			})
		},
	}
}
