// Command carousel is the operator CLI for the carousel daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"carousel"
	"carousel/cmd/carousel/ui"
	"carousel/sdk"
)

func main() {
	ui.Configure()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:           "carousel",
		Short:         "Control the carousel rotation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "Daemon control socket path")

	cmd.AddCommand(statusCmd(&socketPath))
	cmd.AddCommand(rotateCmd(&socketPath))
	cmd.AddCommand(eventsCmd(&socketPath))
	cmd.AddCommand(historyCmd(&socketPath))
	return cmd
}

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backend fleet and proxy pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := sdk.Dial(*socketPath)
			defer client.Close()
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			last := "never"
			if st.LastCycle != nil {
				last = st.LastCycle.Local().Format(time.RFC3339)
			}
			fmt.Println(ui.KeyValues("  ",
				ui.KV("Cycles", strconv.FormatUint(st.Cycles, 10)),
				ui.KV("Last cycle", last),
				ui.KV("Pool members", strconv.Itoa(len(st.Pool))),
			))

			rows := make([][]string, 0, len(st.Containers))
			for _, c := range st.Containers {
				rows = append(rows, []string{
					shortID(c.ID),
					c.Name,
					ui.State(c.State),
					c.Addr,
					inPool(c.InPool),
					c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Println(ui.Table([]string{"ID", "NAME", "STATE", "ADDR", "POOL", "CREATED"}, rows))
			return nil
		},
	}
}

func rotateCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Start a rotation cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := sdk.Dial(*socketPath)
			defer client.Close()
			if err := client.Rotate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("rotation scheduled"))
			return nil
		},
	}
}

func eventsCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow the live rotation event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := sdk.Dial(*socketPath)
			defer client.Close()
			ch, err := client.Events(ctx)
			if err != nil {
				return err
			}
			for ev := range ch {
				printEvent(ev)
			}
			return nil
		},
	}
}

func historyCmd(socketPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted rotation events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := sdk.Dial(*socketPath)
			defer client.Close()
			evs, err := client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				printEvent(ev)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func printEvent(ev carousel.Event) {
	line := fmt.Sprintf("%s  %-16s %s",
		ui.Muted(ev.Time.Local().Format("15:04:05")),
		ui.State(ev.Transition.String()),
		shortID(ev.ContainerID))
	if ev.Detail != "" {
		line += "  " + ui.Muted(ev.Detail)
	}
	fmt.Println(line)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func inPool(v bool) string {
	if v {
		return ui.SuccessStyle.Render("yes")
	}
	return ui.Muted("no")
}

func defaultSocketPath() string {
	if runtime.GOOS == "darwin" {
		return "/tmp/carouseld.sock"
	}
	return "/var/run/carouseld.sock"
}
