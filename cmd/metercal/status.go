package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/enermet/metercal/pkg/client"
	"github.com/enermet/metercal/pkg/session"
)

// NewStatusCommand .
func NewStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the live state of a running bench",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.NewClient(addr).GetStatus()
			if err != nil {
				return fmt.Errorf("failed to query bench at %s: %w", addr, err)
			}

			if len(st.Running) == 0 && len(st.Reports) == 0 {
				fmt.Println("no sessions enrolled")
				return nil
			}
			for _, id := range st.Running {
				color.New(color.Bold).Printf("  … %-16s running\n", id)
			}
			for _, r := range st.Reports {
				if r.State == session.StateCompleted {
					color.New(color.Bold, color.FgGreen).Printf("  ✔ %-16s", r.Target.ID)
					fmt.Printf(" completed in %s\n", r.Duration.Round(time.Millisecond))
				} else {
					color.New(color.Bold, color.FgRed).Printf("  ✘ %-16s", r.Target.ID)
					fmt.Printf(" failed at %s: %s\n", r.FailedStep, r.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9832", "status API address of the running bench")

	return cmd
}
