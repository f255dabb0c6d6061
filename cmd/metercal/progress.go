package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/enermet/metercal/pkg/config"
	"github.com/enermet/metercal/pkg/session"
)

// NewProgressCommand .
func NewProgressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect stored calibration progress",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Show the stored step states for a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				rec, err := store.Load(args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Printf("no stored progress for %s\n", args[0])
					return nil
				}
				for _, s := range rec.Steps {
					marker := " "
					if s.State == session.StepCompleted {
						marker = color.GreenString("✔")
					} else if s.State == session.StepFailed {
						marker = color.RedString("✘")
					}
					fmt.Printf("  %s %d %-22s %-10s %s\n", marker, s.Index, s.Kind, s.State, s.SavedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear <session-id>",
			Short: "Discard a session's stored progress so the next run starts clean",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				if err := store.Archive(args[0]); err != nil {
					return err
				}
				fmt.Printf("cleared progress for %s\n", args[0])
				return nil
			},
		},
	)

	return cmd
}
