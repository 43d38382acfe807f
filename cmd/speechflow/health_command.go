package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show job counts and queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			bus, err := ctx.openBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			health, err := store.Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Total", "Waiting", "Processing", "Completed", "Failed", "Cancelled"},
				[][]string{{
					fmt.Sprintf("%d", health.Total),
					fmt.Sprintf("%d", health.Waiting),
					fmt.Sprintf("%d", health.Processing),
					fmt.Sprintf("%d", health.Completed),
					fmt.Sprintf("%d", health.Failed),
					fmt.Sprintf("%d", health.Cancelled),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
			))

			depths, err := bus.Depths(cmd.Context())
			if err != nil {
				return err
			}
			if len(depths) == 0 {
				fmt.Fprintln(out, "\nAll queues empty.")
				return nil
			}
			queues := make([]string, 0, len(depths))
			for queue := range depths {
				queues = append(queues, queue)
			}
			sort.Strings(queues)
			rows := make([][]string, 0, len(queues))
			for _, queue := range queues {
				rows = append(rows, []string{queue, fmt.Sprintf("%d", depths[queue])})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Queue", "Depth"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}
