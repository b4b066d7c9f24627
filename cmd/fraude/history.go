package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/fraude/internal/archive"
	"github.com/joss/fraude/internal/config"
	"github.com/joss/fraude/internal/render"
	"github.com/joss/fraude/internal/workflow"
)

func historyCmd() *cobra.Command {
	var state string
	var limit int
	var all bool

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "List finished interactions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := archive.Open(config.GetPaths().Archive)
			if err != nil {
				return err
			}
			defer arc.Close()

			if len(args) == 1 {
				st, err := arc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(st)
				}
				fmt.Print(render.New(pretty).Summary(st))
				return nil
			}

			f := archive.Filter{State: workflow.State(state), Limit: limit}
			if !all {
				f.RepoRoot = cfg.RepoRoot
			}
			list, err := arc.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(list)
			}
			fmt.Print(render.New(pretty).History(list))
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only interactions that ended in this state")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries")
	cmd.Flags().BoolVar(&all, "all", false, "Include every repository")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
