package main

import (
	"github.com/spf13/cobra"

	"github.com/joss/fraude/internal/reindex"
	"github.com/joss/fraude/internal/render"
)

func indexCmd() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the repository into the retrieval and graph services",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newIndexApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.reindexer.IndexRepo(cmd.Context(), cfg.Collection(), cfg.RepoRoot, pattern)
			w := render.Stdout()
			w.Section("indexed " + cfg.Collection())
			w.Item("%d file(s)", stats.Files)
			w.Nested("%d chunk(s)", stats.Chunks)
			if a.structure != nil {
				w.Nested("%d definition(s)", stats.Definitions)
			} else {
				w.Nested("graph unavailable, definitions skipped")
			}
			if stats.Failed > 0 {
				w.Item("%d file(s) failed", stats.Failed)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", reindex.DefaultPattern, "Glob of files to index")
	return cmd
}
