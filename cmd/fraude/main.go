// Package main provides the fraude CLI entrypoint.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joss/fraude/internal/config"
	"github.com/joss/fraude/internal/logging"
)

var (
	version = "0.1.0"
	pretty  = true
	jsonOut bool
	cfgFile string
	cfg     *config.FraudeEnv
)

func main() {
	var repo, project, logLevel string

	rootCmd := &cobra.Command{
		Use:   "fraude",
		Short: "Staged code modification from natural-language requests",
		Long: `fraude turns a natural-language request into patches against a repository.

Changes are staged in memory, shown as diffs and written only after
confirmation. Planning mode adds a reviewable plan before patch generation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configFile())
			if err != nil {
				return err
			}
			if repo != "" {
				loaded.RepoRoot = repo
			}
			if loaded.RepoRoot == "" {
				loaded.RepoRoot, _ = os.Getwd()
			}
			if abs, err := filepath.Abs(loaded.RepoRoot); err == nil {
				loaded.RepoRoot = abs
			}
			if project != "" {
				loaded.Project = project
			}
			if logLevel != "" {
				loaded.LogLevel = logLevel
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			logging.SetLevel(loaded.LogLevel)
			cfg = loaded
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $FRAUDE_CONFIG or ~/.fraude/config.yaml)")
	pf.StringVar(&repo, "repo", "", "Repository root (default $FRAUDE_REPO or the working directory)")
	pf.StringVar(&project, "project", "", "Collection name in the retrieval and graph services")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&pretty, "pretty", true, "Colored output")
	pf.BoolVar(&jsonOut, "json", false, "Output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "workflow", Title: "Modification:"},
		&cobra.Group{ID: "service", Title: "Service:"},
	)

	for _, c := range []*cobra.Command{modifyCmd(), pendingCmd(), feedbackCmd(), applyCmd(), testCmd()} {
		c.GroupID = "workflow"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{serveCmd(), indexCmd(), historyCmd()} {
		c.GroupID = "service"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configFile() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("FRAUDE_CONFIG"); p != "" {
		return p
	}
	return config.Path("config.yaml")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fraude version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fraude " + version)
		},
	}
}
