package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/fraude/internal/render"
	"github.com/joss/fraude/internal/runner"
	"github.com/joss/fraude/internal/server"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/workflow"
)

// apiClient talks to a running fraude serve process, which owns the
// staged changes of its interactions.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		addr = "http://" + addr
	}
	return &apiClient{base: strings.TrimRight(addr, "/") + "/v1", http: &http.Client{Timeout: 10 * time.Minute}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("no fraude server at %s: %w", strings.TrimSuffix(c.base, "/v1"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e server.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (%s)", e.Error, e.Code)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", "", "Address of a running fraude serve (default from config)")
}

func resolveAddr(addr string) string {
	if addr != "" {
		return addr
	}
	return cfg.ListenAddr
}

func pendingCmd() *cobra.Command {
	var (
		addr   string
		all    bool
		hidden bool
	)

	cmd := &cobra.Command{
		Use:   "pending [interaction-id]",
		Short: "Show staged changes held by a running server",
		Long: `Without an id, lists the live interactions of the server.
With an id, prints the diffs staged by that interaction.
With --all, lists every staged change by path, superseded ones included.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveAddr(addr))

			if all {
				var ledger map[string][]server.ChangeView
				path := fmt.Sprintf("/changes?hidden=%t", hidden)
				if err := client.do(cmd.Context(), http.MethodGet, path, nil, &ledger); err != nil {
					return err
				}
				if jsonOut {
					return printJSON(ledger)
				}
				listLedger(render.Stdout(), ledger)
				return nil
			}

			if len(args) == 0 {
				var list []server.InteractionResponse
				if err := client.do(cmd.Context(), http.MethodGet, "/interactions", nil, &list); err != nil {
					return err
				}
				if jsonOut {
					return printJSON(list)
				}
				listInteractions(render.Stdout(), list)
				return nil
			}

			var views []server.ChangeView
			path := "/interactions/" + url.PathEscape(args[0]) + "/changes"
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &views); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(views)
			}
			fmt.Print(render.New(pretty).Changes(changesOf(views)))
			return nil
		},
	}
	addrFlag(cmd, &addr)
	cmd.Flags().BoolVar(&all, "all", false, "List the whole staging ledger grouped by path")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Include hidden changes with --all")
	return cmd
}

// listLedger prints staged changes per path, oldest first. Only the last
// entry of a path is live.
func listLedger(w *render.Writer, ledger map[string][]server.ChangeView) {
	if len(ledger) == 0 {
		w.Empty("Nothing staged")
		return
	}
	paths := make([]string, 0, len(ledger))
	for p := range ledger {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.Section("Staged")
	for _, p := range paths {
		views := ledger[p]
		w.Item("%s", p)
		for i, v := range views {
			state := "superseded"
			if i == len(views)-1 {
				state = "live"
			}
			line := fmt.Sprintf("%s %s +%d -%d", v.ID, state, v.Added, v.Removed)
			if v.Feedback != "" {
				line += fmt.Sprintf(" %q", v.Feedback)
			}
			w.Nested("%s", line)
		}
	}
}

func applyCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Write every change still staged on a running server",
		Long: `Flushes the staging ledger to disk, for example changes left behind by
an interaction cancelled while it was writing. Refused while any
interaction is still running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(resolveAddr(addr))
			var results []server.AppliedView
			if err := client.do(cmd.Context(), http.MethodPost, "/changes/apply", nil, &results); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(results)
			}
			return listApplied(render.Stdout(), results)
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

// listApplied prints apply outcomes and fails when any write failed.
func listApplied(w *render.Writer, results []server.AppliedView) error {
	if len(results) == 0 {
		w.Empty("Nothing staged")
		return nil
	}
	failed := 0
	w.Section("Applied")
	for _, r := range results {
		if r.Error != "" {
			failed++
			w.Item("%s %s", render.StatusIcon("failed"), r.Path)
			w.Nested("%s", r.Error)
			continue
		}
		w.Item("%s %s", render.StatusIcon("done"), r.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d change(s) could not be written", failed, len(results))
	}
	return nil
}

func feedbackCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:     "feedback <interaction-id> <change-id> <note>",
		Short:   "Attach a review note to a staged change",
		Example: `  fraude feedback 01J... 3f2a... "guard against division by zero"`,
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveAddr(addr))
			path := "/interactions/" + url.PathEscape(args[0]) + "/changes/" + url.PathEscape(args[1]) + "/feedback"
			var views []server.ChangeView
			err := client.do(cmd.Context(), http.MethodPost, path,
				server.FeedbackRequest{Feedback: strings.Join(args[2:], " ")}, &views)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(views)
			}
			fmt.Print(render.New(pretty).Changes(changesOf(views)))
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

// listInteractions groups live interactions by status.
func listInteractions(w *render.Writer, list []server.InteractionResponse) {
	if len(list) == 0 {
		w.Empty("No live interactions")
		return
	}
	var order []workflow.InteractionStatus
	byStatus := map[workflow.InteractionStatus][]server.InteractionResponse{}
	for _, it := range list {
		if _, ok := byStatus[it.Status]; !ok {
			order = append(order, it.Status)
		}
		byStatus[it.Status] = append(byStatus[it.Status], it)
	}
	for _, status := range order {
		w.Section(strings.ReplaceAll(string(status), "_", " "))
		for _, it := range byStatus[status] {
			w.Item("%s %s", render.StatusIcon(string(it.State)), it.ID)
			w.Nested("%s", it.State)
		}
	}
}

// changesOf rebuilds renderable changes from their wire form.
func changesOf(views []server.ChangeView) []*staging.PendingChange {
	out := make([]*staging.PendingChange, 0, len(views))
	for _, v := range views {
		c := &staging.PendingChange{
			ID:        v.ID,
			Path:      v.Path,
			Kind:      v.Kind,
			Diff:      v.Hunks,
			Patch:     v.Patch,
			Feedback:  v.Feedback,
			CreatedAt: v.CreatedAt,
		}
		if !v.NewFile {
			empty := ""
			c.OriginalContent = &empty
		}
		out = append(out, c)
	}
	return out
}

func testCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "test <command>",
		Short: "Run a command against the staged changes of a running server",
		Long: `The server writes every staged change to disk, runs the command in the
repository root and restores the original files afterwards.`,
		Example: `  fraude test "go test ./..."`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveAddr(addr))
			var res runner.Result
			err := client.do(cmd.Context(), http.MethodPost, "/test",
				server.TestRequest{Command: strings.Join(args, " ")}, &res)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Print(render.New(pretty).TestResult(res))
			if !res.Passed() {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}
