package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joss/fraude/internal/planning"
	"github.com/joss/fraude/internal/render"
	"github.com/joss/fraude/internal/synth"
	"github.com/joss/fraude/internal/workflow"
)

func modifyCmd() *cobra.Command {
	var mode string
	var yes bool

	cmd := &cobra.Command{
		Use:   "modify <request>",
		Short: "Generate, review and apply changes for a request",
		Example: `  fraude modify "add a division function to utils.py"
  fraude modify --mode planning "split the parser into lexer and parser"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if mode == "" {
				mode = cfg.Mode
			}
			id, err := a.manager.StartModification(context.WithoutCancel(ctx), workflow.Request{
				Query: strings.Join(args, " "),
				Mode:  synth.ParseMode(mode),
			})
			if err != nil {
				return err
			}

			d := &driver{
				manager: a.manager,
				render:  render.New(pretty),
				out:     os.Stdout,
				prompt:  stdinPrompter(),
				yes:     yes,
			}
			st, err := d.run(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, d.render.Summary(st))
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "fast or planning (default from config)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve the plan and apply changes without asking")
	return cmd
}

// driver follows one interaction, printing its updates and answering its
// gates from the prompter.
type driver struct {
	manager *workflow.Manager
	render  *render.Renderer
	out     io.Writer
	prompt  *prompter
	yes     bool

	answered int
	streamed map[string]int
}

// run blocks until the interaction finishes and returns its final state.
// Cancelling ctx cancels the interaction.
func (d *driver) run(ctx context.Context, id string) (*workflow.WorkflowState, error) {
	updates, unsubscribe, err := d.manager.Subscribe(id)
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	d.answered = -1
	d.streamed = map[string]int{}
	if err := d.answerGate(ctx, id); err != nil {
		return nil, err
	}

	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			if err := d.manager.Cancel(id); err != nil && !errors.Is(err, workflow.ErrUnknownInteraction) {
				return nil, err
			}
		case u, ok := <-updates:
			if !ok {
				return d.manager.Snapshot(id)
			}
			d.show(u)
			if u.Kind == workflow.UpdateTransition &&
				(u.To == workflow.StatePlanReview || u.To == workflow.StateAwaitingConfirmation) {
				if err := d.answerGate(ctx, id); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (d *driver) show(u workflow.Update) {
	switch u.Kind {
	case workflow.UpdateProgress:
		// progress carries the full text so far; print the new tail only
		seen := d.streamed[u.Purpose]
		if seen > len(u.Text) {
			seen = 0
		}
		fmt.Fprint(d.out, u.Text[seen:])
		d.streamed[u.Purpose] = len(u.Text)
	case workflow.UpdatePlan:
		fmt.Fprintln(d.out)
		fmt.Fprint(d.out, d.render.Plan(planning.ParsePlan(u.Text).Steps))
	default:
		if line := d.render.Update(u); line != "" {
			if len(d.streamed) > 0 {
				fmt.Fprintln(d.out)
				clear(d.streamed)
			}
			fmt.Fprintln(d.out, line)
		}
	}
}

// answerGate handles the gate the interaction currently waits on, once per
// visit. Gate visits are told apart by the length of the transition history.
func (d *driver) answerGate(ctx context.Context, id string) error {
	st, err := d.manager.Snapshot(id)
	if err != nil {
		return err
	}
	if len(st.History) == d.answered {
		return nil
	}

	switch st.State {
	case workflow.StatePlanReview:
		d.answered = len(st.History)
		outcome, feedback, err := d.reviewPlan(ctx)
		if err != nil {
			return d.abandon(ctx, id, err)
		}
		return ignoreStale(d.manager.ResolvePlanReview(id, outcome, feedback))

	case workflow.StateAwaitingConfirmation:
		d.answered = len(st.History)
		changes, err := d.manager.PendingChanges(id)
		if err != nil {
			return err
		}
		fmt.Fprintln(d.out)
		fmt.Fprint(d.out, d.render.Changes(changes))
		ok, err := d.confirm(ctx)
		if err != nil {
			return d.abandon(ctx, id, err)
		}
		return ignoreStale(d.manager.ResolveConfirmation(id, ok))
	}
	return nil
}

func (d *driver) reviewPlan(ctx context.Context) (workflow.PlanOutcome, string, error) {
	if d.yes {
		return workflow.PlanProceed, "", nil
	}
	if !d.prompt.interactive {
		fmt.Fprintln(d.out, "plan review needs a terminal or --yes; cancelling")
		return workflow.PlanCancel, "", nil
	}
	for {
		ans, err := d.prompt.ask(ctx, "Proceed with this plan? [p]roceed / [m]odify / [c]ancel: ")
		if err != nil {
			return "", "", err
		}
		switch strings.ToLower(ans) {
		case "p", "proceed", "y", "yes":
			return workflow.PlanProceed, "", nil
		case "c", "cancel", "n", "no":
			return workflow.PlanCancel, "", nil
		case "m", "modify":
			feedback, err := d.prompt.ask(ctx, "What should change? ")
			if err != nil {
				return "", "", err
			}
			if feedback != "" {
				return workflow.PlanModify, feedback, nil
			}
		}
	}
}

func (d *driver) confirm(ctx context.Context) (bool, error) {
	if d.yes {
		return true, nil
	}
	if !d.prompt.interactive {
		fmt.Fprintln(d.out, "confirmation needs a terminal or --yes; rejecting")
		return false, nil
	}
	return d.prompt.confirm(ctx, "Apply these changes?")
}

// abandon cancels the interaction when input is gone. A cancelled ctx is
// handled by the run loop.
func (d *driver) abandon(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, errNoInput) {
		return ignoreStale(d.manager.Cancel(id))
	}
	return err
}

// ignoreStale drops errors from a gate that was resolved or cancelled
// while the user was answering.
func ignoreStale(err error) error {
	if errors.Is(err, workflow.ErrNotAwaiting) || errors.Is(err, workflow.ErrUnknownInteraction) {
		return nil
	}
	return err
}
