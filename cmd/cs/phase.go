package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
)

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Inspect and move project phases"}
	cmd.AddCommand(phaseShowCmd())
	cmd.AddCommand(phaseEvaluateCmd())
	cmd.AddCommand(phaseTransitionCmd())
	cmd.AddCommand(phaseHistoryCmd())
	cmd.AddCommand(phaseItemsCmd())
	return cmd
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseRead); err != nil {
					return err
				}
				st, err := e.GetState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s\nPhase: %s (%s)\nSince: %s\nAuto transitions: %t\n",
					st.ProjectID, st.CurrentPhase.Display(), st.CurrentPhase, st.PhaseUpdatedAt.Format(time.RFC3339), st.AutoTransitionsEnabled)
				return nil
			})
		},
	}
}

func phaseEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <project-id>",
		Short: "Evaluate whether the project can advance, without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseRead); err != nil {
					return err
				}
				ev, err := e.Inspect(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				printDecision(ev.Result)
				if ev.Timezone.Warning != "" {
					fmt.Println("Timezone warning:", ev.Timezone.Warning)
				}
				return nil
			})
		},
	}
}

func printDecision(r domain.TransitionResult) {
	fmt.Printf("Phase: %s\n", r.CurrentPhase.Display())
	if r.TargetPhase != nil {
		fmt.Printf("Next: %s (can transition: %t)\n", r.TargetPhase.Display(), r.CanTransition)
	} else {
		fmt.Println("Next: none")
	}
	fmt.Printf("Criteria met: %t  Time gate met: %t  Timezone: %s\n", r.CriteriaMet, r.TimeGateMet, r.Timezone)
	if r.ScheduledAt != nil {
		fmt.Printf("Scheduled at: %s\n", r.ScheduledAt.Format(time.RFC3339))
	}
	if len(r.Blockers) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Blocker", "Label", "Detail"})
	for _, b := range r.Blockers {
		tw.AppendRow(table.Row{b.Key, b.Label, b.Detail})
	}
	tw.Render()
}

func phaseTransitionCmd() *cobra.Command {
	var reason, expected string
	var force bool
	cmd := &cobra.Command{
		Use:   "transition <project-id> <target-phase>",
		Short: "Move a project to a phase by hand",
		Long:  "Targets other than the recommended next phase need --force and --reason.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParsePhase(args[1])
			if err != nil {
				return err
			}
			req := engine.ExecuteRequest{
				ProjectID: args[0],
				Target:    target,
				Trigger:   domain.TriggerManual,
				Actor:     actorID(),
				Reason:    reason,
				Force:     force,
			}
			if expected != "" {
				v, err := time.Parse(time.RFC3339Nano, expected)
				if err != nil {
					return &domain.ValidationError{Field: "expected_version", Message: "expected an RFC 3339 timestamp"}
				}
				req.ExpectedVersion = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseTransition); err != nil {
					return err
				}
				res, err := e.ExecuteTransition(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.NoOp {
					fmt.Printf("%s is already in %s\n", res.ProjectID, res.Current.Display())
					return nil
				}
				fmt.Printf("%s: %s -> %s\n", res.ProjectID, res.Previous.Display(), res.Current.Display())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the transition is made")
	cmd.Flags().BoolVar(&force, "force", false, "override readiness criteria and time gates")
	cmd.Flags().StringVar(&expected, "expected-version", "", "phase_updated_at the decision was based on")
	return cmd
}

func phaseHistoryCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show transition history, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseRead); err != nil {
					return err
				}
				page, err := e.History(ctx, args[0], limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "Trigger", "Actor", "Forced", "Reason"})
				for _, rec := range page.Items {
					tw.AppendRow(table.Row{
						rec.OccurredAt.Format(time.RFC3339), rec.FromPhase, rec.ToPhase,
						rec.Trigger, rec.Actor, rec.Forced, rec.Reason,
					})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Println("More: --cursor", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this cursor")
	return cmd
}

func phaseItemsCmd() *cobra.Command {
	var phaseFlag string
	cmd := &cobra.Command{
		Use:   "items <project-id>",
		Short: "List what is left before the project may leave a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var phase *domain.Phase
			if phaseFlag != "" {
				p, err := domain.ParsePhase(phaseFlag)
				if err != nil {
					return err
				}
				phase = &p
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseRead); err != nil {
					return err
				}
				items, err := e.ActionItems(ctx, args[0], phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Key", "Label", "Detail"})
				for _, it := range items.Validation.Blockers {
					tw.AppendRow(table.Row{"blocker", it.Key, it.Label, it.Detail})
				}
				for _, it := range items.Validation.PendingItems {
					tw.AppendRow(table.Row{"pending", it.Key, it.Label, it.Detail})
				}
				for _, it := range items.Validation.CompletedItems {
					tw.AppendRow(table.Row{"done", it.Key, it.Label, it.Detail})
				}
				for _, it := range items.Readiness {
					state := "open"
					if it.Done {
						state = "done"
					}
					tw.AppendRow(table.Row{state, it.Key, it.Label, ""})
				}
				fmt.Printf("%s checklist for %s\n", items.Phase.Display(), items.ProjectID)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseFlag, "phase", "", "phase to report on (defaults to the current phase)")
	return cmd
}
