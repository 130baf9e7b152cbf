package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"callsheet/internal/app"
	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
	"callsheet/internal/evaluator"
)

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "evaluate", Short: "Batch evaluation of automatic transitions"}
	cmd.AddCommand(evaluateRunCmd())
	cmd.AddCommand(evaluateScheduledCmd())
	return cmd
}

func withEvaluator(ctx context.Context, fn func(context.Context, engine.Engine, evaluator.Evaluator) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
		e := engine.New(ws.DB, ws.Config, logger)
		return fn(ctx, e, evaluator.New(e, ws.Config.Evaluator, logger))
	})
}

func evaluateRunCmd() *cobra.Command {
	var dryRun bool
	var phases string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Advance every project whose criteria and time gate are met",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := evaluator.Options{DryRun: dryRun}
			for _, raw := range splitList(phases) {
				p, err := domain.ParsePhase(raw)
				if err != nil {
					return err
				}
				opts.EnabledPhases = append(opts.EnabledPhases, p)
			}
			return withEvaluator(cmd.Context(), func(ctx context.Context, e engine.Engine, ev evaluator.Evaluator) error {
				opts.OrgID = orgID(e)
				if err := require(ctx, e, config.PermPhaseEvaluate); err != nil {
					return err
				}
				sum, runErr := ev.EvaluateAllProjects(ctx, opts)
				if viper.GetBool("json") {
					if err := printJSON(sum); err != nil {
						return err
					}
					return runErr
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Status", "From", "To", "Error"})
				for _, out := range sum.Outcomes {
					tw.AppendRow(table.Row{out.ProjectID, out.Status, out.From, out.To, out.Error})
				}
				tw.AppendFooter(table.Row{"", "evaluated", sum.Evaluated, "failed", sum.Failed})
				tw.Render()
				fmt.Printf("transitioned=%d would_transition=%d unchanged=%d dry_run=%t\n",
					sum.Transitioned, sum.WouldTransition, sum.Unchanged, sum.DryRun)
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would transition without writing")
	cmd.Flags().StringVar(&phases, "phases", "", "comma-separated phases to consider, e.g. prep,staffing")
	return cmd
}

func evaluateScheduledCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "List time gates opening soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEvaluator(cmd.Context(), func(ctx context.Context, e engine.Engine, ev evaluator.Evaluator) error {
				if err := require(ctx, e, config.PermPhaseEvaluate); err != nil {
					return err
				}
				items, err := ev.GetScheduledTransitions(ctx, orgID(e), hours)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "From", "To", "Scheduled at", "Timezone", "Criteria met"})
				for _, it := range items {
					local := it.ScheduledAt
					if loc, err := time.LoadLocation(it.Timezone); err == nil {
						local = local.In(loc)
					}
					tw.AppendRow(table.Row{it.ProjectID, it.From, it.To, local.Format("2006-01-02 15:04 MST"), it.Timezone, it.CriteriaMet})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", evaluator.DefaultLookahead, "lookahead window in hours")
	return cmd
}

func readinessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "readiness", Short: "Readiness data the criteria read"}
	cmd.AddCommand(readinessLoadCmd())
	return cmd
}

func readinessLoadCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "load <project-id>",
		Short: "Load team, staffing, talent, timecard and checklist rows from YAML or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := readBundle(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermReadinessWrite); err != nil {
					return err
				}
				if err := e.LoadReadiness(ctx, args[0], bundle, actorID()); err != nil {
					return err
				}
				items, err := e.ActionItems(ctx, args[0], nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to a YAML or JSON bundle")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readBundle accepts YAML or JSON. YAML is decoded generically and re-encoded
// so the bundle keeps a single set of json tags.
func readBundle(path string) (engine.ReadinessBundle, error) {
	var bundle engine.ReadinessBundle
	data, err := os.ReadFile(path)
	if err != nil {
		return bundle, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return bundle, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return bundle, fmt.Errorf("convert %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return bundle, fmt.Errorf("parse %s: %w", path, err)
	}
	return bundle, nil
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Event log"}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermPhaseRead); err != nil {
					return err
				}
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, projectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Project", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}
