package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

// dateFlags collects the YYYY-MM-DD project date flags.
type dateFlags struct {
	rehearsal, showStart, showEnd string
}

func (d *dateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.rehearsal, "rehearsal-start", "", "rehearsal start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&d.showStart, "show-start", "", "show start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&d.showEnd, "show-end", "", "show end date (YYYY-MM-DD)")
}

func parseDateFlag(field, raw string) (*domain.Date, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Message: "expected YYYY-MM-DD"}
	}
	return &d, nil
}

func projectCreateCmd() *cobra.Command {
	var in domain.ProjectInput
	var timezone string
	var dates dateFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in prep",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.RehearsalStartDate, err = parseDateFlag("rehearsal_start_date", dates.rehearsal); err != nil {
				return err
			}
			if in.ShowStartDate, err = parseDateFlag("show_start_date", dates.showStart); err != nil {
				return err
			}
			if in.ShowEndDate, err = parseDateFlag("show_end_date", dates.showEnd); err != nil {
				return err
			}
			in.Timezone = optionalString(timezone)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.OrgID = orgID(e)
				if err := require(ctx, e, config.PermProjectCreate); err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&in.Name, "name", "", "project name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Venue, "venue", "", "venue")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone, e.g. America/New_York")
	dates.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, description, venue string
	var dates dateFlags
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Update project details and dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.ProjectPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("venue") {
				patch.Venue = &venue
			}
			var err error
			if patch.RehearsalStartDate, err = parseDateFlag("rehearsal_start_date", dates.rehearsal); err != nil {
				return err
			}
			if patch.ShowStartDate, err = parseDateFlag("show_start_date", dates.showStart); err != nil {
				return err
			}
			if patch.ShowEndDate, err = parseDateFlag("show_end_date", dates.showEnd); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermProjectUpdate); err != nil {
					return err
				}
				p, err := e.UpdateProject(ctx, args[0], patch, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&venue, "venue", "", "venue")
	dates.register(cmd)
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects with their current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermPhaseRead); err != nil {
					return err
				}
				items, err := e.ListProjects(ctx, orgID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Timezone", "Rehearsal", "Show end"})
				for _, p := range items {
					phase := ""
					if st, err := e.GetState(ctx, p.ID); err == nil {
						phase = st.CurrentPhase.Display()
					}
					tw.AppendRow(table.Row{p.ID, p.Name, phase, deref(p.Timezone), dateOrEmpty(p.RehearsalStartDate), dateOrEmpty(p.ShowEndDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseRead); err != nil {
					return err
				}
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dateOrEmpty(d *domain.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
