package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Phase transition settings",
		Long:  "Settings resolve project override, then organization override, then the workspace defaults in callsheet.yml.",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configResetCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective settings for a project, or the organization settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cfg domain.PhaseConfiguration
				var err error
				if projectID != "" {
					if err := requireOnProject(ctx, e, projectID, config.PermPhaseConfigRead); err != nil {
						return err
					}
					cfg, err = e.Settings.Effective(ctx, projectID)
				} else {
					if err := require(ctx, e, config.PermPhaseConfigRead); err != nil {
						return err
					}
					cfg, err = e.Settings.Organization(ctx, orgID(e))
				}
				if err != nil {
					return err
				}
				return printPhaseConfig(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (organization settings when empty)")
	return cmd
}

func printPhaseConfig(cfg domain.PhaseConfiguration) error {
	if viper.GetBool("json") {
		return printJSON(cfg)
	}
	source := func(field string) domain.ConfigSource {
		if s, ok := cfg.Sources[field]; ok {
			return s
		}
		return domain.SourceDefault
	}
	rows := map[string]any{
		"archive_month":             int(cfg.ArchiveMonth),
		"archive_day":               cfg.ArchiveDay,
		"post_show_transition_hour": cfg.PostShowTransitionHour,
		"auto_transitions_enabled":  cfg.AutoTransitionsEnabled,
		"timezone":                  cfg.Timezone,
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Setting", "Value", "Source"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k, rows[k], source(k)})
	}
	tw.Render()
	return nil
}

func configSetCmd() *cobra.Command {
	var projectID, timezone string
	var month, day, hour int
	var auto bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Override settings for a project (--project) or the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.PhaseConfigPatch
			if cmd.Flags().Changed("archive-month") {
				patch.ArchiveMonth = &month
			}
			if cmd.Flags().Changed("archive-day") {
				patch.ArchiveDay = &day
			}
			if cmd.Flags().Changed("post-show-hour") {
				patch.PostShowTransitionHour = &hour
			}
			if cmd.Flags().Changed("auto") {
				patch.AutoTransitionsEnabled = &auto
			}
			if cmd.Flags().Changed("timezone") {
				patch.Timezone = &timezone
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to set; pass at least one setting flag")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cfg domain.PhaseConfiguration
				var err error
				if projectID != "" {
					if err := requireOnProject(ctx, e, projectID, config.PermPhaseConfigWrite); err != nil {
						return err
					}
					cfg, err = e.Settings.SetProject(ctx, projectID, patch, actorID())
				} else {
					if err := require(ctx, e, config.PermPhaseConfigWrite); err != nil {
						return err
					}
					cfg, err = e.Settings.SetOrganization(ctx, orgID(e), patch, actorID())
				}
				if err != nil {
					return err
				}
				return printPhaseConfig(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (organization when empty)")
	cmd.Flags().IntVar(&month, "archive-month", 0, "month of the yearly archive date (1-12)")
	cmd.Flags().IntVar(&day, "archive-day", 0, "day of the yearly archive date")
	cmd.Flags().IntVar(&hour, "post-show-hour", 0, "local hour after the show end date when post_show opens (0-23)")
	cmd.Flags().BoolVar(&auto, "auto", true, "enable automatic transitions")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone")
	return cmd
}

func configResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <project-id>",
		Short: "Drop a project's setting overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := requireOnProject(ctx, e, args[0], config.PermPhaseConfigWrite); err != nil {
					return err
				}
				cfg, err := e.Settings.ResetProject(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printPhaseConfig(cfg)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace callsheet.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := config.Load(workspace); err != nil {
				return err
			}
			fmt.Println("Config valid:", config.Path(workspace))
			return nil
		},
	}
}
