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
	"callsheet/internal/engine"
	"callsheet/internal/server"
)

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, orgID(e), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermRBACManage); err != nil {
					return err
				}
				return e.GrantRole(ctx, orgID(e), actorID(), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermRBACManage); err != nil {
					return err
				}
				return e.RevokeRole(ctx, orgID(e), actorID(), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermAPIKeyManage); err != nil {
					return err
				}
				if target == "" {
					target = actorID()
				}
				issued, err := e.CreateAPIKey(ctx, actorID(), target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issued)
				}
				fmt.Printf("API key %s for %s:\n%s\n", issued.ID, issued.ActorID, issued.Key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermAPIKeyManage); err != nil {
					return err
				}
				keys, err := e.ListAPIKeys(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, k.LastUsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermAPIKeyManage); err != nil {
					return err
				}
				return e.RevokeAPIKey(ctx, actorID(), args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var target, perms, roles string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with CALLSHEET_JWT_SECRET",
		Long:  "Permissions listed with --permissions are trusted by the API as is; without them the actor's role bindings apply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("CALLSHEET_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CALLSHEET_JWT_SECRET is not set")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := require(ctx, e, config.PermAPIKeyManage); err != nil {
					return err
				}
				if target == "" {
					target = actorID()
				}
				token, err := server.SignToken(secret, target, ttl, splitList(roles), splitList(perms))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"actor_id": target, "token": token, "expires_in": ttl.String()})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&perms, "permissions", "", "comma-separated permissions embedded in the token")
	cmd.Flags().StringVar(&roles, "roles", "", "comma-separated roles embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
