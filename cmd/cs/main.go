package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"callsheet/internal/app"
	"callsheet/internal/config"
	"callsheet/internal/db"
	"callsheet/internal/engine"
	"callsheet/internal/logging"
	"callsheet/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "cs",
	Short: "Callsheet phase engine CLI",
	Long: `Callsheet moves production projects through their lifecycle:
prep -> staffing -> pre_show -> active -> post_show -> complete -> archived.

- Workspace: a directory holding callsheet.yml and the .callsheet database.
- Phase: where a project is in its lifecycle; each project has exactly one.
- Criteria: the readiness checks a project must pass before it may advance.
- Time gates: rehearsal start, the hour after the show ends and the yearly
  archive date, all evaluated in the project's timezone.
- Evaluator: the batch job that advances every project whose gate is open.
- Event log: every transition and config change, view with 'cs events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Values already set in the process environment win over .env.
	workspace := viper.GetString("workspace")
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("CALLSHEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (defaults to the workspace org)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("busy-timeout", 5*time.Second, "sqlite busy timeout")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level", "busy-timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create callsheet.yml and seed the workspace organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := filepath.Join(workspace, "callsheet.yml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if os.Getenv("CALLSHEET_JWT_SECRET") == "" {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				if err := setEnvValue(filepath.Join(workspace, ".env"), "CALLSHEET_JWT_SECRET", secret); err != nil {
					return err
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, _ *slog.Logger) error {
				if viper.GetBool("json") {
					return printJSON(map[string]string{"config": path, "org": ws.Config.Workspace.Org, "owner": actorID()})
				}
				fmt.Printf("Wrote %s\nOrganization %s is owned by %s\n", path, ws.Config.Workspace.Org, actorID())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing callsheet.yml")
	return cmd
}

// --- helpers ---

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

// withWorkspace opens the workspace, builds the logger from its config and
// seeds the organization. The first actor to touch a fresh workspace owns it.
func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace, *slog.Logger) error) error {
	workspace := viper.GetString("workspace")
	ws, err := app.Open(ctx, workspace, viper.GetDuration("busy-timeout"))
	if err != nil {
		return err
	}
	defer ws.Close()
	level := viper.GetString("log-level")
	if level == "" {
		level = ws.Config.Logging.Level
	}
	logger, closer, err := logging.Open(logging.Options{Level: level, Format: ws.Config.Logging.Format, Workspace: workspace})
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := app.Bootstrap(ctx, repo.Repo{DB: ws.DB}, ws.Config, actorID()); err != nil {
		return fmt.Errorf("bootstrap workspace: %w", err)
	}
	return fn(ctx, ws, logger)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
		return fn(ctx, engine.New(ws.DB, ws.Config, logger))
	})
}

func orgID(e engine.Engine) string {
	if org := strings.TrimSpace(viper.GetString("org")); org != "" {
		return org
	}
	return e.Config.Workspace.Org
}

// require checks perm for the CLI actor in the workspace organization.
func require(ctx context.Context, e engine.Engine, perm string) error {
	return e.Auth.Require(ctx, orgID(e), actorID(), perm)
}

// requireOnProject checks perm in the organization that owns projectID.
func requireOnProject(ctx context.Context, e engine.Engine, projectID, perm string) error {
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	return e.Auth.Require(ctx, p.OrgID, actorID(), perm)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
