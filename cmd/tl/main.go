package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trackline CLI",
	Long: `Trackline tracks work across multi-tenant workspaces.
- Workspace: a tenant on a plan (FREE, PRO, BUSINESS) with owners, admins, members and viewers.
- Plan quota: seats, projects and attachment storage are reserved before anything is created.
- Project: a keyed container of tasks with its own workflow of statuses and WIP limits.
- Task: numbered per project (ENG-42), moved through the workflow, linked to other tasks.
- Audit: every change is recorded in the workspace log, view with 'tl audit list'.

Commands act as the user given by --as (TRACKLINE_AS); the user is created on first use.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if kind := engine.ErrorKind(err); kind != "internal" {
			fmt.Fprintln(os.Stderr, "kind:", kind)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "data directory holding trackline.yml and the database")
	rootCmd.PersistentFlags().StringP("workspace-id", "w", "", "workspace id")
	rootCmd.PersistentFlags().String("as", "", "acting user email")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "log to stderr")
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage trackline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default trackline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("dir"))
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// --- helpers ---

// session is an opened App plus the acting user.
type session struct {
	*app.App
	actor domain.User
}

func openApp(ctx context.Context) (*app.App, error) {
	opts := app.Options{Workspace: viper.GetString("dir"), Version: version}
	if viper.GetBool("verbose") {
		opts.LogOutput = os.Stderr
	}
	return app.Open(ctx, opts)
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	email := viper.GetString("as")
	if email == "" {
		return errors.New("--as (or TRACKLINE_AS) is required")
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	actor, err := a.Engine.EnsureUser(ctx, email, "")
	if err != nil {
		return err
	}
	return fn(ctx, session{App: a, actor: actor})
}

// retry runs fn again while the workspace lock is contended.
func retry[T any](ctx context.Context, s session, fn func(ctx context.Context) (T, error)) (T, error) {
	return engine.RetryBusy(ctx, s.Retry(), fn)
}

func workspaceID() (string, error) {
	id := viper.GetString("workspace-id")
	if id == "" {
		return "", errors.New("--workspace-id (or TRACKLINE_WORKSPACE_ID) is required")
	}
	return id, nil
}

func printJSONOrTable(v any, render func(t table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
