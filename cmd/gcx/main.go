package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gridconsent/internal/app"
	"gridconsent/internal/config"
	"gridconsent/internal/db"
	"gridconsent/internal/domain"
	"gridconsent/internal/engine"
	"gridconsent/internal/logging"
	"gridconsent/internal/migrate"
	"gridconsent/internal/server"
)

const dateLayout = "2006-01-02"

var rootCmd = &cobra.Command{
	Use:   "gcx",
	Short: "gridconsent CLI",
	Long: `gridconsent brokers data-access permissions between eligible parties and
the permission administrators of each region.

- Permission request: one customer consent for one data need, tracked as an
  append-only stream of events.
- Region connector: adapter talking to one administrator (simulation or REST).
- Handlers react to committed events: send, poll, fulfil, terminate, clean up.
- Connection status messages are pushed over websocket and webhooks.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("GRIDCONSENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/gridconsent.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "", "log level override")
	flags.String("dsn", "", "postgres DSN override")
	flags.String("redis-addr", "", "redis address override")
	for _, name := range []string{"workspace", "config", "json", "log-level", "dsn", "redis-addr"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var ephemeral bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, handlers and outbound dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			a, err := app.Build(cmd.Context(), cfg, logger, app.Options{Ephemeral: ephemeral})
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep everything in memory")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			dbCfg := db.Config{Driver: cfg.Database.Driver, Workspace: cfg.Database.Workspace, DSN: cfg.Database.DSN}
			conn, err := db.Open(dbCfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage permission requests",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestEventsCmd())
	req.AddCommand(requestTerminateCmd())
	req.AddCommand(requestRetryTerminationCmd())
	req.AddCommand(requestRevokeCmd())
	req.AddCommand(requestRetransmitCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a permission request",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Start, err = parseDate("start", start); err != nil {
				return err
			}
			if opts.End, err = parseDate("end", end); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pr, err := a.Engine.CreatePermissionRequest(ctx, opts)
				var ve *engine.ValidationError
				if errors.As(err, &ve) {
					printRequest(pr)
					return err
				}
				if err != nil {
					return err
				}
				if err := a.Bus.Drain(ctx); err != nil {
					return err
				}
				if pr, err = a.Engine.Get(ctx, pr.PermissionID); err != nil {
					return err
				}
				printRequest(pr)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ConnectionID, "connection-id", "", "connection id")
	cmd.Flags().StringVar(&opts.DataNeedID, "data-need", "", "data need id")
	cmd.Flags().StringVar(&opts.Region, "region", "", "region-connector id or country code")
	cmd.Flags().StringVar(&opts.MeteringPointID, "metering-point", "", "metering point id")
	cmd.Flags().StringVar(&opts.Granularity, "granularity", "", "granularity (defaults from the data need)")
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <permission-id>",
		Short: "Show a permission request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pr, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printRequest(pr)
				return nil
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permission requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []domain.Status
			for _, s := range statuses {
				st, err := domain.ParseStatus(s)
				if err != nil {
					return err
				}
				filter = append(filter, st)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				prs, err := a.Engine.List(ctx, filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(prs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Permission", "Connection", "Region", "Data need", "Status", "Updated"})
				for _, pr := range prs {
					tw.AppendRow(table.Row{pr.PermissionID, pr.ConnectionID, pr.Region, pr.DataNeedID, pr.Status, pr.Updated.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	return cmd
}

func requestEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <permission-id>",
		Short: "Show the event history of a permission request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Status", "Created", "Message"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.Seq, e.Type, e.Status, e.Created.Format(time.RFC3339), eventDetail(e)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventDetail(e domain.Event) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Reading != nil:
		return "reading " + e.Reading.Format(time.RFC3339)
	case e.ExternalID != "":
		return "external id " + e.ExternalID
	case e.Granularity != "" && e.Type == domain.EventGranularityUpdate:
		return "granularity " + string(e.Granularity)
	case len(e.Errors) > 0:
		parts := make([]string, len(e.Errors))
		for i, a := range e.Errors {
			parts[i] = a.Attribute + ": " + a.Message
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

func requestTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <permission-id>",
		Short: "Terminate an accepted permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.PermissionRequest, error) {
				return e.Terminate(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func requestRetryTerminationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-termination <permission-id>",
		Short: "Ask the administrator again to terminate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.PermissionRequest, error) {
				return e.RetryTermination(ctx, args[0])
			})
		},
	}
}

func requestRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <permission-id>",
		Short: "Record a revocation by the customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.PermissionRequest, error) {
				return e.Revoke(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	return cmd
}

func requestRetransmitCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "retransmit <permission-id>",
		Short: "Request data again for a time frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseDate("from", from)
			if err != nil {
				return err
			}
			t, err := parseDate("to", to)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RequestRetransmission(ctx, args[0], f, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s %s\n", res.PermissionID, res.Kind, res.Reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD")
	return cmd
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Re-emit the latest event of every open request and run the handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Resync(ctx)
				if err != nil {
					return err
				}
				if err := a.Bus.Drain(ctx); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"replayed": n})
				}
				fmt.Printf("replayed %d permission requests\n", n)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Inspect gridconsent.yml",
	}
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default gridconsent.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return root
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set")
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, subject, perms...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "gcx", "token subject")
	cmd.Flags().StringSliceVar(&perms, "permission", server.AllPermissions, "granted permissions")
	return cmd
}

// --- helpers ---

// loadConfig resolves the config and applies flag and environment overrides.
func loadConfig() (*config.Config, *slog.Logger, error) {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(viper.GetString("config"), workspace)
	if err != nil {
		return nil, nil, err
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Database.Driver != "postgres" {
		if _, err := db.EnsureWorkspace(cfg.Database.Workspace); err != nil {
			return nil, nil, err
		}
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp builds the full graph so handlers react to what the command commits.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	err = fn(ctx, a)
	if cerr := a.Close(context.Background()); err == nil {
		err = cerr
	}
	return err
}

func mutate(ctx context.Context, fn func(context.Context, engine.Engine) (domain.PermissionRequest, error)) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		pr, err := fn(ctx, a.Engine)
		if err != nil {
			return err
		}
		if err := a.Bus.Drain(ctx); err != nil {
			return err
		}
		if pr, err = a.Engine.Get(ctx, pr.PermissionID); err != nil {
			return err
		}
		printRequest(pr)
		return nil
	})
}

func parseDate(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return t, nil
}

func printRequest(pr domain.PermissionRequest) {
	if viper.GetBool("json") {
		_ = printJSON(pr)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Permission", pr.PermissionID},
		{"Connection", pr.ConnectionID},
		{"Data need", pr.DataNeedID},
		{"Region", pr.Region},
		{"Status", pr.Status},
		{"Period", pr.Start.Format(dateLayout) + " .. " + pr.End.Format(dateLayout)},
		{"Granularity", pr.Granularity},
	})
	if pr.ExternalID != "" {
		tw.AppendRow(table.Row{"External id", pr.ExternalID})
	}
	if pr.LatestMeterReading != nil {
		tw.AppendRow(table.Row{"Latest reading", pr.LatestMeterReading.Format(time.RFC3339)})
	}
	if pr.Message != "" {
		tw.AppendRow(table.Row{"Message", pr.Message})
	}
	for _, e := range pr.Errors {
		tw.AppendRow(table.Row{"Error " + e.Attribute, e.Message})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
