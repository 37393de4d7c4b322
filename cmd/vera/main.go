package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/api"
	"github.com/transformaps/vera/internal/config"
	"github.com/transformaps/vera/internal/httputil"
	"github.com/transformaps/vera/internal/identity"
	"github.com/transformaps/vera/internal/importer"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
	"github.com/transformaps/vera/internal/vera"
)

type Globals struct {
	EnvFile  kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file'"`
	Config   string                   `help:"Path to vera.yaml." type:"path" env:"VERA_CONFIG"`
	LogLevel string                   `help:"Override log.level (debug, info, warn, error)." env:"VERA_LOG_LEVEL"`
}

type CLI struct {
	Globals

	Serve           ServeCmd           `cmd:"" help:"Run the HTTP API."`
	Migrate         MigrateCmd         `cmd:"" help:"Apply database migrations and exit."`
	Rebuild         RebuildCmd         `cmd:"" help:"Recompute results for matching events."`
	Import          ImportCmd          `cmd:"" help:"Submit a JSON-lines batch of reports."`
	DefineParameter DefineParameterCmd `cmd:"" help:"Create or update a parameter."`
	DefineStatus    DefineStatusCmd    `cmd:"" help:"Create or update a report status."`
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("vera"),
		kong.Description("Crowd-sourced observation reconciliation engine."),
		kong.UsageOnError(),
	)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, &cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vera: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(app); err != nil {
		app.log.Error("command failed", zap.String("command", kctx.Command()), zap.Error(err))
		app.log.Sync()
		os.Exit(1)
	}
}

// app carries the dependencies shared by every command.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store store.Store
}

// loadConfig exports the env file to the process environment, so VERA_*
// entries reach viper, then loads and validates the configuration. Variables
// already set in the environment win over the file.
func loadConfig(g *Globals) (*config.Config, error) {
	if path := string(g.EnvFile); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, g *Globals) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	log.Info("database migrated", zap.String("driver", cfg.Store.Driver))

	return &app{cfg: cfg, log: log, store: st}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.DSN, &store.PoolConfig{MaxConns: cfg.MaxConns})
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.NewSQLite(cfg.DSN, log)
	}
}

func (a *app) service() *vera.Service {
	e := a.cfg.Engine
	return vera.New(a.store, vera.Options{
		Identity: identity.Options{
			SitePrecision:  e.SitePrecision,
			Attempts:       e.ResolveAttempts,
			StrictStatuses: !e.AutoCreateStatuses,
		},
		DefaultStatus:      e.DefaultStatus,
		RebuildConcurrency: e.RebuildConcurrency,
	}, a.log)
}

func (a *app) seed(ctx context.Context, svc *vera.Service) error {
	params := make([]vera.ParameterDef, 0, len(a.cfg.Seed.Parameters))
	for _, p := range a.cfg.Seed.Parameters {
		params = append(params, vera.ParameterDef{Name: p.Name, IsNumeric: p.Numeric, Units: p.Units})
	}
	statuses := make([]vera.StatusDef, 0, len(a.cfg.Seed.Statuses))
	for _, st := range a.cfg.Seed.Statuses {
		statuses = append(statuses, vera.StatusDef{Slug: st.Slug, Name: st.Name, IsValid: st.Valid})
	}
	if err := svc.Seed(ctx, params, statuses); err != nil {
		return err
	}
	a.log.Info("definitions seeded", zap.Int("parameters", len(params)), zap.Int("statuses", len(statuses)))
	return nil
}

func (a *app) Close() {
	a.store.Close()
	a.log.Sync()
}

type ServeCmd struct {
	Port   int  `help:"HTTP server port. Overrides server.port." env:"VERA_SERVER_PORT"`
	NoSeed bool `help:"Skip seeding definitions from config."`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	svc := a.service()
	if !c.NoSeed {
		if err := a.seed(ctx, svc); err != nil {
			return err
		}
	}
	port := a.cfg.Server.Port
	if c.Port != 0 {
		port = c.Port
	}
	return api.NewServer(svc, strconv.Itoa(port), a.log).Run(ctx)
}

type MigrateCmd struct{}

// Run is a no-op: newApp migrates before any command runs.
func (c *MigrateCmd) Run(a *app) error {
	a.log.Info("migrations up to date")
	return nil
}

type RebuildCmd struct {
	Date string `help:"Rebuild events on this date (YYYY-MM-DD)." xor:"range"`
	From string `help:"First date of the range (YYYY-MM-DD)." xor:"range"`
	To   string `help:"Last date of the range (YYYY-MM-DD)."`
	Site int64  `help:"Only rebuild events at this site id."`
}

func (c *RebuildCmd) filter() (store.EventFilter, error) {
	var f store.EventFilter
	for _, p := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{{"date", c.Date, &f.Date}, {"from", c.From, &f.From}, {"to", c.To, &f.To}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(models.DateLayout, p.raw)
		if err != nil {
			return f, fmt.Errorf("--%s: expected YYYY-MM-DD, got %q", p.name, p.raw)
		}
		*p.dst = &t
	}
	f.SiteID = c.Site
	return f, nil
}

func (c *RebuildCmd) Run(ctx context.Context, a *app) error {
	f, err := c.filter()
	if err != nil {
		return err
	}
	sum, err := a.service().RebuildResults(ctx, f)
	a.log.Info("rebuild finished", zap.Int("events", sum.Events), zap.Int("failed", sum.Failed))
	return err
}

type ImportCmd struct {
	Source string `arg:"" help:"Local path or ftp://, http:// or https:// URL of a JSON-lines file."`
	NoSeed bool   `help:"Skip seeding definitions from config."`
}

func (c *ImportCmd) Run(ctx context.Context, a *app) error {
	svc := a.service()
	if !c.NoSeed {
		if err := a.seed(ctx, svc); err != nil {
			return err
		}
	}
	sum, err := importer.New(svc, httputil.NewClient(), a.log).Import(ctx, c.Source)
	if err != nil {
		return err
	}
	fmt.Printf("lines=%d created=%d rejected=%d\n", sum.Lines, sum.Created, sum.Rejected)
	return nil
}

type DefineParameterCmd struct {
	Name    string `arg:"" help:"Parameter name."`
	Numeric bool   `help:"Values are numbers."`
	Units   string `help:"Display units."`
}

func (c *DefineParameterCmd) Run(ctx context.Context, a *app) error {
	p, err := a.service().DefineParameter(ctx, vera.ParameterDef{Name: c.Name, IsNumeric: c.Numeric, Units: c.Units})
	if err != nil {
		return err
	}
	fmt.Printf("parameter %d %s (numeric=%t units=%q)\n", p.ID, p.Slug, p.IsNumeric, p.Units)
	return nil
}

type DefineStatusCmd struct {
	Slug  string `arg:"" help:"Status slug."`
	Name  string `help:"Display name. Defaults to the slug."`
	Valid bool   `help:"Reports with this status contribute to results."`
}

func (c *DefineStatusCmd) Run(ctx context.Context, a *app) error {
	st, err := a.service().DefineStatus(ctx, vera.StatusDef{Slug: c.Slug, Name: c.Name, IsValid: c.Valid})
	if err != nil {
		return err
	}
	fmt.Printf("status %d %s (valid=%t)\n", st.ID, st.Slug, st.IsValid)
	return nil
}
