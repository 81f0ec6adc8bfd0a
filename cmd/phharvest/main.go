package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentworkforce/producthuntdb/internal/config"
	"github.com/agentworkforce/producthuntdb/internal/entity"
	"github.com/agentworkforce/producthuntdb/internal/harvest"
	"github.com/agentworkforce/producthuntdb/internal/httpapi"
	"github.com/agentworkforce/producthuntdb/internal/mapper"
	"github.com/agentworkforce/producthuntdb/internal/metrics"
	"github.com/agentworkforce/producthuntdb/internal/phclient"
	"github.com/agentworkforce/producthuntdb/internal/store"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
)

const usage = `usage: phharvest <command> [flags]

commands:
  harvest    run one harvest and exit
  schedule   harvest on a cron schedule until interrupted
  status     print stored checkpoints and row counts
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		if len(args) == 0 {
			return exitFailure
		}
		return exitOK
	}
	command := args[0]
	flags := pflag.NewFlagSet("phharvest "+command, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	config.RegisterFlags(flags)
	switch command {
	case "harvest":
		flags.StringSlice("types", nil, "entity types to harvest (default all)")
		flags.Bool("full-refresh", false, "ignore checkpoints and page from the beginning")
		flags.Int("max-pages", 0, "maximum pages per entity type (0 for no limit)")
		flags.Bool("reset", false, "delete checkpoints for the harvested types first")
	case "schedule":
		flags.StringSlice("types", nil, "entity types to harvest (default all)")
		flags.Int("max-pages", 0, "maximum pages per entity type per tick (0 for no limit)")
	case "status":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return exitFailure
	}
	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitFailure
	}

	loader, err := config.NewLoader(config.LoadOptions{Flags: flags})
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitFailure
	}
	cfg, err := loader.Config()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "build logger: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()

	switch command {
	case "harvest":
		return runHarvest(ctx, cfg, flags, logger, stdout)
	case "schedule":
		return runSchedule(ctx, loader, cfg, flags, logger)
	default:
		return runStatus(ctx, cfg, logger, stdout, stderr)
	}
}

func runHarvest(ctx context.Context, cfg config.Config, flags *pflag.FlagSet, logger *zap.Logger, stdout io.Writer) int {
	req, err := requestFromFlags(flags)
	if err != nil {
		logger.Error("invalid flags", zap.Error(err))
		return exitFailure
	}
	if err := cfg.RequireToken(); err != nil {
		logger.Error("cannot harvest", zap.Error(err))
		return exitFailure
	}
	logger.Info("configuration loaded", zap.Object("config", cfg))

	// Metrics are only exposed through the status API.
	var reg *metrics.Metrics
	if cfg.Status.Addr != "" {
		reg = metrics.New()
	}
	st, err := store.Open(ctx, cfg.Database, store.Options{BatchSize: cfg.BatchSize, Logger: logger, Metrics: reg})
	if err != nil {
		logger.Error("open store", zap.Error(err))
		return exitFailure
	}
	defer func() { _ = st.Close() }()
	m, err := mapper.New()
	if err != nil {
		logger.Error("compile schemas", zap.Error(err))
		return exitFailure
	}
	h, err := newHarvester(cfg, m, st, nil, logger)
	if err != nil {
		logger.Error("build harvester", zap.Error(err))
		return exitFailure
	}

	summary, err := h.Run(ctx, req)
	printSummary(stdout, summary)
	code := exitCode(err)
	if err != nil {
		logger.Error("harvest finished with errors", zap.Int("exit_code", code), zap.Error(err))
	}
	return code
}

func runSchedule(ctx context.Context, loader *config.Loader, cfg config.Config, flags *pflag.FlagSet, logger *zap.Logger) int {
	req, err := requestFromFlags(flags)
	if err != nil {
		logger.Error("invalid flags", zap.Error(err))
		return exitFailure
	}
	if err := cfg.RequireToken(); err != nil {
		logger.Error("cannot harvest", zap.Error(err))
		return exitFailure
	}
	logger.Info("configuration loaded", zap.Object("config", cfg))

	// Metrics are only exposed through the status API.
	var reg *metrics.Metrics
	if cfg.Status.Addr != "" {
		reg = metrics.New()
	}
	st, err := store.Open(ctx, cfg.Database, store.Options{BatchSize: cfg.BatchSize, Logger: logger})
	if err != nil {
		logger.Error("open store", zap.Error(err))
		return exitFailure
	}
	defer func() { _ = st.Close() }()
	m, err := mapper.New()
	if err != nil {
		logger.Error("compile schemas", zap.Error(err))
		return exitFailure
	}

	var current atomic.Pointer[config.Config]
	current.Store(&cfg)
	loader.Watch(func(next config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		if next.Database != cfg.Database {
			logger.Warn("database change requires a restart", zap.String("database", next.Database))
			next.Database = cfg.Database
		}
		current.Store(&next)
		logger.Info("configuration reloaded", zap.Object("config", next))
	})

	runner := runnerFunc(func(ctx context.Context, req harvest.RunRequest) (harvest.Summary, error) {
		h, err := newHarvester(*current.Load(), m, st, reg, logger)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, req)
	})
	opts := harvest.SchedulerOptions{
		Schedule:           cfg.Schedule,
		FullRefreshOnStart: cfg.FullRefreshOnStart,
		Request:            func() harvest.RunRequest { return req },
		Logger:             logger.Named("scheduler"),
	}
	if cfg.Status.Addr != "" {
		api := httpapi.NewServer(st, httpapi.ServerConfig{
			Token:        cfg.Status.Token,
			RateLimitMax: 120,
			Logger:       logger.Named("status"),
			Metrics:      reg,
		})
		opts.OnRun = api.RecordRun
		stopAPI, err := serveStatus(cfg.Status.Addr, api, logger)
		if err != nil {
			logger.Error("start status api", zap.Error(err))
			return exitFailure
		}
		defer stopAPI()
	}
	scheduler, err := harvest.NewScheduler(runner, opts)
	if err != nil {
		logger.Error("build scheduler", zap.Error(err))
		return exitFailure
	}
	if err := scheduler.Run(ctx); err != nil {
		logger.Error("scheduler failed", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// serveStatus starts the status API and returns a function that shuts it
// down.
func serveStatus(addr string, handler http.Handler, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status api stopped", zap.Error(err))
		}
	}()
	logger.Info("status api listening", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func runStatus(ctx context.Context, cfg config.Config, logger *zap.Logger, stdout, stderr io.Writer) int {
	st, err := store.Open(ctx, cfg.Database, store.Options{Logger: logger})
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return exitFailure
	}
	defer func() { _ = st.Close() }()
	checkpoints, err := st.Checkpoints(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "read checkpoints: %v\n", err)
		return exitFailure
	}
	counts, err := st.Counts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "count rows: %v\n", err)
		return exitFailure
	}
	printStatus(stdout, checkpoints, counts)
	return exitOK
}

type runnerFunc func(ctx context.Context, req harvest.RunRequest) (harvest.Summary, error)

func (f runnerFunc) Run(ctx context.Context, req harvest.RunRequest) (harvest.Summary, error) {
	return f(ctx, req)
}

func newHarvester(cfg config.Config, m *mapper.Mapper, st *store.Store, reg *metrics.Metrics, logger *zap.Logger) (*harvest.Harvester, error) {
	client, err := phclient.New(phclient.Options{
		Endpoint:       cfg.Endpoint,
		Token:          cfg.Token,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxAttempts:    cfg.MaxAttempts,
		MaxElapsed:     cfg.MaxElapsed,
		Logger:         logger.Named("client"),
		Metrics:        reg,
	})
	if err != nil {
		return nil, err
	}
	return harvest.New(client, m, st, harvest.Options{
		PageSize:          cfg.PageSize,
		SafetyMargin:      cfg.SafetyMargin,
		Parallel:          cfg.Parallel,
		MaxParallel:       cfg.MaxConcurrency,
		StorageRetryDelay: time.Second,
		Logger:            logger.Named("harvest"),
		Metrics:           reg,
	})
}

func requestFromFlags(flags *pflag.FlagSet) (harvest.RunRequest, error) {
	var req harvest.RunRequest
	if raw, err := flags.GetStringSlice("types"); err == nil {
		types, err := parseTypes(raw)
		if err != nil {
			return req, err
		}
		req.Types = types
	}
	if maxPages, err := flags.GetInt("max-pages"); err == nil {
		if maxPages < 0 {
			return req, fmt.Errorf("--max-pages must not be negative")
		}
		req.MaxPages = maxPages
	}
	if full, err := flags.GetBool("full-refresh"); err == nil {
		req.FullRefresh = full
	}
	if reset, err := flags.GetBool("reset"); err == nil {
		req.Reset = reset
	}
	return req, nil
}

func parseTypes(raw []string) ([]entity.Type, error) {
	var types []entity.Type
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if item == "all" {
			return nil, nil
		}
		t, err := entity.ParseType(item)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, harvest.ErrPartial):
		return exitPartial
	default:
		return exitFailure
	}
}

func printSummary(w io.Writer, summary harvest.Summary) {
	if len(summary) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATE\tMODE\tPAGES\tFETCHED\tSTORED\tSKIPPED\tREJECTED\tERROR")
	for _, t := range summary.Types() {
		st := summary[t]
		errText := ""
		if st.Err != nil {
			errText = st.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			t, st.State, st.Mode, st.Pages, st.Fetched, st.Stored, st.Skipped, st.Rejected, errText)
	}
	total := summary.Totals()
	fmt.Fprintf(tw, "total\t\t\t%d\t%d\t%d\t%d\t%d\t\n", total.Pages, total.Fetched, total.Stored, total.Skipped, total.Rejected)
	_ = tw.Flush()
}

func printStatus(w io.Writer, checkpoints []entity.Checkpoint, counts map[string]int64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tLAST TIMESTAMP\tCURSOR\tLAST RUN")
	for _, cp := range checkpoints {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cp.Type, formatStatusTime(cp.LastTimestamp), cp.LastCursor, formatStatusTime(cp.LastRunAt))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TABLE\tROWS")
	for _, table := range store.Tables() {
		fmt.Fprintf(tw, "%s\t%d\n", table, counts[table])
	}
	_ = tw.Flush()
}

func formatStatusTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
