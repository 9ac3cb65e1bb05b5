package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elonfeng/drugradar/internal/cache"
	"github.com/elonfeng/drugradar/internal/config"
	"github.com/elonfeng/drugradar/internal/logger"
	"github.com/elonfeng/drugradar/internal/lookup"
	"github.com/elonfeng/drugradar/internal/metrics"
	"github.com/elonfeng/drugradar/internal/store"
	"github.com/elonfeng/drugradar/pkg/discussion"
	"github.com/elonfeng/drugradar/pkg/event"
	"github.com/elonfeng/drugradar/pkg/notify"
	"github.com/elonfeng/drugradar/pkg/openfda"
	"github.com/elonfeng/drugradar/pkg/report"
	"github.com/elonfeng/drugradar/pkg/server"
)

// app holds everything a command needs. service is only built for
// commands that may reach openFDA.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.SQLiteStore
	service *lookup.Service
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newApp(withLookup bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: log, store: db}
	if withLookup {
		svc, err := buildService(cfg, db, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.service = svc
	}
	return a, nil
}

func (a *app) Close() {
	a.store.Close()
	_ = a.logger.Sync()
}

func buildService(cfg *config.Config, db store.Store, log *zap.Logger) (*lookup.Service, error) {
	searchCache, err := cache.Open(cfg.Cache.SearchPath)
	if err != nil {
		return nil, fmt.Errorf("open search cache: %w", err)
	}
	summaryCache, err := cache.Open(cfg.Cache.SummaryPath)
	if err != nil {
		return nil, fmt.Errorf("open summary cache: %w", err)
	}

	client := openfda.New(openfda.Config{
		BaseURL:       cfg.OpenFDA.BaseURL,
		APIKey:        cfg.OpenFDA.APIKey,
		SearchLimit:   cfg.OpenFDA.SearchLimit,
		CountLimit:    cfg.OpenFDA.CountLimit,
		Timeout:       cfg.OpenFDA.ParseTimeout(),
		MaxRetries:    cfg.OpenFDA.MaxRetries,
		RatePerMinute: cfg.OpenFDA.RatePerMinute,
	}, log.Named("openfda"))

	return lookup.New(client, searchCache, summaryCache, db, buildNotifier(cfg), log.Named("lookup")), nil
}

func buildNotifier(cfg *config.Config) *notify.Manager {
	var notifiers []notify.Notifier

	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Notify.Slack.WebhookURL))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewDiscord(cfg.Notify.Discord.WebhookURL))
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Secret))
	}

	return notify.NewManager(notifiers)
}

func buildDiscussion(cfg *config.Config, log *zap.Logger) *discussion.Reddit {
	if !cfg.Reddit.Enabled {
		return nil
	}
	return discussion.NewReddit(discussion.Config{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		RefreshToken: cfg.Reddit.RefreshToken,
		UserAgent:    cfg.Reddit.UserAgent,
		Limit:        cfg.Reddit.Limit,
	}, log.Named("reddit"))
}

// subjectArgs parses a direction argument and normalizes the name for it.
func subjectArgs(kind, name string) (event.Direction, string, error) {
	dir, err := event.ParseDirection(kind)
	if err != nil {
		return "", "", err
	}
	key := event.NormalizeKey(dir, name)
	if key == "" {
		return "", "", lookup.ErrEmptyName
	}
	return dir, key, nil
}

func runLookup(cmd *cobra.Command, dir event.Direction, name string, limit int, jsonOutput, chart bool) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	res, err := a.service.Find(cmd.Context(), dir, name)
	if errors.Is(err, event.ErrNotFound) {
		fmt.Fprintf(out, "%s %q not found in the FDA database. Please try another search.\n", dir, event.NormalizeKey(dir, name))
		return nil
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(out, map[string]any{
			"direction":    res.Direction,
			"key":          res.Key,
			"cached":       res.Cached,
			"observations": len(res.Observations),
			"top":          res.Top(limit),
		})
	}
	return printResult(out, res, limit, chart)
}

func printResult(out io.Writer, res *lookup.Result, limit int, chart bool) error {
	source := "openFDA"
	if res.Cached {
		source = "cache"
	}
	fmt.Fprintf(out, "%s: %d observations (%s)\n", res.Key, len(res.Observations), source)
	if len(res.Observations) == 0 {
		return nil
	}
	if len(res.Summary) == 0 {
		fmt.Fprintln(out, "no upstream counts, tallying stored observations")
	}
	fmt.Fprintln(out)

	rows := res.Top(limit)
	if chart {
		return report.BarChart(out, rows, 40)
	}
	return printCounts(out, res.Direction, rows)
}

func printCounts(out io.Writer, dir event.Direction, rows []event.SummaryCount) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tREPORTS\n", strings.ToUpper(string(dir.Opposite())))
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\n", r.Attribute, r.Count)
	}
	return w.Flush()
}

func runTop(cmd *cobra.Command, kind, name string, limit int, jsonOutput, chart bool) error {
	dir, key, err := subjectArgs(kind, name)
	if err != nil {
		return err
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.store.TopAttributes(cmd.Context(), dir, key, limit)
	if err != nil {
		return fmt.Errorf("top %s: %w", dir.Opposite().Plural(), err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "no counts stored for %s (try: drugradar %s %s)\n", key, dir, key)
		return nil
	}
	if chart {
		return report.BarChart(out, rows, 40)
	}
	return printCounts(out, dir, rows)
}

func runReports(cmd *cobra.Command, kind, name string, limit int) error {
	dir, key, err := subjectArgs(kind, name)
	if err != nil {
		return err
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.store.ReportIDs(cmd.Context(), dir, key, limit)
	if err != nil {
		return fmt.Errorf("list reports: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintf(out, "no reports stored for %s\n", key)
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func runGenders(cmd *cobra.Command, kind, name string, chart bool) error {
	dir, key, err := subjectArgs(kind, name)
	if err != nil {
		return err
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	genders, err := a.store.GenderCounts(ctx, dir, key)
	if err != nil {
		return fmt.Errorf("gender counts: %w", err)
	}
	ages, err := a.store.AgeBands(ctx, dir, key)
	if err != nil {
		return fmt.Errorf("age bands: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(genders) == 0 {
		fmt.Fprintf(out, "no reports stored for %s\n", key)
		return nil
	}
	return printDemographics(out, genders, ages, chart)
}

func printDemographics(out io.Writer, genders []event.GenderCount, ages []event.AgeBand, chart bool) error {
	if chart {
		if err := report.GenderChart(out, genders, 30); err != nil {
			return err
		}
		fmt.Fprintln(out)
		return report.AgeChart(out, ages, 30)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEX\tREPORTS")
	for _, g := range genders {
		fmt.Fprintf(w, "%s\t%d\n", g.Label(), g.Reports)
	}
	fmt.Fprintln(w, "\t")
	fmt.Fprintln(w, "AGE\tREPORTS")
	for _, a := range ages {
		fmt.Fprintf(w, "%s\t%d\n", a.Label(), a.Reports)
	}
	return w.Flush()
}

func runThreads(cmd *cobra.Command, term string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	reddit := buildDiscussion(cfg, log)
	if reddit == nil {
		return fmt.Errorf("reddit is disabled in config")
	}
	threads, err := reddit.Threads(cmd.Context(), term)
	if err != nil {
		return fmt.Errorf("find threads: %w", err)
	}
	printThreads(cmd.OutOrStdout(), threads)
	return nil
}

func printThreads(out io.Writer, threads []discussion.Thread) {
	if len(threads) == 0 {
		fmt.Fprintln(out, "no threads found")
		return
	}
	for i, t := range threads {
		fmt.Fprintf(out, "%2d. %s\n    %s\n", i+1, t.Title, t.URL)
	}
}

func runReport(cmd *cobra.Command, kind, name, outPath string, withThreads bool) error {
	dir, key, err := subjectArgs(kind, name)
	if err != nil {
		return err
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	summary, err := buildSummary(ctx, a.store, dir, key)
	if err != nil {
		return err
	}
	if withThreads {
		if reddit := buildDiscussion(a.cfg, a.logger); reddit != nil {
			threads, err := reddit.Threads(ctx, key)
			if err != nil {
				a.logger.Warn("thread lookup failed", zap.String("term", key), zap.Error(err))
			}
			summary.Threads = threads
		}
	}

	if outPath == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), report.Markdown(summary))
		return err
	}

	content := report.Markdown(summary)
	if ext := strings.ToLower(filepath.Ext(outPath)); ext == ".html" || ext == ".htm" {
		if content, err = report.HTML(summary); err != nil {
			return err
		}
	}
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", outPath, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", outPath)
	return nil
}

func buildSummary(ctx context.Context, s store.Store, dir event.Direction, key string) (*report.Summary, error) {
	top, err := s.TopAttributes(ctx, dir, key, 10)
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", dir.Opposite().Plural(), err)
	}
	ids, err := s.ReportIDs(ctx, dir, key, 10)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	if len(top) == 0 && len(ids) == 0 {
		return nil, fmt.Errorf("no stored data for %s %q (try: drugradar %s %s): %w", dir, key, dir, key, event.ErrNotFound)
	}
	genders, err := s.GenderCounts(ctx, dir, key)
	if err != nil {
		return nil, fmt.Errorf("gender counts: %w", err)
	}
	ages, err := s.AgeBands(ctx, dir, key)
	if err != nil {
		return nil, fmt.Errorf("age bands: %w", err)
	}

	return &report.Summary{
		Direction:   dir,
		Subject:     key,
		Top:         top,
		Genders:     genders,
		Ages:        ages,
		ReportIDs:   ids,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func runSearched(cmd *cobra.Command, kind string) error {
	dir, err := event.ParseDirection(kind)
	if err != nil {
		return err
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := a.store.Searched(cmd.Context(), dir)
	if err != nil {
		return fmt.Errorf("list searched: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintf(out, "no %s searched yet\n", dir.Plural())
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}

func runServe(cmd *cobra.Command, port int) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Register()
	return server.New(a.store, a.service, port, a.logger.Named("server")).ListenAndServe(ctx)
}

func runInteractiveCmd(cmd *cobra.Command) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	reddit := buildDiscussion(a.cfg, a.logger)
	more := func(ctx context.Context, out io.Writer, res *lookup.Result) error {
		genders, err := a.store.GenderCounts(ctx, res.Direction, res.Key)
		if err != nil {
			return fmt.Errorf("gender counts: %w", err)
		}
		ages, err := a.store.AgeBands(ctx, res.Direction, res.Key)
		if err != nil {
			return fmt.Errorf("age bands: %w", err)
		}
		if err := printDemographics(out, genders, ages, true); err != nil {
			return err
		}

		ids, err := a.store.ReportIDs(ctx, res.Direction, res.Key, 10)
		if err != nil {
			return fmt.Errorf("list reports: %w", err)
		}
		fmt.Fprintf(out, "\nsample reports: %s\n", strings.Join(ids, ", "))

		if reddit != nil {
			threads, err := reddit.Threads(ctx, res.Key)
			if err != nil {
				a.logger.Warn("thread lookup failed", zap.String("term", res.Key), zap.Error(err))
				return nil
			}
			fmt.Fprintln(out, "\ndiscussion:")
			printThreads(out, threads)
		}
		return nil
	}

	return interactive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), a.service.FindByDrug, more)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
