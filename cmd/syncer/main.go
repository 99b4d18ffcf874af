package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"hn_syncer/internal/config"
	"hn_syncer/internal/domain"
	"hn_syncer/internal/publisher"
	"hn_syncer/internal/scheduler"
	"hn_syncer/internal/service"
	"hn_syncer/internal/source/hackernews"
	"hn_syncer/internal/storage/postgres"
	"hn_syncer/migrations"
)

const usage = `Usage: syncer [command] [options]
Commands:
  run      start the scheduled top stories and comments jobs (default)
  migrate  apply database migrations and exit
  list     print stored top-level items, newest first
  show     print one stored item by its Hacker News id

For command-specific options, use: syncer [command] -h`

func main() {
	command := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")

	var (
		filter     domain.TopLevelFilter
		types      string
		externalID int64
	)
	switch command {
	case "list":
		fs.StringVar(&types, "type", "", "comma separated item types, e.g. story,job")
		fs.StringVar(&filter.Search, "search", "", "case-insensitive text to look for in title and text")
		fs.Uint64Var(&filter.Limit, "limit", 30, "maximum number of items, 0 for all")
		fs.Uint64Var(&filter.Offset, "offset", 0, "number of items to skip")
	case "show":
		fs.Int64Var(&externalID, "id", 0, "Hacker News item id")
	case "run", "migrate":
	case "-h", "--help", "help":
		fmt.Println(usage)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", command, usage)
		os.Exit(2)
	}
	_ = fs.Parse(args)

	// list and show print to stdout, so their logs go to stderr.
	logOut := io.Writer(os.Stdout)
	if command == "list" || command == "show" {
		logOut = os.Stderr
	}

	logger := setupLogger(logOut, "info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(logOut, cfg.LogLevel)

	switch command {
	case "run":
		err = runSyncer(cfg, logger)
	case "migrate":
		err = runMigrate(cfg, logger)
	case "list":
		filter.Types = splitTypes(types)
		err = runList(cfg, logger, filter)
	case "show":
		err = runShow(cfg, logger, externalID)
	}

	if err != nil {
		logger.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func connectDB(cfg *config.Config, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logger.Info("connected to database", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)
	return db, nil
}

func runMigrate(cfg *config.Config, logger *slog.Logger) error {
	db, err := connectDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Migrate(db.DB); err != nil {
		return err
	}

	logger.Info("migrations applied")
	return nil
}

func runSyncer(cfg *config.Config, logger *slog.Logger) error {
	db, err := connectDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Migrate(db.DB); err != nil {
		return err
	}

	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	itemStore := postgres.NewItemStore(db, postgres.NewTransactionManager(db))
	syncStateStore := postgres.NewSyncStateStore(db)

	hnSource := hackernews.New(hackernews.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		MaxAttempts:       cfg.API.Retry.MaxAttempts,
		InitialBackoff:    cfg.API.Retry.InitialBackoff,
		MaxBackoff:        cfg.API.Retry.MaxBackoff,
	}, logger)

	topStories := service.NewTopStoriesSync(hnSource, itemStore, syncStateStore, pub, logger, cfg.Sync.TopStories)
	comments := service.NewCommentsSync(hnSource, itemStore, syncStateStore, pub, logger, cfg.Sync.Comments)

	sched := scheduler.NewScheduler(logger,
		scheduler.Task{
			Name:         topStories.Name(),
			Interval:     cfg.Sync.TopStories.Interval,
			InitialDelay: cfg.Sync.TopStories.InitialDelay,
			Timeout:      cfg.Sync.TopStories.Timeout,
			Syncer:       topStories,
		},
		scheduler.Task{
			Name:         comments.Name(),
			Interval:     cfg.Sync.Comments.Interval,
			InitialDelay: cfg.Sync.Comments.InitialDelay,
			Timeout:      cfg.Sync.Comments.Timeout,
			Syncer:       comments,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hn syncer",
		"source", hnSource.Name(),
		"publisher_enabled", pub != nil,
		"top_stories_limit", cfg.Sync.TopStories.Limit,
		"comments_budget", cfg.Sync.Comments.MaxFetchPerRun,
	)

	// Start watches ctx itself, so a signal that arrives before it is
	// running still stops it.
	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal, waiting for running jobs")
		return <-errCh
	}
}

func runList(cfg *config.Config, logger *slog.Logger, filter domain.TopLevelFilter) error {
	db, err := connectDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	itemStore := postgres.NewItemStore(db, postgres.NewTransactionManager(db))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCREATED\tSCORE\tTITLE")

	for item, err := range itemStore.FindTopLevel(context.Background(), filter) {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			item.ExternalID,
			item.Type,
			formatTime(item.CreatedAt),
			formatInt(item.Score),
			deref(item.Title),
		)
	}

	return w.Flush()
}

func runShow(cfg *config.Config, logger *slog.Logger, externalID int64) error {
	if externalID <= 0 {
		return errors.New("show requires -id")
	}

	db, err := connectDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	itemStore := postgres.NewItemStore(db, postgres.NewTransactionManager(db))

	item, err := itemStore.GetByExternalID(context.Background(), externalID)
	if err != nil {
		return err
	}

	return printItem(os.Stdout, item)
}

func printItem(out io.Writer, item *domain.Item) error {
	parent := ""
	if item.ParentID != nil {
		parent = strconv.FormatInt(*item.ParentID, 10)
	}

	kids := make([]string, len(item.ChildIDs))
	for i, id := range item.ChildIDs {
		kids[i] = strconv.FormatInt(id, 10)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%d\n", item.ExternalID)
	fmt.Fprintf(w, "type:\t%s\n", item.Type)
	fmt.Fprintf(w, "source:\t%s\n", item.Source)
	fmt.Fprintf(w, "author:\t%s\n", deref(item.Author))
	fmt.Fprintf(w, "created:\t%s\n", formatTime(item.CreatedAt))
	fmt.Fprintf(w, "parent:\t%s\n", parent)
	fmt.Fprintf(w, "children:\t%s\n", strings.Join(kids, ","))
	fmt.Fprintf(w, "score:\t%s\n", formatInt(item.Score))
	fmt.Fprintf(w, "descendants:\t%s\n", formatInt(item.Descendants))
	fmt.Fprintf(w, "title:\t%s\n", deref(item.Title))
	fmt.Fprintf(w, "url:\t%s\n", deref(item.URL))
	fmt.Fprintf(w, "text:\t%s\n", deref(item.Text))
	return w.Flush()
}

func splitTypes(s string) []string {
	var types []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func setupLogger(out io.Writer, level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(out, opts)
	return slog.New(handler)
}
