package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/panels/internal/backup"
	"github.com/tinytelemetry/panels/internal/bus"
	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/datasource"
	"github.com/tinytelemetry/panels/internal/duckdb"
	"github.com/tinytelemetry/panels/internal/httpserver"
	"github.com/tinytelemetry/panels/internal/journal"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/runner"
	"github.com/tinytelemetry/panels/internal/socketrpc"
	"github.com/tinytelemetry/panels/internal/tcpserver"
)

// runServer loads dashboards and serves them over HTTP and the unix socket.
func runServer(cfg appConfig) error {
	logger, cleanupLogger := configureRuntimeLogger(cfg.LogLevel)
	defer cleanupLogger()

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return errors.Wrap(err, "failed to initialize DuckDB")
	}
	defer store.Close()
	store.SetMaxConcurrentQueries(cfg.MaxConcurrentReads)
	store.SetLogger(logger.WithField("component", "duckdb"))

	// Samples are journaled before they are buffered, so a crash loses none.
	var sampleJournal *journal.Journal[model.Sample]
	if cfg.SampleJournal != "" {
		sampleJournal, err = journal.Open[model.Sample](cfg.SampleJournal)
		if err != nil {
			return errors.Wrap(err, "failed to open sample journal")
		}
	}
	insertBuffer := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
		Journal:        sampleJournal,
		Logger:         logger.WithField("component", "insert-buffer"),
	})
	defer insertBuffer.Stop()
	if n, err := insertBuffer.Recover(); err != nil {
		return errors.Wrap(err, "failed to replay sample journal")
	} else if n > 0 {
		logger.WithField("samples", n).Info("sample journal: replayed uncommitted samples")
	}

	retentionCleaner := duckdb.NewRetentionCleaner(store, cfg.RetentionDays)
	defer retentionCleaner.Stop()

	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
		Logger:         logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize backups")
	}
	defer backupManager.Stop()

	registry := datasource.NewRegistry()
	for _, ds := range []model.DataSource{
		datasource.NewTestData(""),
		datasource.NewSQL("", store),
	} {
		if err := registry.Register(ds); err != nil {
			return err
		}
	}
	if cfg.DefaultDatasource != "" {
		if err := registry.SetDefault(cfg.DefaultDatasource); err != nil {
			return errors.Wrap(err, "invalid default-datasource")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sideChannels, closeBus, err := openSideChannelBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	dashboards := dashboard.NewService(runner.Options{
		DataSources:       registry,
		Bus:               sideChannels,
		LoadingStateDelay: cfg.LoadingStateDelay,
		Logger:            logger,
	})
	defer dashboards.Close()
	loaded, err := dashboards.LoadDir(cfg.DashboardsDir)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return err
	}

	if cfg.APIEnabled {
		deps := httpserver.Deps{
			Dashboards:   dashboards,
			DataSources:  registry,
			Samples:      store,
			Sink:         insertBuffer,
			QueryTimeout: cfg.QueryTimeout,
			Logger:       logger,
		}
		if backupManager != nil {
			deps.Backups = backupManager
		}
		apiServer := httpserver.NewServer(cfg.APIAddr, deps)
		if err := apiServer.Start(); err != nil {
			return errors.Wrap(err, "failed to start API server")
		}
		defer apiServer.Stop()
	}

	if cfg.TCPEnabled {
		ingest := tcpserver.NewServer(cfg.TCPAddr, insertBuffer, tcpserver.ServerConfig{Logger: logger})
		if err := ingest.Start(); err != nil {
			return errors.Wrap(err, "failed to start TCP ingest")
		}
		defer func() {
			ingest.Stop()
			st := ingest.Stats()
			logger.WithFields(logrus.Fields{"accepted": st.Accepted, "rejected": st.Rejected}).Info("tcp ingest: stopped")
		}()
	}

	sockServer := socketrpc.NewServer(cfg.SocketPath, dashboards, logger)
	sockServer.QueryTimeout = cfg.QueryTimeout
	if err := sockServer.Start(); err != nil {
		logger.WithError(err).Warn("failed to start socket server")
	} else {
		defer sockServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	printStartupBanner(cfg, loaded, registry.List())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-sigCh:
		case <-gctx.Done():
			return nil
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		go func() {
			deadline := time.NewTimer(10 * time.Second)
			defer deadline.Stop()
			select {
			case <-sigCh:
				fmt.Println("\nForce shutdown.")
			case <-deadline.C:
				fmt.Println("Shutdown timed out, forcing exit.")
			}
			cleanupSocket(cfg.SocketPath)
			os.Exit(1)
		}()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server: errgroup exited with error")
	}
	return nil
}

// openSideChannelBus builds the bus panel runners publish side-channel
// requests to. Requests journaled by the previous run are replayed into it
// first.
func openSideChannelBus(ctx context.Context, cfg appConfig, logger logrus.FieldLogger) (runner.Publisher, func(), error) {
	local := bus.NewLocal(ctx, bus.DefaultBuffer, logger.WithField("component", "bus"))
	for _, channel := range cfg.SideChannels {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		local.Subscribe(channel, func(_ context.Context, req *model.DataQueryRequest) {
			logger.WithFields(logrus.Fields{
				"channel":    channel,
				"request_id": req.RequestID,
				"dashboard":  req.DashboardUID,
				"panel":      req.PanelID,
				"targets":    len(req.Targets),
			}).Info("side-channel request")
		})
	}

	if cfg.SideChannelJournal == "" {
		return local, local.Close, nil
	}

	sink, err := bus.OpenJournalSink(cfg.SideChannelJournal, logger.WithField("component", "bus-journal"))
	if err != nil {
		local.Close()
		return nil, nil, errors.Wrap(err, "failed to open side-channel journal")
	}
	n, err := sink.Drain(func(m bus.Message) error {
		local.Publish(m.Channel, m.Request)
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("side-channel journal: replay stopped early")
	}
	if n > 0 {
		logger.WithField("requests", n).Info("side-channel journal: replayed requests")
	}

	closeAll := func() {
		local.Close()
		if err := sink.Close(); err != nil {
			logger.WithError(err).Warn("side-channel journal: close")
		}
	}
	return bus.Multi{local, sink}, closeAll, nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// configureRuntimeLogger writes logs to ~/.local/state/panels/panels.log,
// falling back to stderr.
func configureRuntimeLogger(level string) (*logrus.Logger, func()) {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetOutput(os.Stderr)

	home, err := os.UserHomeDir()
	if err != nil {
		return logger, func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "panels")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return logger, func() {}
	}

	f, err := os.OpenFile(filepath.Join(logDir, "panels.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return logger, func() {}
	}

	logger.SetOutput(f)
	return logger, func() {
		logger.SetOutput(os.Stderr)
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, dashboards int, sources []datasource.Info) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╔╗╔╔═╗╦  ╔═╗
    ╠═╝╠═╣║║║║╣ ║  ╚═╗
    ╩  ╩ ╩╝╚╝╚═╝╩═╝╚═╝`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	if cfg.TCPEnabled {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", check, cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))), "")

	lines = append(lines, bold.Render("    Dashboards"), "")
	if dashboards > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Loaded         %s", check, dim.Render(fmt.Sprintf("%d from %s", dashboards, shortenPath(cfg.DashboardsDir)))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Loaded         %s", dot, dim.Render("none in "+shortenPath(cfg.DashboardsDir))))
	}
	for _, ds := range sources {
		name := ds.Name
		if ds.Default {
			name += " (default)"
		}
		lines = append(lines, fmt.Sprintf("    %s  Datasource     %s", check, dim.Render(name)))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  Samples        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	if cfg.RetentionDays > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Retention      %s", check, dim.Render(fmt.Sprintf("%d days", cfg.RetentionDays))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Retention      %s", dot, dim.Render("disabled")))
	}
	if cfg.BackupEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.BackupLocalDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
