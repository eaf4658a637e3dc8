// Package main is the entry point for the marketbff server.
//
// marketbff is the backend of a local-services marketplace website. It records
// chat bookings, call logs, leads and worker signups as JSON documents in a
// versioned store (a GitHub repository by default) and serves an admin API to
// review them. Configuration is read from config.yaml, then .env, then CLI
// flags, each overriding the previous one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/maruel/marketbff/internal/blobstore"
	"github.com/maruel/marketbff/internal/blobstore/githubapp"
	"github.com/maruel/marketbff/internal/config"
	"github.com/maruel/marketbff/internal/records"
	"github.com/maruel/marketbff/internal/server"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/oauth2"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "marketbff: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "config.yaml", "YAML configuration file (optional)")
	envPath := flag.String("env", ".env", "dotenv file overriding the configuration file (optional)")
	httpAddr := flag.String("http", "", "Address to listen on (e.g., localhost:8080, :8080)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	storeBackend := flag.String("store", "", "Document store: github, git, postgres or memory")
	dataDir := flag.String("data-dir", "", "Path prefix of the collection documents in the store")
	watch := flag.Bool("watch", false, "Exit when the executable is modified, for development restarts")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			if a.Key == "ip" {
				if v := a.Value.String(); v == "127.0.0.1" || v == "::1" {
					return slog.Attr{}
				}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		return err
	}
	// Explicit flags win over both files.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTP = *httpAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "store":
			cfg.Store.Backend = *storeBackend
		case "data-dir":
			cfg.Store.DataDir = *dataDir
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	store := blobstore.NewClient(backend, cfg.Store.Timeout)
	// A misconfigured repository would otherwise look like an empty one.
	if err := store.Check(ctx); err != nil {
		return fmt.Errorf("store %s is not usable: %w", backend.Name(), err)
	}
	repo := records.New(store, records.Options{
		DataDir:         cfg.Store.DataDir,
		MaxAttempts:     cfg.Store.Retry.MaxAttempts,
		InitialInterval: cfg.Store.Retry.InitialInterval,
		MaxInterval:     cfg.Store.Retry.MaxInterval,
	})

	if *watch {
		if err := watchExecutable(ctx, stop); err != nil {
			return fmt.Errorf("failed to watch executable: %w", err)
		}
	}

	admin := server.StaticToken(cfg.AdminToken)
	if cfg.AdminTokenHash != "" {
		admin = server.HashedToken(cfg.AdminTokenHash)
	}
	buildVersion, _, _, _ := getBuildInfo()
	router := server.NewRouter(repo, server.Config{
		Version:            buildVersion,
		Admin:              admin,
		CORSOrigins:        cfg.CORSOrigins,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		PublicWritesPerMin: cfg.RateLimit.PublicWritesPerMin,
	})
	defer router.Close()

	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := cfg.HTTP
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "store", backend.Name(), "data_dir", cfg.Store.DataDir, "version", buildVersion)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// openBackend constructs the configured document store. The returned func
// releases it.
func openBackend(ctx context.Context, cfg *config.Config) (blobstore.Backend, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case config.BackendGitHub:
		var ts oauth2.TokenSource
		if cfg.GitHub.UsesApp() {
			key, err := githubapp.LoadPrivateKey(cfg.GitHub.PrivateKeyPath)
			if err != nil {
				return nil, nil, err
			}
			ts = githubapp.New(cfg.GitHub.AppID, cfg.GitHub.InstallationID, key, cfg.GitHub.APIURL)
			slog.InfoContext(ctx, "Using GitHub App credentials", "app_id", cfg.GitHub.AppID)
		} else {
			ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHub.Token})
		}
		return blobstore.NewGitHub(blobstore.GitHubOptions{
			APIURL:         cfg.GitHub.APIURL,
			Owner:          cfg.GitHub.Owner,
			Repo:           cfg.GitHub.Repo,
			Branch:         cfg.GitHub.Branch,
			CommitterName:  cfg.Committer.Name,
			CommitterEmail: cfg.Committer.Email,
		}, ts), noop, nil
	case config.BackendGit:
		r, err := blobstore.OpenGitRepo(blobstore.GitRepoOptions{
			Dir:         cfg.Git.Dir,
			AuthorName:  cfg.Committer.Name,
			AuthorEmail: cfg.Committer.Email,
			Remote:      blobstore.InjectTokenInURL(cfg.Git.Remote, cfg.Git.RemoteToken),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open git repository %s: %w", cfg.Git.Dir, err)
		}
		return r, noop, nil
	case config.BackendPostgres:
		p, err := blobstore.OpenPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return p, p.Close, nil
	case config.BackendMemory:
		slog.WarnContext(ctx, "Using the in-memory store, data is lost on exit")
		return blobstore.NewMemory(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("marketbff %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable cancels ctx when the running binary is replaced, so a
// supervisor restarts the new build.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if exe, err = filepath.EvalSymlinks(exe); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
