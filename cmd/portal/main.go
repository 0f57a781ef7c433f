package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/portal/internal/config"
	"github.com/openmined/portal/internal/utils"
	"github.com/openmined/portal/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

// viper key -> flag name
var flagKeys = map[string]string{
	"dir":              "dir",
	"include_dotfiles": "include-dotfiles",
	"verbose":          "verbose",
	"full_tree":        "tree",
	"log_url":          "log",
	"blob_url":         "blob",
	"concurrency":      "concurrency",
	"no_tui":           "no-tui",
	"http_addr":        "http-addr",
	"http_token":       "http-token",
	"log_file":         "log-file",
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portal",
		Short:         "Share a live directory tree with peers",
		Version:       version.Detailed(),
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "Portal config file")
	flags.StringP("dir", "d", config.DefaultDir, "Shared directory")
	flags.Bool("include-dotfiles", false, "Share files and directories starting with a dot")
	flags.BoolP("verbose", "v", false, "Verbose logging")
	flags.BoolP("tree", "t", false, "Show the full tree instead of top-level entries")
	flags.String("log", config.DefaultLogURL, "Event log backend (mem://, sqlite://, nats://, redis://)")
	flags.String("blob", config.DefaultBlobURL, "Blob store (file://, s3://, mem://)")
	flags.Int("concurrency", config.DefaultConcurrency, "Concurrent transfers")
	flags.Bool("no-tui", false, "Log to the terminal instead of showing the interactive view")
	flags.String("http-addr", "", "Serve the control plane and /metrics on this address")
	flags.String("http-token", "", "Bearer token required by the control plane")
	flags.String("log-file", config.DefaultLogFilePath, "Log file")

	rootCmd.AddCommand(newHostCmd())
	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("Error: ")+err.Error())
		stop()
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// .env in the working directory can carry PORTAL_* variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()

	// config path
	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(filepath.Join(home, ".portal"))
		v.AddConfigPath(filepath.Join(home, ".config", "portal"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	// Bind flags to viper
	for key, name := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			v.BindPFlag(key, f)
		}
	}

	// Set up environment variables
	v.SetEnvPrefix("PORTAL")
	v.AutomaticEnv()

	cfg := &config.Config{
		Dir:             v.GetString("dir"),
		IncludeDotFiles: v.GetBool("include_dotfiles"),
		Verbose:         v.GetBool("verbose"),
		FullTree:        v.GetBool("full_tree"),
		LogURL:          v.GetString("log_url"),
		BlobURL:         v.GetString("blob_url"),
		Concurrency:     v.GetInt("concurrency"),
		NoTUI:           v.GetBool("no_tui"),
		HTTPAddr:        v.GetString("http_addr"),
		HTTPToken:       v.GetString("http_token"),
		LogFilePath:     v.GetString("log_file"),
		Path:            v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// the interactive view needs a terminal
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		cfg.NoTUI = true
	}
	return cfg, nil
}

// setupLogging sends logs to the log file, and to stderr when the
// interactive view is off. The returned func flushes and closes the log file.
func setupLogging(cfg *config.Config) (func(), error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	if err := utils.EnsureParent(cfg.LogFilePath); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	// truncated per run
	file, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: level,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	handlers := []slog.Handler{fileHandler}
	if cfg.NoTUI {
		handlers = append(handlers, newConsoleHandler(os.Stderr, level))
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return func() {
		logInterceptor.Close()
		file.Close()
	}, nil
}

func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    noColor,
	})
}
