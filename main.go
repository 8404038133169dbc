package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danprince/chokibasic/internal/build"
	"github.com/danprince/chokibasic/internal/errors"
	"github.com/danprince/chokibasic/internal/livereload"
	"github.com/danprince/chokibasic/internal/logger"
	"github.com/danprince/chokibasic/internal/watch"
	"github.com/spf13/cobra"
)

var Version = "dev"

type globalFlags struct {
	logFormat string
	noColor   bool
	debug     bool
}

func main() {
	cmd := newRootCmd(os.Stdout, os.Stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errors.FmtError(err))
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "chokibasic",
		Version:       Version,
		Short:         "Watch a project and rebuild what changed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", logger.FormatPretty, "log format (pretty or json)")
	root.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "log every queued event and watcher setup")

	root.AddCommand(
		newWatchCmd(flags, stderr),
		newBuildCmd(flags, stderr),
		newExportCmd(flags, stdout, stderr),
	)

	return root
}

func (f *globalFlags) logger(w io.Writer, debug bool) *slog.Logger {
	return logger.New(logger.Config{
		Writer:  w,
		Format:  f.logFormat,
		Level:   logger.LevelFor(f.debug || debug),
		NoColor: f.noColor,
	})
}

func loadProject(configFile string) (*config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	file, err := findConfig(cwd, configFile)
	if err != nil {
		return nil, err
	}

	return loadConfig(file)
}

func newWatchCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	var configFile, serveAddr, serveRoot string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run each rule's steps whenever its files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProject(configFile)
			if err != nil {
				return err
			}

			cfg.Debug = cfg.Debug || flags.debug
			log := flags.logger(stderr, cfg.Debug)

			r := newRunner(cfg, log, stderr)
			defer r.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)

			if serveAddr != "" {
				lr := livereload.New(log)
				defer lr.Close()
				r.reload = lr.Notify

				root := cfg.path(serveRoot)
				if serveRoot == "" {
					root = cfg.Cwd
				}

				go func() {
					serveErr <- listenAndServe(ctx, serveAddr, newDevServer(root, lr, r.failure), log)
				}()
			}

			rules, err := r.rules()
			if err != nil {
				return err
			}

			opts := cfg.watchOptions()
			opts.Logger = log
			// Steps already logged and printed their own failures.
			opts.OnError = func(rule *watch.Rule, err error) {
				log.Debug("rule failed", "rule", rule.Name, "error", err)
			}

			w, err := watch.New(rules, opts)
			if err != nil {
				return err
			}

			log.Info("watching", "rules", len(rules), "cwd", cfg.Cwd)

			select {
			case <-ctx.Done():
			case err = <-serveErr:
				if err != nil {
					log.Error("server stopped", "error", err)
				}
			}

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if cerr := w.Close(closeCtx); cerr != nil {
				return cerr
			}

			log.Info("stopped watching")
			return err
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file (default .chokibasic.json, .yaml or .yml)")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "also serve files on this address, e.g. localhost:8000")
	cmd.Flags().StringVar(&serveRoot, "root", "", "directory to serve (default the project directory)")

	return cmd
}

func newBuildCmd(flags *globalFlags, stderr io.Writer) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run each rule's steps once over the files that match it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProject(configFile)
			if err != nil {
				return err
			}

			cfg.Debug = cfg.Debug || flags.debug
			log := flags.logger(stderr, cfg.Debug)

			r := newRunner(cfg, log, stderr)
			defer r.close()

			rules, err := r.rules()
			if err != nil {
				return err
			}

			opts := cfg.watchOptions()
			opts.Logger = log

			start := time.Now()
			if err := watch.RunOnce(cmd.Context(), rules, opts); err != nil {
				return fmt.Errorf("build failed: %w", err)
			}

			log.Info("build complete", "rules", len(rules), "took", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "config file (default .chokibasic.json, .yaml or .yml)")

	return cmd
}

func newExportCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var banner string

	cmd := &cobra.Command{
		Use:   "export <src> <dist>",
		Short: "Copy src to dist, leaving out ignored and development files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := flags.logger(stderr, false)

			stats, err := build.Export(args[0], args[1], build.ExportOptions{
				Banner: banner,
				Logger: log,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "copied %d files, skipped %d\n", stats.Copied, stats.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&banner, "banner", "", "banner file for exported js, css and html")

	return cmd
}
