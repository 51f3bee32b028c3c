package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	_ "github.com/gobeaver/vfskit/driver/ftp"
	_ "github.com/gobeaver/vfskit/driver/local"
	_ "github.com/gobeaver/vfskit/driver/memory"
	_ "github.com/gobeaver/vfskit/driver/sftp"
	_ "github.com/gobeaver/vfskit/driver/zip"
	"github.com/gobeaver/vfskit/internal/metrics"
	"github.com/gobeaver/vfskit/job"
)

// flags shared by every command
type rootFlags struct {
	recursive   bool
	overwrite   bool
	verify      bool
	exclude     []string
	yes         bool
	debug       bool
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "vfsjob",
		Short:         "Copy, move, delete and change files on local and remote filesystems",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(setupLogging(cmd.Context(), flags.debug))
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&flags.recursive, "recursive", "r", false, "descend into directories")
	pf.BoolVarP(&flags.overwrite, "overwrite", "f", false, "replace existing targets without asking")
	pf.BoolVar(&flags.verify, "verify", false, "compare checksums of copied files")
	pf.StringSliceVarP(&flags.exclude, "exclude", "x", nil, "skip entries matching a glob pattern")
	pf.BoolVarP(&flags.yes, "yes", "y", false, "skip every failed file instead of asking")
	pf.BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(
		newTransferCmd(flags, job.KindCopy),
		newTransferCmd(flags, job.KindMove),
		newDeleteCmd(flags),
		newChmodCmd(flags),
		newPrincipalCmd(flags, job.KindSetOwner),
		newPrincipalCmd(flags, job.KindSetGroup),
		newLabelCmd(flags),
		newWriteCmd(flags),
		newCreateCmd(flags, job.KindCreateDirectory),
		newCreateCmd(flags, job.KindCreateFile),
	)
	return cmd
}

// setupLogging returns ctx carrying a console logger on stderr.
func setupLogging(ctx context.Context, debug bool) context.Context {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
	return logger.WithContext(ctx)
}

// parsePath accepts URIs as well as relative local paths.
func parsePath(arg string) (vfskit.VirtualPath, error) {
	if !strings.Contains(arg, "://") && !filepath.IsAbs(arg) {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return vfskit.VirtualPath{}, errors.WithStack(err)
		}
		arg = filepath.ToSlash(abs)
	}
	return vfskit.Parse(arg)
}

func parsePaths(args []string) ([]vfskit.VirtualPath, error) {
	paths := make([]vfskit.VirtualPath, 0, len(args))
	for _, arg := range args {
		p, err := parsePath(arg)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// run submits req and waits for it, canceling the job when ctx ends.
func run(ctx context.Context, flags *rootFlags, req job.Request) error {
	cfg, err := vfskit.GetConfig()
	if err != nil {
		return errors.Errorf("loading config: %w", err)
	}
	logger := zerolog.Ctx(ctx)
	if !flags.debug {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.Errorf("log level: %w", err)
		}
		l := logger.Level(level)
		logger = &l
	}

	if flags.metricsAddr != "" {
		srv := &http.Server{Addr: flags.metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	creds := vfskit.NewMemoryCredentials()
	reg := vfskit.NewRegistry(cfg, creds)
	defer reg.Close()

	console := newConsole(os.Stdin, os.Stderr, creds, flags.yes)
	svc := job.New(reg, console, job.WithLogger(logger))

	req.Recursive = req.Recursive || flags.recursive
	req.Overwrite = flags.overwrite
	req.Verify = flags.verify
	req.Exclude = flags.exclude

	h, err := svc.Submit(ctx, req)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			logger.Info().Msg("canceling")
			h.Cancel()
		case <-h.Done():
		}
	}()

	err = h.Wait()
	res := h.Result()
	console.summary(h.Status(), res)
	return err
}
