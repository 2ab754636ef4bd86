// openrec program
// This processes one charter against one base directory's inbox and
// produces a matched report, following the job controller's folder
// lifecycle: Scan -> Promote -> Replay -> Execute -> Finalise.
//
// Design:
// main() parses flags, loads the charter, and hands off to a single
// job.Controller.Run() call. There is no long-running server loop here:
// one invocation processes whatever sits in inbox/ right now and exits,
// leaving scheduling to whatever wraps this binary (cron, a supervisor).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/job"
	"github.com/openrec/openrec/internal/version"
	"github.com/openrec/openrec/internal/xerrors"
)

// levelFromEnv honours RUST_LOG-style level filtering: a bare
// level name turns on that verbosity; anything unrecognised defaults to
// Info rather than refusing to start.
func levelFromEnv() logrus.Level {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("RUST_LOG")))
	switch raw {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info", "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

func main() {
	var (
		charterPath = kingpin.Arg(
			"charter",
			"Charter YAML file describing the matching control.",
		).Required().String()
		baseDir = kingpin.Arg(
			"base-dir",
			"Root directory holding inbox/waiting/unmatched/matched/etc.",
		).Required().String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("openrec")).Author("openrec")
	kingpin.CommandLine.Help = "Runs one reconciliation job: promotes inbox files, executes a charter's matching instructions, and writes a matched report.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = levelFromEnv()
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	charter, err := config.LoadFile(*charterPath)
	if err != nil {
		logger.Errorf("failed to load charter %s: %v", *charterPath, err)
		os.Exit(int(xerrors.ExitCodeFor(err)))
	}

	logger.Infof("%s: charter %q (%s), base-dir %s", version.Print("openrec"), charter.Name, charter.Version, *baseDir)
	startTime := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := job.New(logger, *baseDir, charter)
	if err := ctrl.Run(ctx); err != nil {
		logger.Errorf("job failed after %s: %v", time.Since(startTime), err)
		os.Exit(int(xerrors.ExitCodeFor(err)))
	}

	logger.Infof("job finished in %s", time.Since(startTime))
	fmt.Fprintln(os.Stdout, "ok")
}
