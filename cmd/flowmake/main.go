package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"flowmake/internal/app"
	logx "flowmake/pkg/logx"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitConfig   = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath      string
		pipelinePath string
		watchMode    bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config yaml/json (defaults when empty)")
	flag.StringVar(&pipelinePath, "pipeline", "flowmake.yaml", "path to pipeline yaml/json")
	flag.BoolVar(&watchMode, "watch", false, "rebuild on source changes and run schedules")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [-pipeline path] [-watch] [goal...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	goals := flag.Args()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Console logger until the configured log service is up.
	boot := logx.NewConsole("info")
	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		return exitCode(err)
	}
	log := a.Logger()

	var code int
	reason := app.StopBuildDone
	if watchMode || a.Config().Watch.Enabled {
		code, reason = watch(ctx, a, pipelinePath, goals)
	} else {
		code = build(ctx, a, log, pipelinePath, goals)
		if ctx.Err() != nil {
			reason = app.StopSignal
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil && code == exitOK {
		code = exitInternal
	}
	return code
}

func build(ctx context.Context, a *app.App, log logx.Logger, pipelinePath string, goals []string) int {
	res, err := a.Build(ctx, pipelinePath, goals)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "flowmake:", err)
		}
		return exitCode(err)
	}
	if !res.OK {
		log.Error("build failed", logx.Strings("failed", res.Failed))
		return exitFailed
	}
	return exitOK
}

func watch(ctx context.Context, a *app.App, pipelinePath string, goals []string) (int, app.StopReason) {
	notify := a.Config().Systemd.Notify
	log := a.Logger()
	sdNotify := func(state string) {
		if !notify {
			return
		}
		if ok, err := daemon.SdNotify(false, state); err != nil {
			log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		} else if !ok {
			log.Debug("sd_notify not supported", logx.String("state", state))
		}
	}

	err := a.Watch(ctx, app.WatchOptions{
		Pipeline: pipelinePath,
		Goals:    goals,
		Ready:    func() { sdNotify(daemon.SdNotifyReady) },
	})
	sdNotify(daemon.SdNotifyStopping)
	switch {
	case ctx.Err() != nil:
		return exitOK, app.StopSignal
	case err == nil:
		return exitOK, app.StopWatchEnded
	default:
		fmt.Fprintln(os.Stderr, "flowmake:", err)
		return exitCode(err), app.StopFatalError
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, app.ErrConfig), errors.Is(err, app.ErrPipeline):
		return exitConfig
	case errors.Is(err, context.Canceled):
		return exitFailed
	default:
		return exitInternal
	}
}
