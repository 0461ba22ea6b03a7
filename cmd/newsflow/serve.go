package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"newsflow/internal/app"
)

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	noScheduler := fs.Bool("no-scheduler", false, "run without the scheduler tick loop")
	noWorkers := fs.Bool("no-workers", false, "run without the task worker pool")
	noPipeline := fs.Bool("no-pipeline", false, "run without the pipeline stage workers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath, app.Options{
		NoScheduler: *noScheduler,
		NoWorkers:   *noWorkers,
		NoPipeline:  *noPipeline,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	go a.Watch(ctx)

	// Under systemd Type=notify these report liveness; elsewhere they are
	// cheap no-ops.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 {
		go func() {
			tkr := time.NewTicker(wd / 2)
			defer tkr.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tkr.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	a.Stop(stopCtx)
	return nil
}
