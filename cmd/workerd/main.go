// workerd runs managed workers from a config file.
//
// Usage:
//
//	workerd [--config ./workerd.yaml]     Run jobs on their schedules until SIGINT/SIGTERM
//	workerd --once                        Start every job once, wait, exit
//	workerd --history 20 [--worker name]  Print recent runs as JSON lines
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"managedworker/internal/app"
	logx "managedworker/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		once     bool
		history  int
		identity string
		timeout  time.Duration
	)
	flag.StringVarP(&cfgPath, "config", "c", "./workerd.yaml", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "start every job once, wait for all workers, then exit")
	flag.IntVar(&history, "history", 0, "print the N most recent runs and exit (needs storage)")
	flag.StringVar(&identity, "worker", "", "filter --history by worker identity")
	flag.DurationVar(&timeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	code := 0
	var reason app.StopReason
	switch {
	case history > 0:
		if err := printHistory(ctx, a, identity, history); err != nil {
			fmt.Fprintln(os.Stderr, "history:", err)
			code = 1
		}
		reason = app.StopOnceDone
	case once:
		if err := a.RunOnce(ctx); err != nil {
			a.Logger().Error("run once failed", logx.Err(err))
			code = 1
		}
		reason = app.StopOnceDone
	default:
		if err := a.Start(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal start:", err)
			os.Exit(1)
		}
		reason = a.Wait(ctx)
		if reason == app.StopFatalError {
			a.Logger().Error("service failed", logx.Err(a.Err()))
			code = 1
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	os.Exit(code)
}

func printHistory(ctx context.Context, a *app.App, identity string, limit int) error {
	runs, err := a.History(ctx, identity, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
