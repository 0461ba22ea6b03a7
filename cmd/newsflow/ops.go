package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"newsflow/internal/app"
	"newsflow/internal/config"
	"newsflow/internal/health"
	"newsflow/internal/store"
	logx "newsflow/pkg/logx"
)

const opTimeout = 30 * time.Second

// openStore loads config and opens the shared database for a one-shot
// operator command.
func openStore(cfgPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtDur(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Millisecond).String()
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSTATUS\tSCHEDULE\tNEXT RUN\tLAST RUN\tLAST STATUS\tFAILS\tLOCKED BY")
	for _, t := range tasks {
		lockedBy := "-"
		if t.Locked() {
			lockedBy = t.LockedBy
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			t.Type, t.Status, t.SchedulePattern,
			fmtTime(t.NextRunAt), fmtTime(t.LastRunAt),
			t.LastStatus, t.FailCount, lockedBy)
	}
	return w.Flush()
}

func cmdTaskAction(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskType := fs.Arg(0)
	if taskType == "" {
		return fmt.Errorf("%s: task type required", action)
	}
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var n int64
	switch action {
	case "pause":
		n, err = st.PauseTask(ctx, taskType)
	case "resume":
		n, err = st.ResumeTask(ctx, taskType)
	case "run":
		n, err = st.ForceRun(ctx, taskType)
	case "unlock":
		n, err = st.UnlockTask(ctx, taskType)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: no matching rows for task type %q", action, taskType)
	}
	fmt.Printf("%s: %d row(s) updated\n", action, n)
	return nil
}

func cmdReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	n, err := st.ResetFailures(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("reset: %d row(s) updated\n", n)
	return nil
}

func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	limit := fs.Int("limit", 20, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskType := fs.Arg(0) // empty means all types
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	logs, err := st.RecentLogs(ctx, taskType, *limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTYPE\tSTATUS\tTOOK\tWORKER\tERROR")
	for _, l := range logs {
		took := "-"
		if !l.FinishedAt.IsZero() {
			took = fmtDur(l.FinishedAt.Sub(l.StartedAt))
		}
		errMsg := l.ErrorMessage
		if len(errMsg) > 60 {
			errMsg = errMsg[:60] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			fmtTime(l.StartedAt), l.TaskType, l.Status, took, l.LockedBy, errMsg)
	}
	return w.Flush()
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	days := fs.Int("days", 30, "delete records older than this many days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days < 1 {
		return fmt.Errorf("cleanup: -days must be >= 1")
	}
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	n, err := st.CleanupLogs(ctx, time.Duration(*days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("cleanup: %d record(s) deleted\n", n)
	return nil
}

func cmdEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	stage := fs.String("stage", "", "target stage (default: first stage)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.Arg(0) == "" {
		return fmt.Errorf("enqueue: subject id required")
	}
	subjectID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("enqueue: invalid subject id %q", fs.Arg(0))
	}

	cfg, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	pipeCfg, err := app.PipelineConfig(cfg)
	if err != nil {
		return err
	}
	target := *stage
	if target == "" {
		target = pipeCfg.Stages[0].Name
	}
	maxAttempts := 0
	for _, s := range pipeCfg.Stages {
		if s.Name == target {
			maxAttempts = pipeCfg.MaxAttempts
			if s.MaxAttempts > 0 {
				maxAttempts = s.MaxAttempts
			}
			break
		}
	}
	if maxAttempts == 0 {
		return fmt.Errorf("enqueue: unknown stage %q", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	created, err := st.Enqueue(ctx, subjectID, target, maxAttempts)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("enqueue: subject %d already live in stage %s\n", subjectID, target)
		return nil
	}
	fmt.Printf("enqueue: subject %d queued for stage %s\n", subjectID, target)
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	stats, err := st.StageStats(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tCOUNT\tOLDEST\tNEWEST\tAVG DURATION")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.Stage, s.Status, s.Count,
			fmtTime(s.OldestCreated), fmtTime(s.NewestCreated),
			fmtDur(s.AvgDuration))
	}
	return w.Flush()
}

func cmdResetStuck(args []string) error {
	fs := flag.NewFlagSet("reset-stuck", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	stage := fs.String("stage", "", "limit to one stage")
	age := fs.Duration("age", 30*time.Minute, "minimum lock age")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	n, err := st.ResetStuck(ctx, *stage, *age)
	if err != nil {
		return err
	}
	fmt.Printf("reset-stuck: %d item(s) reset to pending\n", n)
	return nil
}

func cmdHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	taskFn, stageFn, err := app.TimeoutResolvers(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	report, err := health.New(st, taskFn, stageFn).Report(ctx)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printHealth(report)
	if !report.Healthy {
		os.Exit(1)
	}
	return nil
}

func printHealth(r health.Report) {
	state := "HEALTHY"
	if !r.Healthy {
		state = "DEGRADED"
	}
	fmt.Printf("%s  (generated %s)\n", state, fmtTime(r.GeneratedAt))
	fmt.Printf("tasks: %d active, %d due, %d locked, %d failing\n\n",
		r.Counters.Active, r.Counters.Due, r.Counters.Locked, r.Counters.Failed)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSTATUS\tLAST\tFAILS\tRUNS OK\tRUNS FAIL\tAVG\tNEXT RUN")
	for _, t := range r.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			t.Type, t.Status, t.LastStatus, t.FailCount,
			t.Completed, t.Failed, fmtDur(t.AvgDuration), fmtTime(t.NextRunAt))
	}
	w.Flush()

	if len(r.Stuck) > 0 {
		fmt.Printf("\nstuck locks:\n")
		for _, s := range r.Stuck {
			fmt.Printf("  %s %s (id %d) held by %s for %s (timeout %s)\n",
				s.Kind, s.Name, s.ID, s.LockedBy, fmtDur(s.HeldFor), fmtDur(s.Timeout))
		}
	}
	if len(r.FailedItems) > 0 {
		fmt.Printf("\nterminal pipeline failures:\n")
		for _, it := range r.FailedItems {
			fmt.Printf("  subject %d at %s after %d attempts: %s\n",
				it.SubjectID, it.Stage, it.AttemptCount, it.ErrorMessage)
		}
	}
}
