package main

import (
	"fmt"
	"os"
)

const usageText = `usage: newsflow <command> [flags]

daemon:
  serve          run scheduler, worker pool and pipeline

scheduled tasks:
  list           show task definitions and live state
  pause <type>   stop scheduling a task type
  resume <type>  resume a paused task type
  run <type>     make a task type due immediately
  unlock <type>  force-clear a held lock
  reset [type]   clear failure streaks (all types when omitted)
  logs [type]    show recent execution records
  cleanup        delete old execution records

pipeline:
  enqueue <subject_id>  seed a subject into the pipeline
  stats                 per-stage queue aggregates
  reset-stuck           reset long-running items back to pending

monitoring:
  health         full health report (-json for machines)

Every command accepts -config (default ./config.yaml).
`

func usage() { fmt.Fprint(os.Stderr, usageText) }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(args)
	case "list":
		err = cmdList(args)
	case "pause", "resume", "run", "unlock":
		err = cmdTaskAction(cmd, args)
	case "reset":
		err = cmdReset(args)
	case "logs":
		err = cmdLogs(args)
	case "cleanup":
		err = cmdCleanup(args)
	case "enqueue":
		err = cmdEnqueue(args)
	case "stats":
		err = cmdStats(args)
	case "reset-stuck":
		err = cmdResetStuck(args)
	case "health":
		err = cmdHealth(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "newsflow:", err)
		os.Exit(1)
	}
}
