package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// outputTail bounds how much subprocess output is carried into error_message.
const outputTail = 512

// Command adapts an argv-style command line into a Handler. The command is
// run without a shell; context cancellation kills the process, with a grace
// delay for cleanup before the hard kill.
func Command(argv []string) Handler {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return fmt.Errorf("empty command")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.WaitDelay = 5 * time.Second

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", argv[0], ctx.Err())
			}
			tail := strings.TrimSpace(out.String())
			if len(tail) > outputTail {
				tail = "..." + tail[len(tail)-outputTail:]
			}
			if tail == "" {
				return fmt.Errorf("%s: %w", argv[0], err)
			}
			return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
		}
		return nil
	}
}

// SubjectCommand is the pipeline variant: the subject id is appended as the
// final argument and stdout is returned as the stage result payload.
func SubjectCommand(argv []string) func(ctx context.Context, subjectID int64) (string, error) {
	return func(ctx context.Context, subjectID int64) (string, error) {
		if len(argv) == 0 {
			return "", fmt.Errorf("empty command")
		}
		args := append(append([]string{}, argv[1:]...), fmt.Sprint(subjectID))
		cmd := exec.CommandContext(ctx, argv[0], args...)
		cmd.WaitDelay = 5 * time.Second

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%s: %w", argv[0], ctx.Err())
			}
			tail := strings.TrimSpace(stderr.String())
			if len(tail) > outputTail {
				tail = "..." + tail[len(tail)-outputTail:]
			}
			if tail == "" {
				return "", fmt.Errorf("%s: %w", argv[0], err)
			}
			return "", fmt.Errorf("%s: %w: %s", argv[0], err, tail)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
