package worker

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity returns a lock-owner string for this process: hostname and pid
// for operators, a uuid fragment to disambiguate pid reuse after a crash.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
