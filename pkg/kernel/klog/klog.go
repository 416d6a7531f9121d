// Package klog provides the structured, per-task logger the scheduler
// core uses for state transitions, signal delivery, and lifecycle
// events.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the base logger's verbosity, exposed so cmd/pastoralctl
// can wire a -debug flag through.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// TaskLogger is a logrus.Entry scoped to a single task, carrying its pid
// and tid on every subsequent call.
type TaskLogger struct {
	*logrus.Entry
}

// ForTask returns a logger that tags every entry with pid/tid, the way a
// kernel's dmesg line is implicitly scoped to the task that produced it.
func ForTask(pid, tid int) TaskLogger {
	return TaskLogger{base.WithFields(logrus.Fields{"pid": pid, "tid": tid})}
}

// ForCore returns a logger scoped to a simulated CPU core, used by the
// scheduler's per-core goroutines.
func ForCore(core int) *logrus.Entry {
	return base.WithField("core", core)
}

// Std returns the package's base logger for callers that have no
// task/core to scope to yet (boot, config parsing).
func Std() *logrus.Logger { return base }
