package klog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestForTaskTagsFields(t *testing.T) {
	var buf bytes.Buffer
	old := base.Out
	base.SetOutput(&buf)
	defer base.SetOutput(old)

	ForTask(42, 7).Info("scheduled")

	out := buf.String()
	if !strings.Contains(out, "pid=42") || !strings.Contains(out, "tid=7") {
		t.Fatalf("log line missing pid/tid fields: %q", out)
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	old := base.Out
	base.SetOutput(&buf)
	defer base.SetOutput(old)
	defer SetLevel(logrus.InfoLevel)

	SetLevel(logrus.WarnLevel)
	ForCore(0).Debug("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected no output at WarnLevel, got %q", buf.String())
	}
}
