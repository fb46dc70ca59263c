package tools

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/vibrolink/internal/testutil/testlog"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	testlog.Start(t)
	requireShell(t)

	res, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo buzz; echo oops >&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "buzz" || strings.TrimSpace(string(res.Stderr)) != "oops" {
		t.Fatalf("unexpected output: %+v", res)
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
}

func TestExecRunnerExitCodes(t *testing.T) {
	testlog.Start(t)
	requireShell(t)

	res, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "exit 3")
	if err == nil || res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got code=%d err=%v", res.ExitCode, err)
	}

	res, err = ExecRunner{}.Run(context.Background(), "vibrolink-no-such-binary")
	if err == nil || res.ExitCode != 127 {
		t.Fatalf("expected 127 for missing binary, got code=%d err=%v", res.ExitCode, err)
	}
}

func TestExecRunnerHonorsContext(t *testing.T) {
	testlog.Start(t)
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := (ExecRunner{}).Run(ctx, "sh", "-c", "sleep 5"); err == nil {
		t.Fatalf("expected killed command to fail")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("command outlived its context")
	}
}
