package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/executor"
)

func writeStubAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub agent script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "stub-agent.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub agent: %v", err)
	}
	return path
}

func TestExecute_SuccessParsesStream(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-1"}'
echo '{"type":"result","is_error":false,"session_id":"sess-1"}'
exit 0
`)
	workDir := t.TempDir()
	e := executor.New(agent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := e.Execute(ctx, executor.Params{
		Prompt:     "do something useful",
		WorkingDir: workDir,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Stream.SessionID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", result.Stream.SessionID)
	}
	if result.Stream.IsError {
		t.Fatal("expected no stream error")
	}
}

func TestExecute_WorkingDirMissing(t *testing.T) {
	agent := writeStubAgent(t, "exit 0\n")
	e := executor.New(agent)

	_, err := e.Execute(context.Background(), executor.Params{
		Prompt:     "do something",
		WorkingDir: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	var execErr *executor.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asExecutorError(err, &execErr) || execErr.Kind != executor.FailureWorkingDirMissing {
		t.Fatalf("expected FailureWorkingDirMissing, got %v", err)
	}
}

func TestExecute_ExecutableMissing(t *testing.T) {
	workDir := t.TempDir()
	e := executor.New(filepath.Join(workDir, "no-such-agent-binary"))

	_, err := e.Execute(context.Background(), executor.Params{
		Prompt:     "do something",
		WorkingDir: workDir,
	})
	var execErr *executor.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asExecutorError(err, &execErr) || execErr.Kind != executor.FailureExecutableMissing {
		t.Fatalf("expected FailureExecutableMissing, got %v", err)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	agent := writeStubAgent(t, "echo failed >&2\nexit 3\n")
	workDir := t.TempDir()
	e := executor.New(agent)

	_, err := e.Execute(context.Background(), executor.Params{
		Prompt:     "do something",
		WorkingDir: workDir,
	})
	var execErr *executor.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asExecutorError(err, &execErr) || execErr.Kind != executor.FailureNonZeroExit {
		t.Fatalf("expected FailureNonZeroExit, got %v", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	agent := writeStubAgent(t, "sleep 5\necho '{\"type\":\"result\"}'\n")
	workDir := t.TempDir()
	e := executor.New(agent)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := e.Execute(ctx, executor.Params{
		Prompt:     "do something slow",
		WorkingDir: workDir,
	})
	var execErr *executor.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asExecutorError(err, &execErr) || execErr.Kind != executor.FailureTimeout {
		t.Fatalf("expected FailureTimeout, got %v", err)
	}
	if result == nil || result.ReturnCode != -1 {
		t.Fatalf("expected return code -1 on timeout, got %+v", result)
	}
	if result == nil || !result.TimedOut {
		t.Fatal("expected TimedOut to be true")
	}
}

func TestExecute_CleanExitWithStreamError(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"type":"result","is_error":true,"errors":["agent reported a failure"]}'
exit 0
`)
	workDir := t.TempDir()
	e := executor.New(agent)

	result, err := e.Execute(context.Background(), executor.Params{
		Prompt:     "do something",
		WorkingDir: workDir,
	})
	var execErr *executor.Error
	if err == nil {
		t.Fatal("expected error for is_error:true result despite exit code 0")
	}
	if !asExecutorError(err, &execErr) || execErr.Kind != executor.FailureStream {
		t.Fatalf("expected FailureStream, got %v", err)
	}
	if result == nil || !result.Stream.IsError {
		t.Fatal("expected result.Stream.IsError to be true")
	}
}

func TestExecute_AppendsStickyNotesAndResumeFlag(t *testing.T) {
	agent := writeStubAgent(t, `
args="$*"
echo "$args" > `+"`"+`dirname $0`+"`"+`/args.txt
echo '{"type":"result","is_error":false}'
`)
	workDir := t.TempDir()
	e := executor.New(agent)

	_, err := e.Execute(context.Background(), executor.Params{
		Prompt:      "remember to check logs",
		SessionID:   "resume-me",
		WorkingDir:  workDir,
		StickyNotes: []string{"water the plants"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	argsFile := filepath.Join(filepath.Dir(agent), "args.txt")
	raw, readErr := os.ReadFile(argsFile)
	if readErr != nil {
		t.Fatalf("read captured args: %v", readErr)
	}
	captured := string(raw)
	if !strings.Contains(captured, "--resume resume-me") {
		t.Fatalf("expected --resume flag in args, got %q", captured)
	}
	if !strings.Contains(captured, "water the plants") {
		t.Fatalf("expected sticky note in prompt args, got %q", captured)
	}
	if !strings.Contains(captured, "--output-format stream-json --verbose") {
		t.Fatalf("expected stream-json invocation contract, got %q", captured)
	}
}

func asExecutorError(err error, target **executor.Error) bool {
	for err != nil {
		if e, ok := err.(*executor.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
