package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

func newTestRunner(binary, sessionDir, tasksRoot string) *Runner {
	return New(config.AgentConfig{
		Binary:     binary,
		SessionDir: sessionDir,
		Timeout:    30,
	}, tasksRoot, logger.Default())
}

func TestBuildArgs(t *testing.T) {
	r := newTestRunner("copilot", "", "")
	r.model = "gpt-5"

	args := r.buildArgs(Options{
		Prompt:   "do the thing",
		ResumeID: "sess-1",
		AddDirs:  []string{"/repo", "/tasks"},
	})
	assert.Equal(t, []string{
		"-p", "do the thing", "--allow-all-tools", "--no-color",
		"--model", "gpt-5",
		"--resume", "sess-1",
		"--add-dir", "/repo", "--add-dir", "/tasks",
	}, args)

	// no resume flag without a resume id
	args = r.buildArgs(Options{Prompt: "x"})
	assert.NotContains(t, args, "--resume")
}

func TestDiscoverLatestSession(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "session-old.json")
	recent := filepath.Join(dir, "session-new.json")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(recent, []byte("{}"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	r := newTestRunner("copilot", dir, "")
	id, err := r.DiscoverLatestSession()
	require.NoError(t, err)
	assert.Equal(t, "session-new", id)
}

func TestDiscoverLatestSessionEmpty(t *testing.T) {
	r := newTestRunner("copilot", t.TempDir(), "")
	_, err := r.DiscoverLatestSession()
	assert.Error(t, err)
}

func TestIsTaskSession(t *testing.T) {
	dir := t.TempDir()
	tasksRoot := "/workspace/.tasks"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker-sess.json"),
		[]byte(`{"cwd": "/workspace/.tasks/abc123/workspace"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat-sess.json"),
		[]byte(`{"cwd": "/home/user"}`), 0o644))

	r := newTestRunner("copilot", dir, tasksRoot)
	assert.True(t, r.IsTaskSession("worker-sess"))
	assert.False(t, r.IsTaskSession("chat-sess"))
	assert.False(t, r.IsTaskSession("missing"))
}

func TestDiscoverLatestNonTaskSession(t *testing.T) {
	dir := t.TempDir()
	tasksRoot := "/workspace/.tasks"
	chat := filepath.Join(dir, "chat-sess.json")
	worker := filepath.Join(dir, "worker-sess.json")
	require.NoError(t, os.WriteFile(chat, []byte(`{"cwd": "/home"}`), 0o644))
	require.NoError(t, os.WriteFile(worker, []byte(`{"cwd": "/workspace/.tasks/x/workspace"}`), 0o644))
	// the worker session is newer, but must be skipped
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(chat, past, past))

	r := newTestRunner("copilot", dir, tasksRoot)
	id, err := r.DiscoverLatestNonTaskSession()
	require.NoError(t, err)
	assert.Equal(t, "chat-sess", id)
}

func TestUnknownOptionDetection(t *testing.T) {
	assert.True(t, isUnknownOptionLine("error: unknown option '--resume'"))
	assert.True(t, isUnknownOptionLine("Unknown flag: --add-dir"))
	assert.False(t, isUnknownOptionLine("reading options from config"))
}

func TestStaleSessionDetection(t *testing.T) {
	assert.True(t, isStaleSessionOutput("error: session not found: sess-1"))
	assert.True(t, isStaleSessionOutput("Could not resume conversation"))
	assert.False(t, isStaleSessionOutput("all good"))
}

func TestInvokeStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test binary")
	}
	dir := t.TempDir()
	sessions := filepath.Join(dir, "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "sess-1.json"), []byte("{}"), 0o644))

	// a fake agent that ignores its flags and prints two lines
	script := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho first\necho second\n"), 0o755))

	r := newTestRunner(script, sessions, "")
	var seen []string
	res, err := r.Invoke(context.Background(), Options{
		Prompt: "hello",
		OnLine: func(line string) { seen = append(seen, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Contains(t, res.Output, "first")
	assert.Equal(t, "sess-1", res.SessionID)
}

func TestInvokeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test binary")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "slow.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nwhile true; do :; done\n"), 0o755))

	r := newTestRunner(script, dir, "")
	_, err := r.Invoke(context.Background(), Options{Prompt: "x", Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
}
