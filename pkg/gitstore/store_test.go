package gitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

// fakeRunner records git invocations and replays scripted responses.
type fakeRunner struct {
	calls     [][]string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (r *fakeRunner) on(args string, out string, err error) {
	r.responses[args] = fakeResponse{out: out, err: err}
}

func (r *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	r.calls = append(r.calls, args)
	key := strings.Join(args, " ")
	if resp, ok := r.responses[key]; ok {
		return resp.out, resp.err
	}
	return "", nil
}

func (r *fakeRunner) called(args string) int {
	count := 0
	for _, call := range r.calls {
		if strings.Join(call, " ") == args {
			count++
		}
	}
	return count
}

func TestCommitAllCreatesCommit(t *testing.T) {
	runner := newFakeRunner()
	// Staged changes exist: diff --cached --quiet exits non-zero.
	runner.on("diff --cached --quiet", "", errors.New("exit status 1"))
	runner.on("rev-parse HEAD", "abc123", nil)

	store := NewStore("/twin", runner, Remote{})
	id, err := store.CommitAll(context.Background(), "snapshot")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if id != "abc123" {
		t.Errorf("expected commit abc123, got %s", id)
	}
	if runner.called("add -A") != 1 {
		t.Error("expected exactly one stage-all")
	}
	if runner.called("commit -m snapshot") != 1 {
		t.Error("expected exactly one commit")
	}
}

func TestCommitAllNoChanges(t *testing.T) {
	runner := newFakeRunner()
	// Clean index: diff --cached --quiet succeeds.
	runner.on("rev-parse HEAD", "abc123", nil)

	store := NewStore("/twin", runner, Remote{})
	id, err := store.CommitAll(context.Background(), "snapshot")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if id != "abc123" {
		t.Errorf("expected HEAD abc123, got %s", id)
	}
	if runner.called("commit -m snapshot") != 0 {
		t.Error("no commit should be created when nothing changed")
	}
}

func TestPushRetriesOnce(t *testing.T) {
	runner := newFakeRunner()
	runner.on("push origin main", "", errors.New("connection refused"))

	store := NewStore("/twin", runner, Remote{URL: "git@example.com:twin.git"})
	err := store.Push(context.Background())
	if err == nil {
		t.Fatal("expected push error")
	}
	if got := runner.called("push origin main"); got != 2 {
		t.Errorf("expected exactly 2 push attempts (one retry), got %d", got)
	}
}

func TestPushWithoutRemote(t *testing.T) {
	store := NewStore("/twin", newFakeRunner(), Remote{})
	if err := store.Push(context.Background()); !errors.Is(err, ErrNoRemote) {
		t.Errorf("expected ErrNoRemote, got %v", err)
	}
}

func TestHistoryParsesLog(t *testing.T) {
	runner := newFakeRunner()
	runner.on("log --pretty=format:%H%x09%ct%x09%s -n2",
		"deadbeef\t1700000000\tsnapshot: observed state\n"+
			"cafebabe\t1699990000\tapply: run 42", nil)

	store := NewStore("/twin", runner, Remote{})
	commits, err := store.History(context.Background(), 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].ID != "deadbeef" {
		t.Errorf("expected newest-first ordering, got %s first", commits[0].ID)
	}
	if commits[1].Message != "apply: run 42" {
		t.Errorf("unexpected message: %q", commits[1].Message)
	}
	if !commits[0].Timestamp.After(commits[1].Timestamp) {
		t.Error("expected descending timestamps")
	}
}

func TestRestoreToUsesReadTree(t *testing.T) {
	runner := newFakeRunner()
	store := NewStore("/twin", runner, Remote{})

	if err := store.RestoreTo(context.Background(), "cafebabe"); err != nil {
		t.Fatalf("RestoreTo failed: %v", err)
	}
	if runner.called("read-tree -u --reset cafebabe") != 1 {
		t.Error("expected read-tree restore of the target commit")
	}
	// History must never be rewritten by a restore.
	for _, call := range runner.calls {
		if call[0] == "reset" {
			t.Error("restore must not use git reset")
		}
	}
}

func TestLockExcludes(t *testing.T) {
	root := t.TempDir()

	first := NewLock(root)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	second := NewLock(root)
	if err := second.Acquire(); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := second.Acquire(); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
	_ = second.Release()
}

func TestLockReclaimsDeadHolder(t *testing.T) {
	root := t.TempDir()

	// A lock file holding a pid that cannot exist.
	stale := fmt.Sprintf("%d\n", 1<<30)
	if err := os.WriteFile(root+"/"+LockFileName, []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLock(root)
	if err := l.Acquire(); err != nil {
		t.Errorf("expected stale lock to be reclaimed, got %v", err)
	}
	_ = l.Release()
}
