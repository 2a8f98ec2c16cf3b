package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeWorkArea(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(path, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "main.py"), []byte("print(1)"), 0640); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweepRemovesStale(t *testing.T) {
	dir := t.TempDir()
	stale := makeWorkArea(t, dir, "kimbia-exec-stale", time.Hour)
	fresh := makeWorkArea(t, dir, "kimbia-exec-fresh", 0)

	j := New(dir, 10*time.Minute, nil)
	j.Sweep(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale work area survived: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh work area removed: %v", err)
	}
}

func TestSweepIgnoresForeignEntries(t *testing.T) {
	dir := t.TempDir()
	foreign := makeWorkArea(t, dir, "user-data", time.Hour)
	file := filepath.Join(dir, "kimbia-exec-notadir")
	if err := os.WriteFile(file, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	j := New(dir, 10*time.Minute, nil)
	j.Sweep(context.Background())

	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("foreign dir removed: %v", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("plain file removed: %v", err)
	}
}

func TestSweepMissingDir(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "never-created"), time.Minute, nil)
	// Must not panic or log spuriously.
	j.Sweep(context.Background())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(t.TempDir(), time.Minute, nil)
	if _, err := j.Start("not a cron expr"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartAndStop(t *testing.T) {
	j := New(t.TempDir(), time.Minute, nil)
	stop, err := j.Start("@every 1h")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
}
