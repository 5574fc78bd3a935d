package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReportsExternalChanges(t *testing.T) {
	root := t.TempDir()
	envDir := filepath.Join(root, "webapp")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	watcher, err := NewWatcher(root, func(environment, path string) {
		mu.Lock()
		seen[environment]++
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	if err := watcher.Watch("webapp"); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	if err := os.WriteFile(filepath.Join(envDir, "RECORD"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := seen["webapp"]
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher did not report the change")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherUnwatchStopsReports(t *testing.T) {
	root := t.TempDir()
	envDir := filepath.Join(root, "webapp")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	count := 0
	watcher, err := NewWatcher(root, func(environment, path string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	if err := watcher.Watch("webapp"); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := watcher.Unwatch("webapp"); err != nil {
		t.Fatalf("Unwatch() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	if err := os.WriteFile(filepath.Join(envDir, "RECORD"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("events after Unwatch = %d, want 0", count)
	}
}

func TestWatcherEnvironmentFor(t *testing.T) {
	watcher := &Watcher{root: "/data/envs"}

	tests := []struct {
		path string
		want string
	}{
		{"/data/envs/webapp/lib/python3.12/site-packages/flask", "webapp"},
		{"/data/envs/api", "api"},
		{"/data/envs", ""},
		{"/elsewhere/webapp", ""},
	}
	for _, tt := range tests {
		if got := watcher.environmentFor(tt.path); got != tt.want {
			t.Errorf("environmentFor(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
