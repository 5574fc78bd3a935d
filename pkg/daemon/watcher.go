package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// Watcher observes environment directories for modifications made
// outside the daemon, such as a direct pip invocation, and reports them
// through a callback and the event bus.
type Watcher struct {
	root   string
	notify func(environment, path string)
	logger *telemetry.Logger

	fs *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]string // environment -> watched directory
}

// NewWatcher creates a watcher over the environments root directory.
// notify is called for every external change; logger may be nil.
func NewWatcher(root string, notify func(environment, path string), logger *telemetry.Logger) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	return &Watcher{
		root:    root,
		notify:  notify,
		logger:  logger.NewComponentLogger("watcher"),
		fs:      fs,
		watched: make(map[string]string),
	}, nil
}

// Watch starts observing one environment's package directory.
func (w *Watcher) Watch(environment string) error {
	dir := w.packagesDir(environment)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watched[environment] = dir
	w.mu.Unlock()

	w.logger.WithEnvironment(environment).Debug(fmt.Sprintf("Watching %s", dir))
	return nil
}

// Unwatch stops observing one environment.
func (w *Watcher) Unwatch(environment string) error {
	w.mu.Lock()
	dir, ok := w.watched[environment]
	delete(w.watched, environment)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	if err := w.fs.Remove(dir); err != nil && !strings.Contains(err.Error(), "non-existent") {
		return fmt.Errorf("failed to unwatch %s: %w", dir, err)
	}
	return nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			env := w.environmentFor(event.Name)
			if env == "" {
				continue
			}
			w.logger.WithEnvironment(env).Debug(fmt.Sprintf("External change: %s", event))
			w.notify(env, event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Filesystem watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// packagesDir locates the directory where an environment's packages
// land. The versioned site-packages path is found at watch time; the
// environment root is the fallback.
func (w *Watcher) packagesDir(environment string) string {
	envDir := filepath.Join(w.root, environment)
	libDir := filepath.Join(envDir, "lib")

	entries, err := os.ReadDir(libDir)
	if err != nil {
		return envDir
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "python") {
			sitePackages := filepath.Join(libDir, entry.Name(), "site-packages")
			if _, err := os.Stat(sitePackages); err == nil {
				return sitePackages
			}
		}
	}
	return envDir
}

// environmentFor maps an event path back to the environment name.
func (w *Watcher) environmentFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) == 0 || parts[0] == "." || parts[0] == "" {
		return ""
	}
	return parts[0]
}
