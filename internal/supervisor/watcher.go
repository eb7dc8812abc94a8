package supervisor

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// BundleLoader reads the desired runtime set from a bundle directory. The
// concrete decoding of bundle manifests into ManagedRuntimeDefinitions is
// the caller's concern; the watcher only decides when to re-run it.
type BundleLoader func(dir string) (map[string]ManagedRuntimeDefinition, error)

// WatchBundleDir re-runs Reconcile against load's result whenever dir
// changes, in addition to the explicit Reconcile call. Blocks until ctx is
// canceled; callers should run it in a goroutine.
func (s *Supervisor) WatchBundleDir(ctx context.Context, dir string, load BundleLoader) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	reconcileOnce := func() {
		desired, err := load(dir)
		if err != nil {
			s.publish("runtime.bundle.reconcile_failed", map[string]any{"dir": dir, "error": err.Error()})
			return
		}
		if err := s.Reconcile(ctx, desired); err != nil {
			s.publish("runtime.bundle.reconcile_failed", map[string]any{"dir": dir, "error": err.Error()})
		}
	}

	reconcileOnce()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" && filepath.Ext(event.Name) != ".yaml" {
				continue
			}
			reconcileOnce()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.publish("runtime.bundle.watch_error", map[string]any{"dir": dir, "error": err.Error()})
		}
	}
}
