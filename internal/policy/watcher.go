package policy

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the live policy whenever the overrides file is written,
// created, or renamed into place. Reload failures keep the previous policy
// and are logged, never fatal.
func Watch(ctx context.Context, lp *LivePolicy, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := lp.ReloadFromFile(path); err != nil {
					logger.Error("policy reload failed, keeping previous policy", "path", path, "error", err)
					continue
				}
				logger.Info("policy reloaded", "path", path, "policy_version", lp.Version())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
