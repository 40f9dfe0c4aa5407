package local

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/gobeaver/drivekit"
)

// Watch implements drivekit.Watcher with native fsnotify events. The
// token signals once when any entry under dir whose name matches pattern
// is created, modified, or deleted; the watcher shuts down after the first
// match or when ctx is done.
func (a *Adapter) Watch(ctx context.Context, dir drivekit.Path, pattern string) (drivekit.ChangeToken, error) {
	full, err := a.resolve("watch", dir)
	if err != nil {
		return nil, err
	}

	var matcher glob.Glob
	if pattern != "" {
		matcher, err = glob.Compile(pattern)
		if err != nil {
			return nil, &drivekit.PathError{Op: "watch", Path: dir.String(), Err: drivekit.ErrInvalidPath}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, a.pathError("watch", dir, err)
	}
	if err := watcher.Add(full); err != nil {
		watcher.Close()
		return nil, a.pathError("watch", dir, err)
	}

	token := drivekit.NewCallbackChangeToken()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if matcher != nil && !matcher.Match(filepath.Base(event.Name)) {
					continue
				}
				token.SignalChange()
				return // token is spent after the first change
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// keep watching through transient errors
			}
		}
	}()

	return token, nil
}
