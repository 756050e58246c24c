package policy

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// settle is how long a file must stay quiet before it is reported.
const settle = 200 * time.Millisecond

// WatchFiles calls onChange once per burst of writes to a file below paths
// for which accepts is true. Directories are watched recursively. It
// returns nil when ctx is done.
func WatchFiles(ctx context.Context, logger zerolog.Logger, paths []string, accepts func(string) bool, onChange func(string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer w.Close()

	for _, p := range paths {
		if err := watchTree(w, p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}
	logger.Debug().Strs("paths", paths).Msg("Watching for changes")

	const changes = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	pending := map[string]struct{}{}
	quiet := time.NewTimer(settle)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&changes == 0 || !accepts(ev.Name) {
				continue
			}
			logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("File changed")
			pending[ev.Name] = struct{}{}
			quiet.Reset(settle)
		case <-quiet.C:
			for _, name := range slices.Sorted(maps.Keys(pending)) {
				onChange(name)
			}
			clear(pending)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// watchTree adds every directory below root. For a file it adds the
// parent, since editors save by renaming over the old file.
func watchTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			err = w.Add(p)
		}
		return err
	})
}
