package defstore

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

// FileWatcher reloads a file-backed definition source on write and calls
// onChange with the newly parsed, validated set. A reload that fails to
// parse or validate is logged and the previously loaded definitions keep
// serving traffic (spec.md's "loaded once, treated as immutable" still
// holds between successful reloads).
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func([]model.CounterDefinition)
	log      *logging.Logger
}

// NewFileWatcher watches path for writes and invokes onChange on each
// successful reload.
func NewFileWatcher(path string, onChange func([]model.CounterDefinition), log *logging.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	return &FileWatcher{path: path, watcher: w, onChange: onChange, log: log}, nil
}

// Run blocks, reloading on every write/create event until ctx is canceled
// or Close is called.
func (fw *FileWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			defs, err := LoadFile(fw.path)
			if err != nil {
				if fw.log != nil {
					fw.log.Warnf("defstore: reload %s failed, keeping previous definitions: %v", fw.path, err)
				}
				continue
			}
			fw.onChange(defs)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			if fw.log != nil {
				fw.log.Warnf("defstore: watch error: %v", err)
			}
		}
	}
}

// Close stops watching.
func (fw *FileWatcher) Close() error {
	return fw.watcher.Close()
}
