package predictor

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"cassava/ml"
)

const reloadDelay = 250 * time.Millisecond

// ErrStaleArtifact is reported when the rewritten file is not newer than
// the active artifact.
var ErrStaleArtifact = errors.New("artifact is not newer than the active version")

// Activator publishes an artifact loaded from disk and reports whether it
// was accepted. *Predictor and the retrain runner implement it.
type Activator interface {
	Adopt(a *ml.Artifact) bool
}

// Watcher reloads the artifact at path whenever another process rewrites it.
// Only artifacts with a higher version than the active one are adopted. The
// parent directory is watched so atomic rename-into-place replacements are
// seen too.
type Watcher struct {
	path    string
	target  Activator
	watcher *fsnotify.Watcher
	log       *zap.Logger

	// reloaded is signalled after every reload attempt; tests use it.
	reloaded chan error

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(path string, target Activator, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		target:   target,
		watcher:  fw,
		log:      log,
		reloaded: make(chan error, 1),
		done:     make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("watching model artifact", zap.String("path", w.path))
}

func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	// Writers often emit several events per replacement; collapse them.
	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("model watcher error", zap.Error(err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	a, err := ml.LoadModel(w.path)
	switch {
	case err != nil:
		w.log.Warn("model reload failed, keeping current artifact", zap.String("path", w.path), zap.Error(err))
	case !w.target.Adopt(a):
		err = ErrStaleArtifact
		w.log.Warn("model reload refused, version not newer than active",
			zap.String("path", w.path), zap.String("version", a.Version))
	default:
		w.log.Info("model reloaded from disk", zap.String("version", a.Version))
	}
	select {
	case w.reloaded <- err:
	default:
	}
}
