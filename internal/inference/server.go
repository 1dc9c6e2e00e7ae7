// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package inference

import (
	stdctx "context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDebounce is how long Watch waits for more changes before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Server holds the current Handle of a long-running process and replaces it when the model changes.
type Server struct {
	backend              backends.Backend
	modelPath, vocabPath string
	current              atomic.Pointer[Handle]

	// Debounce is how long Watch waits for more changes before reloading. Defaults to DefaultDebounce.
	Debounce time.Duration

	// OnReload, if set, is called by Watch after each reload attempt.
	OnReload func(h *Handle, err error)
}

// NewServer loads the model and returns a Server holding it.
func NewServer(backend backends.Backend, modelPath, vocabPath string) (*Server, error) {
	s := &Server{
		backend:   backend,
		modelPath: modelPath,
		vocabPath: vocabPath,
		Debounce:  DefaultDebounce,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the Handle in use. It's safe to use concurrently with reloads:
// a replaced Handle remains valid.
func (s *Server) Current() *Handle { return s.current.Load() }

// Swap replaces the Handle in use, and returns the previous one.
func (s *Server) Swap(h *Handle) *Handle { return s.current.Swap(h) }

// Reload loads the model files again. On failure the current Handle is kept.
func (s *Server) Reload() error {
	h, err := Load(s.backend, s.modelPath, s.vocabPath)
	if err != nil {
		return err
	}
	s.Swap(h)
	return nil
}

// Watch reloads the model whenever the model or vocabulary files are written or replaced.
// It blocks until ctx is done. Failed reloads are logged and the current Handle is kept.
func (s *Server) Watch(ctx stdctx.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer func() { _ = watcher.Close() }()

	// Directories are watched, since the files are replaced by renames.
	watched := map[string]bool{}
	for _, filePath := range []string{s.modelPath, s.vocabPath} {
		dir := filepath.Dir(filePath)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return errors.Wrapf(err, "failed to watch %q", dir)
		}
		watched[dir] = true
	}
	targets := map[string]bool{
		filepath.Clean(s.modelPath): true,
		filepath.Clean(s.vocabPath): true,
	}

	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if targets[filepath.Clean(event.Name)] && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				klog.V(2).Infof("Model file changed: %s", event)
				pending = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Warningf("Model watcher error: %v", err)

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			err := s.Reload()
			if err != nil {
				klog.Warningf("Failed to reload model %q, keeping the previous one: %+v", s.modelPath, err)
			} else {
				klog.Infof("Reloaded model %q", s.modelPath)
			}
			if s.OnReload != nil {
				s.OnReload(s.Current(), err)
			}
		}
	}
}
