package policy

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces editor save bursts into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads .rego files from disk and can watch them for changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths reads every .rego file named in paths or found below a
// directory in paths, ordered by file path. A policy is named after its file
// and described by its leading comment block.
func (l *Loader) LoadFromPaths(_ context.Context, paths []string) ([]Policy, error) {
	var files []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir():
				return nil
			case p == root || filepath.Ext(p) == ".rego":
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy path %s: %w", root, err)
		}
	}
	sort.Strings(files)

	out := make([]Policy, 0, len(files))
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", f, err)
		}
		out = append(out, Policy{
			Name:        strings.TrimSuffix(filepath.Base(f), filepath.Ext(f)),
			Description: leadingComment(string(src)),
			Rego:        string(src),
			Enabled:     true,
			Source:      f,
		})
	}
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Loaded policies")
	return out, nil
}

// leadingComment joins the non-empty "#" lines before the first statement.
func leadingComment(src string) string {
	var words []string
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

// Watch starts a goroutine that reloads the policies under paths and hands
// them to reload after .rego files change. It returns once the watches are
// registered; cancel ctx or call StopWatching to stop.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := watchTree(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watchLoop(ctx, w, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || p == root {
			return w.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer w.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".rego" || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
