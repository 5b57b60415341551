package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Scanner watches a directory of plugin manifests and installs what it
// finds: an initial sweep on Start, then fsnotify events for manifests
// added or rewritten afterwards. Removing a manifest file does not
// uninstall the plugin; uninstall stays an explicit operation.
type Scanner struct {
	dir      string
	registry *Registry
	log      *logrus.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher

	// installed maps manifest path to plugin key, so a rewrite of the
	// same file is treated as a re-install attempt rather than a dup.
	installed map[string]string
}

// NewScanner creates a scanner over a manifest directory.
func NewScanner(dir string, registry *Registry, log *logrus.Logger) *Scanner {
	if log == nil {
		log = logrus.New()
	}
	return &Scanner{
		dir:       dir,
		registry:  registry,
		log:       log,
		installed: make(map[string]string),
	}
}

// Start sweeps the directory once, then watches it until the context is
// canceled or Stop is called.
func (s *Scanner) Start(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return err
	}

	s.sweep()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watch(ctx, watcher)
	s.log.Infof("Watching plugin manifest directory: %s", s.dir)
	return nil
}

// Stop closes the watcher.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

func (s *Scanner) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warnf("Failed to read plugin directory %s: %v", s.dir, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		s.installFromFile(filepath.Join(s.dir, entry.Name()))
	}
}

func (s *Scanner) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isManifestFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.installFromFile(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warnf("Plugin watcher error: %v", err)
		}
	}
}

// installFromFile loads, validates, and installs one manifest. A key
// already installed from the same file is left alone; a key installed
// elsewhere is reported as the conflict it is.
func (s *Scanner) installFromFile(path string) {
	manifest, err := LoadManifest(path)
	if err != nil {
		s.log.Warnf("Failed to load manifest %s: %v", path, err)
		return
	}

	if validationErrors := manifest.Validate(); len(validationErrors) > 0 {
		s.log.Warnf("Manifest %s rejected: %v", path, validationErrors)
		return
	}

	desc, err := manifest.Descriptor()
	if err != nil {
		s.log.Warnf("Manifest %s rejected: %v", path, err)
		return
	}

	s.mu.Lock()
	priorKey, known := s.installed[path]
	s.mu.Unlock()
	if known && priorKey == desc.Key {
		s.log.Debugf("Manifest %s already installed as %s", path, desc.Key)
		return
	}

	if err := s.registry.Install(desc, manifest.Instance()); err != nil {
		if errors.Is(err, ErrDuplicatePluginKey) {
			s.log.Warnf("Manifest %s conflicts with installed plugin %s", path, desc.Key)
		} else {
			s.log.Warnf("Failed to install plugin from %s: %v", path, err)
		}
		return
	}

	s.mu.Lock()
	s.installed[path] = desc.Key
	s.mu.Unlock()
	s.log.Infof("Installed plugin %s v%s from %s", desc.Key, desc.Version, path)
}

func isManifestFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
