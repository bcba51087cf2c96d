package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// TemplateImporter stores a rule as an inactive template
type TemplateImporter interface {
	ImportTemplate(ctx context.Context, rule *models.Rule) (*models.Rule, error)
}

// ParseRuleDocuments decodes one or more YAML documents, each holding a single rule
func ParseRuleDocuments(data []byte) ([]*models.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var rules []*models.Rule
	for i := 0; ; i++ {
		var rule models.Rule
		err := dec.Decode(&rule)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if rule.Name == "" {
			return nil, fmt.Errorf("document %d: rule name is required", i+1)
		}
		// normalize YAML scalars (ints, nested maps) to their JSON shapes
		rules = append(rules, rule.Clone())
	}
	return rules, nil
}

func isTemplateFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ImportTemplateFile parses path and imports every rule it holds
func ImportTemplateFile(ctx context.Context, importer TemplateImporter, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	rules, err := ParseRuleDocuments(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	imported := 0
	for _, rule := range rules {
		if _, err := importer.ImportTemplate(ctx, rule); err != nil {
			return imported, fmt.Errorf("%s: template %q: %w", path, rule.Name, err)
		}
		imported++
	}
	return imported, nil
}

// LoadTemplateDir imports every YAML file in dir. A bad file is logged and skipped.
func LoadTemplateDir(ctx context.Context, importer TemplateImporter, dir string, log *logger.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read template dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isTemplateFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		n, err := ImportTemplateFile(ctx, importer, filepath.Join(dir, name))
		total += n
		if err != nil {
			log.Warnf("Skipping rule template: %v", err)
		}
	}
	return total, nil
}

// TemplateWatcher keeps template rules in sync with a directory of YAML files
type TemplateWatcher struct {
	dir      string
	importer TemplateImporter
	logger   *logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
}

// NewTemplateWatcher creates a watcher for dir
func NewTemplateWatcher(dir string, importer TemplateImporter, log *logger.Logger) *TemplateWatcher {
	return &TemplateWatcher{dir: dir, importer: importer, logger: log}
}

// Start imports the directory once, then reloads files as they are written
func (w *TemplateWatcher) Start(ctx context.Context) error {
	n, err := LoadTemplateDir(ctx, w.importer, w.dir, w.logger)
	if err != nil {
		return err
	}
	w.logger.Infof("Loaded %d rule template(s) from %s", n, w.dir)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("template watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("template watcher add %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})
	done, stopped := w.done, w.stopped
	w.mu.Unlock()

	go func() {
		defer close(stopped)
		defer fw.Close()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) && isTemplateFile(ev.Name) {
					w.reload(ctx, ev.Name)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warnf("Template watcher error: %v", err)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *TemplateWatcher) reload(ctx context.Context, path string) {
	n, err := ImportTemplateFile(ctx, w.importer, path)
	recordJob("template_reload", err)
	if err != nil {
		// keep the previously imported version
		w.logger.Warnf("Failed to reload rule template: %v", err)
		return
	}
	w.logger.Infof("Reloaded %d rule template(s) from %s", n, filepath.Base(path))
}

// Stop stops watching. It is safe to call when Start was never called.
func (w *TemplateWatcher) Stop() {
	w.mu.Lock()
	done, stopped := w.done, w.stopped
	w.done = nil
	w.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	<-stopped
}
