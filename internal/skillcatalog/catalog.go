// Package skillcatalog loads skill contracts from a YAML catalog file and
// hot-reloads them on change, per spec.md §3 ("Skill Contract... loaded
// from a skill catalog (external collaborator)").
package skillcatalog

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ToolAccess partitions a skill's tool surface.
type ToolAccess struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
	Denied   []string `yaml:"denied"`
}

// Budget bounds a skill's resource consumption.
type Budget struct {
	MaxToolCalls int `yaml:"maxToolCalls"`
	MaxTokens    int `yaml:"maxTokens"`
}

// Contract is one skill's immutable-per-process definition.
type Contract struct {
	Name           string     `yaml:"name"`
	Tier           string     `yaml:"tier"`
	Tags           []string   `yaml:"tags"`
	AntiTags       []string   `yaml:"antiTags"`
	Tools          ToolAccess `yaml:"tools"`
	Budget         Budget     `yaml:"budget"`
	Outputs        []string   `yaml:"outputs"`
	ComposableWith []string   `yaml:"composableWith"`
	Consumes       []string   `yaml:"consumes"`
	MaxParallel    int        `yaml:"maxParallel"`
	Stability      string     `yaml:"stability"`
	CostHint       string     `yaml:"costHint"`
}

type catalogFile struct {
	Skills []Contract `yaml:"skills"`
}

// Catalog holds the currently loaded set of skill contracts, keyed by name.
type Catalog struct {
	mu        sync.RWMutex
	path      string
	contracts map[string]Contract
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// Load reads path once and returns a Catalog. Call Watch to hot-reload.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{path: path, contracts: make(map[string]Contract), logger: logger}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read skill catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse skill catalog: %w", err)
	}
	contracts := make(map[string]Contract, len(f.Skills))
	for _, s := range f.Skills {
		contracts[s.Name] = s
	}
	c.mu.Lock()
	c.contracts = contracts
	c.mu.Unlock()
	return nil
}

// List returns every loaded contract.
func (c *Catalog) List() []Contract {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Contract, 0, len(c.contracts))
	for _, s := range c.contracts {
		out = append(out, s)
	}
	return out
}

// Get looks up a contract by name.
func (c *Catalog) Get(name string) (Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.contracts[name]
	return s, ok
}

// Watch starts an fsnotify watch on the catalog file, reloading on write
// events. It returns immediately; call Stop to end the watch.
func (c *Catalog) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		w.Close()
		return fmt.Errorf("watch skill catalog: %w", err)
	}
	c.watcher = w
	c.stopCh = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil && c.logger != nil {
					c.logger.Warn("skill catalog reload failed", zap.Error(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if c.logger != nil {
					c.logger.Warn("skill catalog watch error", zap.Error(err))
				}
			case <-c.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop ends a Watch started previously.
func (c *Catalog) Stop() {
	if c.watcher != nil {
		close(c.stopCh)
		c.watcher.Close()
	}
}
