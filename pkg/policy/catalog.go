package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/types"
)

// Descriptor binds a registered policy to a name, a tier and parameters
type Descriptor struct {
	Name   string            `yaml:"name"`
	Policy string            `yaml:"policy"`
	Tier   types.Tier        `yaml:"tier,omitempty"`
	Period time.Duration     `yaml:"period,omitempty"`
	Apps   []string          `yaml:"apps,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
	Path   string            `yaml:"-"`
}

// Validate checks that d names a registered policy
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "policy descriptor without name")
	}
	if d.Policy == "" {
		d.Policy = d.Name
	}
	if _, err := Lookup(d.Policy); err != nil {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "descriptor %s: %v", d.Name, err)
	}
	if d.Period < 0 {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "descriptor %s: negative period", d.Name)
	}
	return nil
}

func (d *Descriptor) appliesTo(app string) bool {
	if len(d.Apps) == 0 {
		return true
	}
	for _, a := range d.Apps {
		if a == app {
			return true
		}
	}
	return false
}

// Catalog holds the policy descriptors of one tier. Descriptors come from a
// discovery directory of YAML files and from Add.
type Catalog struct {
	dir    string
	tier   types.Tier
	logger zerolog.Logger

	mu     sync.RWMutex
	static map[string]Descriptor
	loaded map[string]Descriptor
}

// NewCatalog creates a catalog for tier reading dir. An empty dir disables
// discovery.
func NewCatalog(dir string, tier types.Tier) *Catalog {
	return &Catalog{
		dir:    dir,
		tier:   tier,
		logger: log.WithComponent("policy-catalog"),
		static: make(map[string]Descriptor),
		loaded: make(map[string]Descriptor),
	}
}

// Add registers a descriptor that does not come from the directory
func (c *Catalog) Add(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.static[d.Name] = d
	c.mu.Unlock()
	return nil
}

// Load re-reads the discovery directory. Invalid files are logged and
// skipped; the previous set is replaced as a whole.
func (c *Catalog) Load() error {
	if c.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory %s: %w", c.dir, err)
	}

	loaded := make(map[string]Descriptor)
	for _, e := range entries {
		if e.IsDir() || !isDescriptor(e.Name()) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		d, err := readDescriptor(path)
		if err != nil {
			c.logger.Warn().Err(err).Str("file", path).Msg("Skipping policy descriptor")
			continue
		}
		if d.Tier != "" && d.Tier != c.tier {
			continue
		}
		if prev, dup := loaded[d.Name]; dup {
			c.logger.Warn().Str("policy", d.Name).Str("file", path).Str("previous", prev.Path).Msg("Duplicate policy name, keeping the first")
			continue
		}
		loaded[d.Name] = *d
	}

	c.mu.Lock()
	c.loaded = loaded
	c.mu.Unlock()

	c.logger.Debug().Int("policies", len(loaded)).Str("dir", c.dir).Msg("Policy catalog loaded")
	return nil
}

func readDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "%s: %v", path, err)
	}
	d.Path = path
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func isDescriptor(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Get returns the descriptor called name
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.loaded[name]; ok {
		return d, true
	}
	d, ok := c.static[name]
	return d, ok
}

// ForApp returns the descriptors that apply to spec. An app naming its
// policies gets exactly those, in its order; otherwise every descriptor
// scoped to the app or to all apps applies, sorted by name.
func (c *Catalog) ForApp(spec *types.AppSpec) []Descriptor {
	if len(spec.Policies) > 0 {
		var out []Descriptor
		for _, name := range spec.Policies {
			if d, ok := c.Get(name); ok {
				out = append(out, d)
			} else {
				c.logger.Warn().Str("app", spec.Name).Str("policy", name).Msg("App names an unknown policy")
			}
		}
		return out
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	merged := make(map[string]Descriptor, len(c.static)+len(c.loaded))
	for n, d := range c.static {
		merged[n] = d
	}
	for n, d := range c.loaded {
		merged[n] = d
	}
	var out []Descriptor
	for _, d := range merged {
		if d.appliesTo(spec.Name) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the catalog whenever the discovery directory changes and
// calls onChange after each reload. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, onChange func()) error {
	if c.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDescriptor(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			c.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy directory changed")
			if err := c.Load(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to reload policies")
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
