package tenant

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/nfrund/repobot/internal/bus"
)

// ConfigFile is the per-tenant configuration file name.
const ConfigFile = "config.yaml"

// ScriptExt is the extension of component snippets.
const ScriptExt = ".lua"

// Definition is everything needed to load one tenant.
type Definition struct {
	Key        bus.TenantKey
	Config     map[string]any
	Components []Component
}

// Source provides tenant definitions.
type Source interface {
	// List returns every tenant the source knows about.
	List() ([]bus.TenantKey, error)
	// Read returns one tenant's definition. A tenant that no longer exists
	// reads as an empty definition.
	Read(key bus.TenantKey) (*Definition, error)
}

// FileSource reads tenants from a directory tree laid out as
//
//	<root>/<installation>/<owner>/<repo>/config.yaml
//	<root>/<installation>/<owner>/<repo>/<component>.lua
//
// config.yaml may list "components" to fix their order; otherwise
// components run in file name order.
type FileSource struct {
	fs   afero.Fs
	root string
}

// NewFileSource creates a source over root on fsys.
func NewFileSource(fsys afero.Fs, root string) *FileSource {
	return &FileSource{fs: fsys, root: filepath.Clean(root)}
}

// Root returns the source's root directory.
func (s *FileSource) Root() string { return s.root }

// Dir returns the directory of one tenant.
func (s *FileSource) Dir(key bus.TenantKey) string {
	return filepath.Join(s.root, strconv.FormatInt(key.InstallationID, 10), filepath.FromSlash(key.Repository))
}

// KeyForPath returns the tenant a file or directory under root belongs to.
func (s *FileSource) KeyForPath(p string) (bus.TenantKey, bool) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return bus.TenantKey{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 || parts[0] == ".." {
		return bus.TenantKey{}, false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return bus.TenantKey{}, false
	}
	return bus.TenantKey{InstallationID: id, Repository: parts[1] + "/" + parts[2]}, true
}

func (s *FileSource) List() ([]bus.TenantKey, error) {
	installs, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	var keys []bus.TenantKey
	for _, inst := range installs {
		id, err := strconv.ParseInt(inst.Name(), 10, 64)
		if !inst.IsDir() || err != nil || id <= 0 {
			continue
		}
		owners, err := afero.ReadDir(s.fs, filepath.Join(s.root, inst.Name()))
		if err != nil {
			return nil, err
		}
		for _, owner := range owners {
			if !owner.IsDir() {
				continue
			}
			repos, err := afero.ReadDir(s.fs, filepath.Join(s.root, inst.Name(), owner.Name()))
			if err != nil {
				return nil, err
			}
			for _, repo := range repos {
				if repo.IsDir() {
					keys = append(keys, bus.TenantKey{InstallationID: id, Repository: owner.Name() + "/" + repo.Name()})
				}
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *FileSource) Read(key bus.TenantKey) (*Definition, error) {
	return s.ReadDir(key, s.Dir(key))
}

// ReadDir reads the tenant definition stored in dir and labels it key.
// A missing directory is an empty definition.
func (s *FileSource) ReadDir(key bus.TenantKey, dir string) (*Definition, error) {
	def := &Definition{Key: key, Config: map[string]any{}}

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return def, nil
		}
		return nil, fmt.Errorf("read tenant %s: %w", key, err)
	}

	var order []string
	data, err := afero.ReadFile(s.fs, filepath.Join(dir, ConfigFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &def.Config); err != nil {
			return nil, fmt.Errorf("parse %s for %s: %w", ConfigFile, key, err)
		}
		if def.Config == nil {
			def.Config = map[string]any{}
		}
		order = toNames(def.Config["components"])
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s for %s: %w", ConfigFile, key, err)
	}

	available := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ScriptExt {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ScriptExt)
		available[name] = true
		names = append(names, name)
	}
	sort.Strings(names)

	if order != nil {
		for _, name := range order {
			if !available[name] {
				return nil, fmt.Errorf("tenant %s lists component %q without %s%s", key, name, name, ScriptExt)
			}
		}
		names = order
	}

	for _, name := range names {
		src, err := afero.ReadFile(s.fs, filepath.Join(dir, name+ScriptExt))
		if err != nil {
			return nil, fmt.Errorf("read component %s of %s: %w", name, key, err)
		}
		def.Components = append(def.Components, Component{Name: name, Source: string(src)})
	}
	return def, nil
}

func toNames(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
