// Package primitive implements the primitive-gadget loader: it fetches a
// primitive gadget descriptor by URL (local path, git, or HTTP archive,
// per hashicorp/go-getter's detection), registers its port descriptor,
// and materializes new parameterized groups from it, grounded on the
// plugin loader's getter.Detect-based path resolution.
package primitive

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-getter"

	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/logging"
)

// Descriptor is a loaded primitive gadget's port manifest, keyed by
// QualifiedName.
type Descriptor struct {
	QualifiedName string   `json:"qualifiedName"`
	Inputs        []string `json:"inputs"`
	Outputs       []string `json:"outputs"`
	SourceURL     string   `json:"sourceUrl"`
}

// Registry holds every loaded primitive gadget descriptor, addressable
// by qualified name, mirroring the mutex-guarded registry shape used
// throughout this stack's plugin and blend registries.
type Registry struct {
	mu    sync.RWMutex
	byURL map[string]*Descriptor
}

// NewRegistry returns an empty primitive registry.
func NewRegistry() *Registry {
	return &Registry{byURL: make(map[string]*Descriptor)}
}

// Load fetches and parses the descriptor at url (a local path, git
// remote, or HTTP archive per go-getter's detection) into dstDir, then
// registers it. Re-loading the same qualified name replaces the prior
// descriptor.
func (r *Registry) Load(ctx context.Context, url, dstDir string) (*Descriptor, error) {
	resolved, err := resolveSource(url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve primitive source %s", url)
	}

	client := &getter.Client{
		Ctx:  ctx,
		Src:  resolved,
		Dst:  dstDir,
		Pwd:  dstDir,
		Mode: getter.ClientModeAny,
	}
	if err := client.Get(); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch primitive from %s", resolved)
	}

	manifestPath := dstDir
	if info, statErr := os.Stat(dstDir); statErr == nil && info.IsDir() {
		manifestPath = dstDir + "/primitive.json"
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read primitive manifest %s", manifestPath)
	}

	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse primitive manifest %s", manifestPath)
	}
	desc.SourceURL = url

	r.mu.Lock()
	r.byURL[desc.QualifiedName] = &desc
	r.mu.Unlock()

	logging.Logger.Infow("primitive loaded", "qualified_name", desc.QualifiedName, "source", url)
	return &desc, nil
}

// resolveSource expands ~, relative paths, and go-getter forced/detected
// prefixes the way the plugin loader validates its search paths.
func resolveSource(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = home + path[1:]
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid primitive source")
	}
	return detected, nil
}

// Get returns the descriptor registered under qualifiedName.
func (r *Registry) Get(qualifiedName string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byURL[qualifiedName]
	return d, ok
}

// List returns every registered descriptor's qualified name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byURL))
	for name := range r.byURL {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewGadgetGroup materializes a contact.Group carrying desc's port
// descriptor as its Primitive field, ready to pass to a runtime's
// RegisterGroup — which will auto-materialize the boundary contacts per
// §4.2.
func NewGadgetGroup(desc *Descriptor, name string, parentId *contact.GroupId) contact.Group {
	return contact.Group{
		ID:       contact.NewGroupId(),
		Name:     name,
		ParentId: parentId,
		Primitive: &contact.Primitive{
			QualifiedName: desc.QualifiedName,
			Inputs:        desc.Inputs,
			Outputs:       desc.Outputs,
		},
	}
}
