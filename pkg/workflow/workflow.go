// Package workflow loads declarative boot recipes from disk and renders
// their kernel cmdlines for individual nodes. The registry never
// executes anything; the boot dispatcher consumes its output.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

// ErrNotFound is returned when a workflow id is unknown.
var ErrNotFound = errors.New("workflow not found")

// CmdlineParams are the values a cmdline template may reference.
// Unknown placeholders fail the render rather than producing an empty
// kernel argument.
type CmdlineParams struct {
	NodeID        string
	MAC           string
	ServerURL     string
	SessionID     string
	TargetDevice  string
	SourceURL     string
	SourceDevice  string
	PostScriptURL string
}

// Registry holds the loaded workflow set. Load replaces the whole set
// atomically; readers always see a consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
	dir       string
	store     storage.Store
}

// NewRegistry creates a Registry reading definitions from dir. The
// store receives a queryable mirror of the set on every load; it may be
// nil in tests.
func NewRegistry(dir string, store storage.Store) *Registry {
	return &Registry{
		workflows: make(map[string]*types.Workflow),
		dir:       dir,
		store:     store,
	}
}

// Load reads every .yaml/.yml file under the registry directory and
// replaces the in-memory set. Called at startup and on explicit reload;
// a load error leaves the previous set in place.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflow directory: %w", err)
	}

	loaded := make(map[string]*types.Workflow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read workflow %s: %w", entry.Name(), err)
		}

		var wf types.Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("failed to parse workflow %s: %w", entry.Name(), err)
		}
		if err := validate(&wf); err != nil {
			return fmt.Errorf("invalid workflow %s: %w", entry.Name(), err)
		}
		if _, dup := loaded[wf.ID]; dup {
			return fmt.Errorf("duplicate workflow id %q in %s", wf.ID, entry.Name())
		}
		loaded[wf.ID] = &wf
	}

	r.mu.Lock()
	r.workflows = loaded
	r.mu.Unlock()

	if r.store != nil {
		mirror := make([]*types.Workflow, 0, len(loaded))
		for _, wf := range loaded {
			mirror = append(mirror, wf)
		}
		if err := r.store.ReplaceWorkflows(ctx, mirror); err != nil {
			log.WithComponent("workflow").Warn().Err(err).Msg("failed to mirror workflows to store")
		}
	}

	log.WithComponent("workflow").Info().Int("count", len(loaded)).Msg("workflows loaded")
	return nil
}

// Get returns one workflow by id.
func (r *Registry) Get(id string) (*types.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return wf, nil
}

// List returns all workflows sorted by id.
func (r *Registry) List() []*types.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RenderCmdline renders the workflow's cmdline template for one node.
// Placeholders the template names but the params do not supply fail the
// render.
func RenderCmdline(wf *types.Workflow, params CmdlineParams) (string, error) {
	tmpl, err := template.New(wf.ID).Option("missingkey=error").Parse(wf.CmdlineTemplate)
	if err != nil {
		return "", fmt.Errorf("bad cmdline template in workflow %q: %w", wf.ID, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("failed to render cmdline for workflow %q: %w", wf.ID, err)
	}
	return strings.Join(strings.Fields(sb.String()), " "), nil
}

func validate(wf *types.Workflow) error {
	if wf.ID == "" {
		return errors.New("id is required")
	}
	if wf.Name == "" {
		return errors.New("name is required")
	}
	switch wf.InstallMethod {
	case types.InstallImage, types.InstallClone, types.InstallPartition,
		types.InstallNFSBoot, types.InstallLocalBoot:
	case "":
		return errors.New("install_method is required")
	default:
		return fmt.Errorf("unknown install_method %q", wf.InstallMethod)
	}
	if wf.InstallMethod != types.InstallLocalBoot && wf.Kernel == "" {
		return errors.New("kernel is required")
	}
	if wf.InstallMethod == types.InstallImage && wf.ImageURL == "" {
		return errors.New("image_url is required for image workflows")
	}
	return nil
}
