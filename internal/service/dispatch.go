package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

// Backend is a declared model runtime.
type Backend struct {
	Name          string `yaml:"name" json:"name"`
	Model         string `yaml:"model" json:"model"`
	ContextWindow int    `yaml:"context_window" json:"context_window"`
}

// Binding returns the trace metadata for b.
func (b Backend) Binding() trace.RuntimeMetadata {
	return trace.RuntimeMetadata{Backend: b.Name, Model: b.Model, ContextWindow: b.ContextWindow}
}

// WorkerSpec declares the agent serving one intent.
type WorkerSpec struct {
	Backend     string `yaml:"backend"`
	Model       string `yaml:"model"`
	System      string `yaml:"system"`
	Description string `yaml:"description"`
	Stream      bool   `yaml:"stream"`
}

// Routes is the routing file: which agent handles which intent, the declared
// backends and the tools currently available.
type Routes struct {
	ActiveBackend string                `yaml:"active_backend"`
	Backends      []Backend             `yaml:"backends"`
	Tools         []string              `yaml:"tools"`
	Workers       map[string]WorkerSpec `yaml:"workers"`
}

// LoadRoutes reads and validates a routing file.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read routes %s: %w", path, err)
	}
	var r Routes
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse routes %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("routes %s: %w", path, err)
	}
	return &r, nil
}

// Validate checks internal references.
func (r *Routes) Validate() error {
	if len(r.Backends) == 0 {
		return errors.New("at least one backend is required")
	}
	names := make(map[string]bool, len(r.Backends))
	for _, b := range r.Backends {
		if b.Name == "" {
			return errors.New("backend name is required")
		}
		names[b.Name] = true
	}
	if r.ActiveBackend == "" {
		r.ActiveBackend = r.Backends[0].Name
	}
	if !names[r.ActiveBackend] {
		return fmt.Errorf("active backend %q is not declared", r.ActiveBackend)
	}
	for intent, w := range r.Workers {
		if w.Backend != "" && !names[w.Backend] {
			return fmt.Errorf("worker %q uses undeclared backend %q", intent, w.Backend)
		}
	}
	return nil
}

// AgentFactory builds the agent for one intent.
type AgentFactory func(intent string, spec WorkerSpec, backend Backend) (worker.Agent, error)

// DispatchSnapshot is an immutable view of the dispatch table.
type DispatchSnapshot struct {
	Workers      map[string]worker.Agent
	Descriptions map[string]string
	Tools        map[string]bool
	Backends     map[string]Backend
	Active       string
}

// BuildSnapshot turns routes into a snapshot using factory.
func BuildSnapshot(r *Routes, factory AgentFactory) (*DispatchSnapshot, error) {
	snap := &DispatchSnapshot{
		Workers:      make(map[string]worker.Agent, len(r.Workers)),
		Descriptions: make(map[string]string, len(r.Workers)),
		Tools:        make(map[string]bool, len(r.Tools)),
		Backends:     make(map[string]Backend, len(r.Backends)),
		Active:       r.ActiveBackend,
	}
	for _, b := range r.Backends {
		snap.Backends[b.Name] = b
	}
	for _, t := range r.Tools {
		snap.Tools[t] = true
	}
	for intent, spec := range r.Workers {
		b := snap.Backends[r.ActiveBackend]
		if spec.Backend != "" {
			b = snap.Backends[spec.Backend]
		}
		agent, err := factory(intent, spec, b)
		if err != nil {
			return nil, fmt.Errorf("build worker %q: %w", intent, err)
		}
		key := strings.ToLower(intent)
		snap.Workers[key] = agent
		snap.Descriptions[key] = spec.Description
	}
	return snap, nil
}

// DispatchTable maps intents to agents. Readers never block: the whole table
// is replaced atomically on reload.
type DispatchTable struct {
	snap atomic.Pointer[DispatchSnapshot]
}

// NewDispatchTable creates a table from an initial snapshot.
func NewDispatchTable(snap *DispatchSnapshot) *DispatchTable {
	d := &DispatchTable{}
	if snap == nil {
		snap = &DispatchSnapshot{}
	}
	d.snap.Store(snap)
	return d
}

// Swap installs a new snapshot.
func (d *DispatchTable) Swap(snap *DispatchSnapshot) {
	d.snap.Store(snap)
	slog.Info("dispatch table swapped", "workers", len(snap.Workers), "backends", len(snap.Backends), "active", snap.Active)
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (d *DispatchTable) Snapshot() *DispatchSnapshot { return d.snap.Load() }

// Reload loads routes from path and swaps the table.
func (d *DispatchTable) Reload(path string, factory AgentFactory) error {
	r, err := LoadRoutes(path)
	if err != nil {
		return err
	}
	snap, err := BuildSnapshot(r, factory)
	if err != nil {
		return err
	}
	d.Swap(snap)
	return nil
}

// HasIntent reports whether an agent serves intent.
func (d *DispatchTable) HasIntent(intent string) bool {
	_, ok := d.Snapshot().Workers[strings.ToLower(intent)]
	return ok
}

// HasTool reports whether a tool is available.
func (d *DispatchTable) HasTool(name string) bool {
	return d.Snapshot().Tools[name]
}

// Backend returns a declared backend.
func (d *DispatchTable) Backend(name string) (Backend, bool) {
	b, ok := d.Snapshot().Backends[name]
	return b, ok
}

// ActiveBackend returns the backend new tasks are bound to.
func (d *DispatchTable) ActiveBackend() Backend {
	s := d.Snapshot()
	return s.Backends[s.Active]
}

// Capabilities lists intents and their descriptions, sorted.
func (d *DispatchTable) Capabilities() []Capability {
	s := d.Snapshot()
	out := make([]Capability, 0, len(s.Workers))
	for intent := range s.Workers {
		out = append(out, Capability{Intent: intent, Description: s.Descriptions[intent]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent < out[j].Intent })
	return out
}

// Capability describes one dispatchable intent.
type Capability struct {
	Intent      string `json:"intent"`
	Description string `json:"description,omitempty"`
}

// Dispatch sends text to the agent for intent. Unknown intents fail with unknown_intent.
func (d *DispatchTable) Dispatch(ctx context.Context, intent, text string, params map[string]any) (string, error) {
	return d.DispatchRequest(ctx, worker.Request{Intent: intent, Text: text, Params: params})
}

// DispatchRequest is Dispatch with a full request, including a progress channel.
func (d *DispatchTable) DispatchRequest(ctx context.Context, req worker.Request) (string, error) {
	agent, ok := d.Snapshot().Workers[strings.ToLower(req.Intent)]
	if !ok {
		return "", failure.Newf(failure.CodeUnknownIntent, failure.ClassRouting, failure.StageExecution, "no worker for intent %q", req.Intent)
	}
	return agent.Handle(ctx, req)
}
