package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/lifeline/internal/persistence"
)

// TaskFunc is the uniform task contract. The tick context is shared by every task in a
// tick and must be treated as read-only.
type TaskFunc func(ctx context.Context, tick *TickContext, inv Invocation) (TaskResult, error)

// Invocation describes one execution of a schedule entry.
type Invocation struct {
	Entry   persistence.ScheduleEntry
	Params  map[string]any
	Attempt int
}

// Task is a registered task body with its params schema.
type Task struct {
	Name        string
	Description string
	// ParamsSchema is a JSON schema for the entry params. Empty accepts any object.
	ParamsSchema string
	Run          TaskFunc

	schema *jsonschema.Schema
}

// Registry maps task keys to task bodies.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds t, compiling its params schema. Registering a name twice replaces the task.
func (r *Registry) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("register task: name and run are required")
	}
	schemaJSON := t.ParamsSchema
	if schemaJSON == "" {
		schemaJSON = `{"type":"object"}`
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return fmt.Errorf("register task %s: unmarshal schema: %w", t.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := t.Name + ".params.json"
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("register task %s: add schema: %w", t.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("register task %s: compile schema: %w", t.Name, err)
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name] = &t
	return nil
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names lists registered task keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks params against the task's schema.
func (r *Registry) ValidateParams(task string, params map[string]any) error {
	t, ok := r.Lookup(task)
	if !ok {
		return fmt.Errorf("unknown task %q", task)
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("task %s: encode params: %w", task, err)
	}
	// jsonschema needs json.Number for numeric keywords.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("task %s: decode params: %w", task, err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return fmt.Errorf("task %s: invalid params: %w", task, err)
	}
	return nil
}

// decodeParams turns the stored params blob into a map. A corrupt blob or one that no
// longer matches the schema yields an empty map so the task falls back to its defaults.
func (s *Scheduler) decodeParams(entry persistence.ScheduleEntry) map[string]any {
	params := map[string]any{}
	if entry.Params == "" {
		return params
	}
	if err := json.Unmarshal([]byte(entry.Params), &params); err != nil {
		s.logger.Warn("corrupt task params replaced with defaults", "task", entry.Name, "error", err)
		return map[string]any{}
	}
	if err := s.registry.ValidateParams(entry.Task, params); err != nil {
		s.logger.Warn("task params rejected, using defaults", "task", entry.Name, "error", err)
		return map[string]any{}
	}
	return params
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
