package template

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("template not found")
	ErrUndeletable = errors.New("default template cannot be deleted")
)

// Email is a stored subject/body pattern pair. Variables is derived from the
// patterns on every put; the default template cannot be deleted.
type Email struct {
	ID        string
	Subject   string
	Body      string
	Variables []string
	Default   bool
}

// Registry holds email templates, keyed by id.
type Registry struct {
	mu        sync.Mutex
	templates map[string]Email
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{templates: map[string]Email{}}
}

// Put inserts or replaces a template. Variables is always re-derived from the
// patterns, never trusted from the caller.
func (r *Registry) Put(t Email) error {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return fmt.Errorf("template id is required")
	}
	t.ID = id
	t.Variables = ExtractVars(t.Subject + "\n" + t.Body)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.templates[id]; ok {
		// Default status is sticky: an update cannot demote the default template.
		t.Default = t.Default || prev.Default
	} else {
		r.order = append(r.order, id)
	}
	r.templates[id] = t
	return nil
}

func (r *Registry) Get(id string) (Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return Email{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Default {
		return ErrUndeletable
	}
	delete(r.templates, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns templates in insertion order.
func (r *Registry) List() []Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Email, 0, len(r.order))
	for _, id := range r.order {
		if t, ok := r.templates[id]; ok {
			out = append(out, t)
		}
	}
	return out
}
