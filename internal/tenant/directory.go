package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status of a tenant.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Tenant is an isolated school.
type Tenant struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Public    bool      `json:"public" yaml:"public"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Directory persists tenants.
type Directory interface {
	Create(ctx context.Context, t Tenant) (Tenant, error)
	Get(ctx context.Context, id string) (Tenant, error)
	SetStatus(ctx context.Context, id string, status Status) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
}

// Normalize validates a tenant before it is stored.
func Normalize(t Tenant) (Tenant, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	if t.ID == "" {
		return Tenant{}, ErrTenantRequired
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	switch t.Status {
	case "":
		t.Status = StatusActive
	case StatusActive, StatusInactive:
	default:
		return Tenant{}, fmt.Errorf("tenant: unknown status %q", t.Status)
	}
	return t, nil
}

// Seed creates the tenants missing from dir and returns them. Tenants already
// present are left untouched.
func Seed(ctx context.Context, dir Directory, tenants []Tenant) ([]Tenant, error) {
	var created []Tenant
	for _, t := range tenants {
		out, err := dir.Create(ctx, t)
		if errors.Is(err, ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed tenant %q: %w", t.ID, err)
		}
		created = append(created, out)
	}
	return created, nil
}

// InMemoryDirectory is a process-local Directory.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
	now     func() time.Time
}

// NewInMemoryDirectory constructs an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{tenants: make(map[string]Tenant), now: time.Now}
}

func (d *InMemoryDirectory) Create(_ context.Context, t Tenant) (Tenant, error) {
	t, err := Normalize(t)
	if err != nil {
		return Tenant{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tenants[t.ID]; ok {
		return Tenant{}, fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}
	t.CreatedAt = d.now().UTC()
	d.tenants[t.ID] = t
	return t, nil
}

func (d *InMemoryDirectory) Get(_ context.Context, id string) (Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[strings.TrimSpace(id)]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (d *InMemoryDirectory) SetStatus(_ context.Context, id string, status Status) (Tenant, error) {
	if status != StatusActive && status != StatusInactive {
		return Tenant{}, fmt.Errorf("tenant: unknown status %q", status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[strings.TrimSpace(id)]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	t.Status = status
	d.tenants[t.ID] = t
	return t, nil
}

func (d *InMemoryDirectory) List(_ context.Context) ([]Tenant, error) {
	d.mu.RLock()
	out := make([]Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
