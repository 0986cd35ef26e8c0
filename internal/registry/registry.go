// Package registry maps live simulation entities to the string identifiers
// that external clients and other cluster nodes use to address them.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/simctl/internal/command"
)

// Category partitions the registry. A UID is unique within its category.
type Category int

const (
	Agent Category = iota
	Sensor
	Controllable
)

var categories = [...]Category{Agent, Sensor, Controllable}

func (c Category) String() string {
	switch c {
	case Agent:
		return "agent"
	case Sensor:
		return "sensor"
	case Controllable:
		return "controllable"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) valid() bool {
	return c >= Agent && c <= Controllable
}

// Handle is an in-process reference to a live entity. Use pointers: a value
// whose dynamic contents are not hashable (a struct holding a slice in an
// interface field, say) is rejected with ErrInvalidHandle.
type Handle any

var (
	ErrNotFound        = command.ErrNotFound
	ErrDuplicateUID    = command.ErrDuplicateUID
	ErrDuplicateHandle = fmt.Errorf("%w: handle already registered", command.ErrDuplicateUID)
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrInvalidCategory = errors.New("invalid category")
)

// MetricsRecorder observes the number of entries per category after every
// mutation.
type MetricsRecorder interface {
	SetRegistryEntries(category string, n int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetricsRecorder attaches a recorder that is updated after each mutation.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithUIDGenerator replaces the random UID source. Tests use it to get
// predictable identifiers.
func WithUIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newUID = gen
		}
	}
}

type table struct {
	byUID    map[string]Handle
	byHandle map[Handle]string
}

// Registry is a thread-safe bidirectional UID <-> handle store.
type Registry struct {
	mu      sync.RWMutex
	tables  [len(categories)]table
	metrics MetricsRecorder
	newUID  func() string
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{newUID: uuid.NewString}
	for i := range r.tables {
		r.tables[i] = table{
			byUID:    make(map[string]Handle),
			byHandle: make(map[Handle]string),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores handle under a freshly generated UID and returns it.
func (r *Registry) Register(c Category, h Handle) (string, error) {
	if err := checkArgs(c, h); err != nil {
		return "", err
	}

	r.mu.Lock()
	t := &r.tables[c]
	if uid, ok := t.byHandle[h]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s already registered as %q", ErrDuplicateHandle, c, uid)
	}
	var uid string
	for {
		uid = r.newUID()
		if _, taken := t.byUID[uid]; !taken {
			break
		}
	}
	t.byUID[uid] = h
	t.byHandle[h] = uid
	n := len(t.byUID)
	r.mu.Unlock()

	r.record(c, n)
	return uid, nil
}

// RegisterAs stores handle under the caller-supplied UID.
func (r *Registry) RegisterAs(c Category, uid string, h Handle) error {
	if err := checkArgs(c, h); err != nil {
		return err
	}
	if uid == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalidHandle)
	}

	r.mu.Lock()
	t := &r.tables[c]
	if _, exists := t.byUID[uid]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrDuplicateUID, c, uid)
	}
	if prev, ok := t.byHandle[h]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s already registered as %q", ErrDuplicateHandle, c, prev)
	}
	t.byUID[uid] = h
	t.byHandle[h] = uid
	n := len(t.byUID)
	r.mu.Unlock()

	r.record(c, n)
	return nil
}

// Resolve returns the handle registered under uid.
func (r *Registry) Resolve(c Category, uid string) (Handle, error) {
	if !c.valid() {
		return nil, ErrInvalidCategory
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.tables[c].byUID[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, c, uid)
	}
	return h, nil
}

// ReverseResolve returns the UID a handle is registered under.
func (r *Registry) ReverseResolve(c Category, h Handle) (string, error) {
	if err := checkArgs(c, h); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	uid, ok := r.tables[c].byHandle[h]
	if !ok {
		return "", fmt.Errorf("%w: %s handle", ErrNotFound, c)
	}
	return uid, nil
}

// Remove deletes uid and its handle. Removing an absent UID is a no-op.
func (r *Registry) Remove(c Category, uid string) {
	if !c.valid() {
		return
	}
	r.mu.Lock()
	t := &r.tables[c]
	h, ok := t.byUID[uid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(t.byUID, uid)
	delete(t.byHandle, h)
	n := len(t.byUID)
	r.mu.Unlock()

	r.record(c, n)
}

// Clear empties every category in one step.
func (r *Registry) Clear() {
	r.mu.Lock()
	for i := range r.tables {
		r.tables[i] = table{
			byUID:    make(map[string]Handle),
			byHandle: make(map[Handle]string),
		}
	}
	r.mu.Unlock()

	for _, c := range categories {
		r.record(c, 0)
	}
}

// Len reports the number of entries in a category.
func (r *Registry) Len(c Category) int {
	if !c.valid() {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables[c].byUID)
}

// UIDs returns a sorted snapshot of the UIDs in a category.
func (r *Registry) UIDs(c Category) []string {
	if !c.valid() {
		return nil
	}
	r.mu.RLock()
	res := make([]string, 0, len(r.tables[c].byUID))
	for uid := range r.tables[c].byUID {
		res = append(res, uid)
	}
	r.mu.RUnlock()

	sort.Strings(res)
	return res
}

// Lookup resolves uid and asserts the handle's concrete type. A handle of the
// wrong type is reported as ErrNotFound.
func Lookup[T any](r *Registry, c Category, uid string) (T, error) {
	var zero T
	h, err := r.Resolve(c, uid)
	if err != nil {
		return zero, err
	}
	v, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s %q is %T", ErrNotFound, c, uid, h)
	}
	return v, nil
}

func (r *Registry) record(c Category, n int) {
	if r.metrics != nil {
		r.metrics.SetRegistryEntries(c.String(), n)
	}
}

func checkArgs(c Category, h Handle) error {
	if !c.valid() {
		return ErrInvalidCategory
	}
	if h == nil {
		return fmt.Errorf("%w: nil", ErrInvalidHandle)
	}
	if !reflect.TypeOf(h).Comparable() || !hashable(h) {
		return fmt.Errorf("%w: %T is not comparable", ErrInvalidHandle, h)
	}
	return nil
}

// hashable reports whether h can be used as a map key. Comparable struct
// types still panic when an interface field holds a slice, map or func.
func hashable(h Handle) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[Handle]struct{}{h: {}}
	return true
}
