// Package namespace implements the namespace registry and ACL enforcement
// described in spec.md §4.7: every namespace carries read/write/delete/admin
// role lists, the default namespace is universally accessible, and writing
// to an unknown namespace auto-creates it with the writer as its admin.
// Grounded on the teacher's datastore-backed persistence pattern (put/get by
// key, JSON-encoded value) used throughout repository/head_storage.go.
package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"

	"membank/errs"
	"membank/item"
)

const registryPrefix = "/ns/registry"

// Store is the slice of a datastore the registry needs: point get/put/delete
// plus prefix enumeration, matching indexer.Store's narrowing rationale.
type Store interface {
	Put(ctx context.Context, key ds.Key, value []byte) error
	Get(ctx context.Context, key ds.Key) ([]byte, error)
	Delete(ctx context.Context, key ds.Key) error
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
	Close() error
}

// Manager is the namespace registry and ACL enforcer.
type Manager struct {
	store Store
	mu    sync.RWMutex
	cache map[string]item.Namespace
}

// New builds a Manager over store, loading nothing eagerly: entries are
// cached on first access (Get/Create/Permit) and the default namespace
// always exists implicitly without needing a registry entry.
func New(store Store) *Manager {
	return &Manager{store: store, cache: make(map[string]item.Namespace)}
}

func registryKey(name string) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%s", registryPrefix, name))
}

// Get returns the registered namespace entry, or a synthetic entry
// describing the always-open default namespace if name is empty or equals
// item.DefaultNamespace and no entry has been explicitly registered for it.
func (m *Manager) Get(ctx context.Context, name string) (item.Namespace, error) {
	if name == "" {
		name = item.DefaultNamespace
	}

	m.mu.RLock()
	if ns, ok := m.cache[name]; ok {
		m.mu.RUnlock()
		return ns, nil
	}
	m.mu.RUnlock()

	data, err := m.store.Get(ctx, registryKey(name))
	if err != nil {
		if err == ds.ErrNotFound {
			if name == item.DefaultNamespace {
				return item.Namespace{ID: name, Name: name}, nil
			}
			return item.Namespace{}, fmt.Errorf("namespace %q: %w", name, errs.ErrNotFound)
		}
		return item.Namespace{}, fmt.Errorf("namespace: load %q: %w", name, errs.ErrStorageUnavailable)
	}

	var ns item.Namespace
	if err := json.Unmarshal(data, &ns); err != nil {
		return item.Namespace{}, fmt.Errorf("namespace: decode %q: %w", name, errs.ErrIndexCorruption)
	}

	m.mu.Lock()
	m.cache[name] = ns
	m.mu.Unlock()
	return ns, nil
}

// Create registers a new namespace with creator granted every permission.
func (m *Manager) Create(ctx context.Context, name, description, creator string) (item.Namespace, error) {
	ns := item.Namespace{
		ID:          name,
		Name:        name,
		Description: description,
		Permissions: item.Permissions{
			Read:   []string{creator},
			Write:  []string{creator},
			Delete: []string{creator},
			Admin:  []string{creator},
		},
	}
	if err := m.save(ctx, ns); err != nil {
		return item.Namespace{}, err
	}
	return ns, nil
}

func (m *Manager) save(ctx context.Context, ns item.Namespace) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return fmt.Errorf("namespace: encode %q: %w", ns.Name, errs.ErrValidation)
	}
	if err := m.store.Put(ctx, registryKey(ns.Name), data); err != nil {
		return fmt.Errorf("namespace: save %q: %w", ns.Name, errs.ErrStorageUnavailable)
	}
	m.mu.Lock()
	m.cache[ns.Name] = ns
	m.mu.Unlock()
	return nil
}

// List returns every explicitly registered namespace (the default namespace
// is included only if it was explicitly registered).
func (m *Manager) List(ctx context.Context) ([]item.Namespace, error) {
	keysCh, errCh, err := m.store.Keys(ctx, ds.NewKey(registryPrefix))
	if err != nil {
		return nil, fmt.Errorf("namespace: list: %w", errs.ErrStorageUnavailable)
	}

	var names []string
	for keysCh != nil || errCh != nil {
		select {
		case k, ok := <-keysCh:
			if !ok {
				keysCh = nil
				continue
			}
			parts := strings.Split(k.String(), "/")
			names = append(names, parts[len(parts)-1])
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if e != nil {
				return nil, fmt.Errorf("namespace: list: %w: %v", errs.ErrStorageUnavailable, e)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]item.Namespace, 0, len(names))
	for _, name := range names {
		ns, err := m.Get(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

// EnsureForWrite returns the namespace entry for name, auto-creating it with
// writer as admin if it does not yet exist and name isn't the default
// namespace (spec.md invariant: "writing to an unregistered, non-default
// namespace creates it and grants the writer admin").
func (m *Manager) EnsureForWrite(ctx context.Context, name, writer string) (item.Namespace, error) {
	if name == "" || name == item.DefaultNamespace {
		return m.Get(ctx, item.DefaultNamespace)
	}

	ns, err := m.Get(ctx, name)
	if err == nil {
		return ns, nil
	}
	if !isNotFound(err) {
		return item.Namespace{}, err
	}
	return m.Create(ctx, name, "", writer)
}

// Permit reports whether principal may perform action in namespace. The
// default namespace is universally accessible regardless of role lists.
// Unregistered non-default namespaces deny every action except the
// implicit Create performed by EnsureForWrite.
func (m *Manager) Permit(ctx context.Context, namespace, principal string, action item.Action) (bool, error) {
	if namespace == "" || namespace == item.DefaultNamespace {
		return true, nil
	}

	ns, err := m.Get(ctx, namespace)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	var roles []string
	switch action {
	case item.ActionRead:
		roles = ns.Permissions.Read
	case item.ActionWrite:
		roles = ns.Permissions.Write
	case item.ActionDelete:
		roles = ns.Permissions.Delete
	case item.ActionAdmin:
		roles = ns.Permissions.Admin
	}

	for _, r := range roles {
		if r == principal || r == "*" {
			return true, nil
		}
	}
	// Admins implicitly hold every lesser permission.
	if action != item.ActionAdmin {
		for _, r := range ns.Permissions.Admin {
			if r == principal || r == "*" {
				return true, nil
			}
		}
	}
	return false, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
