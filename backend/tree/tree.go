// Package tree is the filesystem-backed Backend implementation (spec.md
// §4.3): one YAML-frontmatter file per item under
// <baseDir>/<category-dir>/<namespace>/<key>.md, a JSON sidecar index for fast
// existence/listing, and a per-key history directory holding every prior
// version. Grounded on the teacher's fileHeadStorage (repository/
// head_storage.go): atomic temp-file-then-rename writes and an optional
// post-write hook, generalized from a single HEAD pointer to one file per
// item.
package tree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"membank/backend"
	"membank/errs"
	"membank/item"
)

// Hook runs after a file is written or removed, e.g. to stage it in a VCS
// (`git add`). A nil Hook is a no-op. A Hook error is ignored: it does not
// fail the write or removal that triggered it.
type Hook func(path string, deleted bool) error

// Backend is the filesystem-backed storage implementation.
type Backend struct {
	baseDir string
	hook    Hook
	side    *sidecar
	mu      sync.Mutex // serializes writes to a given tree, sidecar has its own lock for reads
	now     func() int64
}

// Open prepares a Backend rooted at baseDir. Callers must still call
// Initialize before use.
func Open(baseDir string, hook Hook) *Backend {
	return &Backend{
		baseDir: baseDir,
		hook:    hook,
		side:    newSidecar(baseDir),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

func (b *Backend) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(b.baseDir, 0755); err != nil {
		return fmt.Errorf("tree: create base dir: %w", errs.ErrStorageUnavailable)
	}
	if err := b.side.load(); err != nil {
		return fmt.Errorf("tree: load sidecar: %w", errs.ErrIndexCorruption)
	}
	return nil
}

var (
	unsafeFilename = regexp.MustCompile(`[<>:"/\\|?*]`)
	filenameSpace  = regexp.MustCompile(`\s+`)
)

const maxFilenameLen = 255

// sanitize converts s into a safe path component per spec.md §4.3: lowercase,
// whitespace collapsed to "-", characters in <>:"/\|?* replaced with "-",
// truncated to 255 characters.
func sanitize(s string) string {
	s = strings.ToLower(s)
	s = filenameSpace.ReplaceAllString(s, "-")
	s = unsafeFilename.ReplaceAllString(s, "-")
	if len(s) > maxFilenameLen {
		s = s[:maxFilenameLen]
	}
	if s == "" {
		return "_"
	}
	return s
}

// categoryDirs maps a category to its subdirectory under baseDir (spec.md
// §4.3/§6). Categories absent from this table fall under
// shared-knowledge/<category>.
var categoryDirs = map[string][]string{
	"agent-sessions":         {"agent-sessions"},
	"coordination":           {"coordination"},
	"project-memory":         {"project-memory"},
	"github-integration":     {"github-integration"},
	"calibration-values":     {"shared-knowledge", "calibration-values"},
	"test-patterns":          {"shared-knowledge", "test-patterns"},
	"failure-analysis":       {"shared-knowledge", "failure-analysis"},
	"architectural-decisions": {"shared-knowledge", "architectural-decisions"},
	"code-patterns":          {"shared-knowledge", "code-patterns"},
}

func categoryDir(category string) string {
	if parts, ok := categoryDirs[category]; ok {
		return filepath.Join(parts...)
	}
	return filepath.Join("shared-knowledge", sanitize(category))
}

func compositeKey(namespace, category, key string) string {
	return namespace + "/" + category + "/" + key
}

// itemPath follows the spec's <category-dir>/<namespace>/<key>.md layout:
// items are grouped first by category directory, then by namespace.
func (b *Backend) itemPath(namespace, category, key string) string {
	return filepath.Join(b.baseDir, categoryDir(category), sanitize(namespace), sanitize(key)+".md")
}

func (b *Backend) historyDir(namespace, category, key string) string {
	return filepath.Join(b.baseDir, categoryDir(category), sanitize(namespace), ".history", sanitize(key))
}

func (b *Backend) historyPath(namespace, category, key string, timestamp int64) string {
	return filepath.Join(b.historyDir(namespace, category, key), fmt.Sprintf("%020d.md", timestamp))
}

// atomicWrite writes data to path via a temp-file-then-rename in the same
// directory, mirroring fileHeadStorage.SaveHead.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (b *Backend) Store(ctx context.Context, it item.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := encode(it)
	if err != nil {
		return fmt.Errorf("tree: encode: %w", errs.ErrValidation)
	}

	ns := it.Namespace()
	path := b.itemPath(ns, it.Category, it.Key)
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("tree: write item: %w", errs.ErrStorageUnavailable)
	}
	if b.hook != nil {
		_ = b.hook(path, false) // best-effort
	}

	histPath := b.historyPath(ns, it.Category, it.Key, it.Metadata.Timestamp)
	if err := atomicWrite(histPath, data); err != nil {
		return fmt.Errorf("tree: write history: %w", errs.ErrStorageUnavailable)
	}

	ck := compositeKey(ns, it.Category, it.Key)
	entry, _ := b.side.get(ck)
	entry.Path = path
	entry.Namespace, entry.Category, entry.Key = ns, it.Category, it.Key
	entry.Timestamp = it.Metadata.Timestamp
	entry.Deleted = false
	entry.History = append(entry.History, histPath)

	if err := b.side.put(ck, entry); err != nil {
		return fmt.Errorf("tree: update sidecar: %w", errs.ErrIndexCorruption)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, namespace, category, key string) (item.Item, error) {
	ck := compositeKey(namespace, category, key)
	entry, ok := b.side.get(ck)
	if !ok || entry.Deleted {
		return item.Item{}, fmt.Errorf("tree: get %s: %w", ck, errs.ErrNotFound)
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return item.Item{}, fmt.Errorf("tree: read %s: %w", entry.Path, errs.ErrStorageUnavailable)
	}
	it, err := decode(data)
	if err != nil {
		return item.Item{}, fmt.Errorf("tree: decode %s: %w", entry.Path, errs.ErrIndexCorruption)
	}
	return it, nil
}

func (b *Backend) History(ctx context.Context, namespace, category, key string) ([]item.Item, error) {
	ck := compositeKey(namespace, category, key)
	entry, ok := b.side.get(ck)
	if !ok {
		return nil, nil
	}

	out := make([]item.Item, 0, len(entry.History))
	for _, p := range entry.History {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("tree: read history %s: %w", p, errs.ErrStorageUnavailable)
		}
		it, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("tree: decode history %s: %w", p, errs.ErrIndexCorruption)
		}
		out = append(out, it)
	}
	return out, nil
}

func (b *Backend) Query(ctx context.Context, q item.Query) ([]item.Item, error) {
	if q.AsOf != nil {
		return b.queryAsOf(ctx, q)
	}

	var out []item.Item
	for _, entry := range b.side.all() {
		if entry.Deleted {
			continue
		}
		if !q.AllNamespaces {
			ns := q.Namespace
			if ns == "" {
				ns = item.DefaultNamespace
			}
			if entry.Namespace != ns {
				continue
			}
		}
		if len(q.Categories) > 0 && !contains(q.Categories, entry.Category) {
			continue
		}
		data, err := os.ReadFile(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("tree: read %s: %w", entry.Path, errs.ErrStorageUnavailable)
		}
		it, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("tree: decode %s: %w", entry.Path, errs.ErrIndexCorruption)
		}
		if q.Matches(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (b *Backend) queryAsOf(ctx context.Context, q item.Query) ([]item.Item, error) {
	var out []item.Item
	for _, entry := range b.side.all() {
		if !q.AllNamespaces {
			ns := q.Namespace
			if ns == "" {
				ns = item.DefaultNamespace
			}
			if entry.Namespace != ns {
				continue
			}
		}
		if len(q.Categories) > 0 && !contains(q.Categories, entry.Category) {
			continue
		}

		hist, err := b.History(ctx, entry.Namespace, entry.Category, entry.Key)
		if err != nil {
			return nil, err
		}

		var asOfState *item.Item
		for i := range hist {
			if hist[i].Metadata.Timestamp > q.AsOf.UnixMilli() {
				break
			}
			asOfState = &hist[i]
		}
		if asOfState == nil {
			continue
		}
		if entry.Deleted && entry.Timestamp <= q.AsOf.UnixMilli() {
			continue // the key had already been deleted as of the cutoff
		}
		if q.Matches(*asOfState) {
			out = append(out, *asOfState)
		}
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, namespace, category, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ck := compositeKey(namespace, category, key)
	entry, ok := b.side.get(ck)
	if !ok || entry.Deleted {
		return fmt.Errorf("tree: delete %s: %w", ck, errs.ErrNotFound)
	}

	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tree: remove %s: %w", entry.Path, errs.ErrStorageUnavailable)
	}
	if b.hook != nil {
		_ = b.hook(entry.Path, true) // best-effort
	}

	entry.Deleted = true
	entry.Timestamp = b.now()
	if err := b.side.put(ck, entry); err != nil {
		return fmt.Errorf("tree: update sidecar: %w", errs.ErrIndexCorruption)
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context) (backend.Stats, error) {
	var stats backend.Stats
	namespaces := map[string]bool{}
	for _, e := range b.side.all() {
		if !e.Deleted {
			stats.ItemCount++
		}
		stats.HistoryRows += len(e.History)
		namespaces[e.Namespace] = true
	}
	stats.NamespaceCount = len(namespaces)
	return stats, nil
}

func (b *Backend) Close() error { return nil }

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
