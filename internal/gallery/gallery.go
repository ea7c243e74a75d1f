// Package gallery maintains the per-tenant in-memory cache of known face
// embeddings used for matching.
package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/your-org/facewatch/internal/models"
)

// Store is the persistence collaborator the gallery loads from.
type Store interface {
	ListKnownFaces(ctx context.Context, tenantID int64) ([]models.KnownFace, error)
}

// Entry is one identity in a snapshot.
type Entry struct {
	ID        int64
	Name      string
	Embedding []float32
}

// Snapshot is an immutable, ordered-by-id view of a tenant's gallery.
// It is safe to share across goroutines; a reload produces a new Snapshot
// and never mutates an existing one.
type Snapshot struct {
	entries []Entry
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func (s *Snapshot) Entry(i int) Entry { return s.entries[i] }

func (s *Snapshot) Embedding(i int) []float32 { return s.entries[i].Embedding }

// Names returns the display names in snapshot order.
func (s *Snapshot) Names() []string {
	names := make([]string, s.Len())
	for i, e := range s.entries {
		names[i] = e.Name
	}
	return names
}

// CountAutoCreated returns how many entries are auto-created unknowns.
func (s *Snapshot) CountAutoCreated() int {
	n := 0
	for _, e := range s.entries {
		if strings.HasPrefix(e.Name, models.UnknownNamePrefix) {
			n++
		}
	}
	return n
}

// Gallery caches one tenant's known faces. Reload replaces the snapshot
// wholesale under the lock; readers always observe either the old or the new
// snapshot, never a partial rebuild.
type Gallery struct {
	tenantID int64
	store    Store

	mu   sync.RWMutex
	snap *Snapshot
}

func New(tenantID int64, store Store) *Gallery {
	return &Gallery{
		tenantID: tenantID,
		store:    store,
		snap:     &Snapshot{},
	}
}

// Reload reads all known faces for the tenant and atomically replaces the
// snapshot. A malformed stored embedding is skipped and logged; it does not
// abort loading the rest.
func (g *Gallery) Reload(ctx context.Context) error {
	faces, err := g.store.ListKnownFaces(ctx, g.tenantID)
	if err != nil {
		return fmt.Errorf("list known faces for tenant %d: %w", g.tenantID, err)
	}

	entries := make([]Entry, 0, len(faces))
	for _, f := range faces {
		if len(f.Embedding) != models.EmbeddingDim {
			slog.Warn("skipping malformed embedding",
				"face_id", f.ID, "tenant_id", g.tenantID, "len", len(f.Embedding))
			continue
		}
		entries = append(entries, Entry{ID: f.ID, Name: f.Name, Embedding: f.Embedding})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	g.mu.Lock()
	g.snap = &Snapshot{entries: entries}
	g.mu.Unlock()

	slog.Info("gallery reloaded", "tenant_id", g.tenantID, "faces", len(entries))
	return nil
}

// Snapshot returns the current immutable view for matching.
func (g *Gallery) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

// TenantID returns the owning tenant.
func (g *Gallery) TenantID() int64 { return g.tenantID }
