package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dmehra2102/stock-reservation/internal/inventory/application"
	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

type ReconciliationLog struct {
	mu      sync.Mutex
	entries []application.ReconciliationEntry
}

func NewReconciliationLog() *ReconciliationLog {
	return &ReconciliationLog{}
}

func (l *ReconciliationLog) Record(_ context.Context, entry application.ReconciliationEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, entry)
	return nil
}

func (l *ReconciliationLog) Entries() []application.ReconciliationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]application.ReconciliationEntry(nil), l.entries...)
}

func (l *ReconciliationLog) Pending(_ context.Context, limit int) ([]application.ReconciliationEntry, error) {
	var out []application.ReconciliationEntry
	for _, e := range l.Entries() {
		if e.ResolvedAt != nil {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Resolve marks an entry as handled by an operator. Resolving twice is a no-op.
func (l *ReconciliationLog) Resolve(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id <= 0 || id > int64(len(l.entries)) {
		return domain.ErrEntryNotFound
	}
	e := &l.entries[id-1]
	if e.ResolvedAt == nil {
		now := time.Now().UTC()
		e.ResolvedAt = &now
	}
	return nil
}
