package events

import (
	"context"
	"slices"
	"strings"
	"sync"

	"namereg/pkg/domain"
)

// Entry is the indexer's view of one registered name.
type Entry struct {
	Identifier  string           `json:"identifier"`
	Name        string           `json:"name"`
	Owner       domain.Principal `json:"owner"`
	Stake       domain.Quantity  `json:"stake"`
	MetadataURI string           `json:"metadata_uri,omitempty"`
}

// Indexer rebuilds name, owner and stake state purely from the event stream.
// Replayed events are ignored by ID, so at-least-once delivery is safe.
type Indexer struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byName  map[string]string
	pending map[domain.Principal]domain.Quantity
	cost    domain.Quantity
	seen    map[string]struct{}
}

func NewIndexer() *Indexer {
	return &Indexer{
		entries: make(map[string]*Entry),
		byName:  make(map[string]string),
		pending: make(map[domain.Principal]domain.Quantity),
		seen:    make(map[string]struct{}),
	}
}

// Publish lets the indexer sit directly behind Emit.
func (ix *Indexer) Publish(_ context.Context, e Event) error {
	ix.Apply(e)
	return nil
}

func (ix *Indexer) Apply(e Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e.ID != "" {
		if _, dup := ix.seen[e.ID]; dup {
			return
		}
		ix.seen[e.ID] = struct{}{}
	}

	switch e.Type {
	case TypeRegistered:
		entry := ix.entry(e.Identifier)
		entry.Name = e.Name
		entry.Owner = e.Owner
		entry.MetadataURI = e.MetadataURI
		ix.byName[e.Name] = e.Identifier
	case TypeDestroyed:
		if entry, ok := ix.entries[e.Identifier]; ok {
			delete(ix.byName, entry.Name)
		}
		delete(ix.entries, e.Identifier)
	case TypeStakeDeposited:
		ix.entry(e.Identifier).Stake = e.Amount
	case TypeStakeReleased:
		if entry, ok := ix.entries[e.Identifier]; ok {
			entry.Stake = 0
		}
	case TypeCertificateTransferred:
		ix.entry(e.Identifier).Owner = e.To
	case TypeCostChanged:
		ix.cost = e.Amount
	case TypeWithdrawalQueued:
		ix.pending[e.Principal] += e.Amount
	case TypeWithdrawn:
		if ix.pending[e.Principal] <= e.Amount {
			delete(ix.pending, e.Principal)
		} else {
			ix.pending[e.Principal] -= e.Amount
		}
	}
}

func (ix *Indexer) entry(identifier string) *Entry {
	entry, ok := ix.entries[identifier]
	if !ok {
		entry = &Entry{Identifier: identifier}
		ix.entries[identifier] = entry
	}
	return entry
}

// Lookup returns the indexed entry for a normalized name.
func (ix *Indexer) Lookup(name string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	identifier, ok := ix.byName[name]
	if !ok {
		return Entry{}, false
	}
	return *ix.entries[identifier], true
}

// Entries returns every named entry ordered by name.
func (ix *Indexer) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, 0, len(ix.byName))
	for _, identifier := range ix.byName {
		out = append(out, *ix.entries[identifier])
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (ix *Indexer) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byName)
}

func (ix *Indexer) Cost() domain.Quantity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cost
}

func (ix *Indexer) Pending(p domain.Principal) domain.Quantity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.pending[p]
}
