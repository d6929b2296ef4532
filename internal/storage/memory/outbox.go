package memory

import (
	"context"

	"github.com/xenking/kart-settlement/internal/outbox"
)

var _ outbox.Store = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Store over a Store.
type OutboxRepository struct {
	s *Store
}

// Pending returns up to limit unsent records in sequence order.
func (r *OutboxRepository) Pending(_ context.Context, limit int) ([]outbox.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []outbox.Record
	for _, rec := range r.s.outbox {
		if r.s.sent[rec.Seq] {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Backlog counts unsent records.
func (r *OutboxRepository) Backlog(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.outbox) - len(r.s.sent), nil
}

// MarkSent records seqs as published.
func (r *OutboxRepository) MarkSent(_ context.Context, seqs []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, seq := range seqs {
		r.s.sent[seq] = true
	}
	return nil
}
