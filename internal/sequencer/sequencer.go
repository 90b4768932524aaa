// Package sequencer mints human-readable document numbers (invoices, returns,
// purchase orders) from per-kind counters stored next to the documents they label.
//
// A number is only ever reserved inside the caller's store transaction, so it is
// persisted by the same commit as the document carrying it; an aborted transaction
// releases the reservation with everything else.
package sequencer

import (
	"context"
	"fmt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

const (
	// DefaultFirstValue is the counter a lazily created sequence starts from.
	DefaultFirstValue int64 = 1001
	// DefaultMaxProbes bounds how many counter values one call may burn through
	// while skipping numbers that already exist.
	DefaultMaxProbes = 32
)

type Sequencer struct {
	maxProbes  int
	firstValue int64
	prefixes   map[domain.SequenceKind]string
}

type Option func(*Sequencer)

// WithMaxProbes overrides DefaultMaxProbes.
func WithMaxProbes(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.maxProbes = n
		}
	}
}

// WithPrefix sets the prefix written when the kind's counter row is first created.
// Existing rows keep their stored prefix.
func WithPrefix(kind domain.SequenceKind, prefix string) Option {
	return func(s *Sequencer) {
		if prefix != "" {
			s.prefixes[kind] = prefix
		}
	}
}

func WithFirstValue(v int64) Option {
	return func(s *Sequencer) {
		if v > 0 {
			s.firstValue = v
		}
	}
}

func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		maxProbes:  DefaultMaxProbes,
		firstValue: DefaultFirstValue,
		prefixes:   make(map[domain.SequenceKind]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Format renders prefix-counter with the counter zero-padded to six digits.
func Format(prefix string, value int64) string {
	return fmt.Sprintf("%s-%06d", prefix, value)
}

// Next reserves the next free number of kind within tx.
//
// Each probe is one atomic increment of the counter row. A formatted number that
// is already taken (a counter that was reset or restored from an old backup) is
// skipped rather than failing the caller. Store errors, write conflicts included,
// are returned untouched so the caller's whole transaction aborts and is retried.
func (s *Sequencer) Next(ctx context.Context, tx store.SequenceTx, kind domain.SequenceKind) (string, error) {
	switch kind {
	case domain.SequenceInvoice, domain.SequenceReturn, domain.SequencePurchaseOrder:
	default:
		return "", fmt.Errorf("%w: unknown sequence kind %q", store.ErrInvalidTransaction, kind)
	}

	defaults := domain.Sequence{
		Kind:      kind,
		Prefix:    s.prefix(kind),
		NextValue: s.firstValue,
	}

	for probe := 0; probe < s.maxProbes; probe++ {
		seq, err := tx.ReserveSequence(ctx, kind, defaults)
		if err != nil {
			return "", fmt.Errorf("reserve %s sequence: %w", kind, err)
		}
		prefix := seq.Prefix
		if prefix == "" {
			prefix = defaults.Prefix
		}
		number := Format(prefix, seq.NextValue)

		taken, err := tx.NumberInUse(ctx, kind, number)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", number, err)
		}
		if !taken {
			return number, nil
		}
	}

	return "", fmt.Errorf("%w: no free %s number after %d probes", store.ErrConflict, kind, s.maxProbes)
}

func (s *Sequencer) prefix(kind domain.SequenceKind) string {
	if prefix, ok := s.prefixes[kind]; ok {
		return prefix
	}
	return string(kind)
}
