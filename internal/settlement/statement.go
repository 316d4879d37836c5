package settlement

import (
	"context"
	"time"
)

// Statement is a point-in-time view of a scope: the cached paid state as
// stored, next to a fresh allocator walk over the same records.
type Statement struct {
	Scope       Scope     `json:"scope"`
	GeneratedAt time.Time `json:"generated_at"`
	Cached      []Item    `json:"cached"`
	Outcome     Outcome   `json:"outcome"`
	Stale       int       `json:"stale"`
	Payments    []Payment `json:"-"`
}

// Statement builds a Statement without writing anything.
func (s *Service) Statement(ctx context.Context, scope Scope) (Statement, error) {
	if err := scope.Validate(); err != nil {
		return Statement{}, err
	}
	data, err := s.load(ctx, scope)
	if err != nil {
		return Statement{}, err
	}
	cached := ScopeItems(scope, data.Entries)
	outcome := Allocate(scope, data.Entries, data.Payments, s.tolerance)
	return Statement{
		Scope:       scope,
		GeneratedAt: s.now(),
		Cached:      cached,
		Outcome:     outcome,
		Stale:       len(Changed(cached, outcome.Items)),
		Payments:    ScopePayments(scope, data.Payments),
	}, nil
}
