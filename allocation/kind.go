/*
kind.go - Schedule kind registration and lookup

PURPOSE:
  Provides a registry for domain packages to register the kinds of
  schedules they own (prepaid expense, fixed asset, ...). The engine itself
  is kind-agnostic; a kind only adds per-kind terms validation and a
  display name.

HOW IT WORKS:
  1. Domain packages define their Kind implementations
  2. Domain packages register them on init()
  3. factory fills omitted terms with the kind's TermsDefaulter, if any
  4. Service.Create validates terms with the kind's TermsValidator, if any

USAGE:
  // In prepaid/types.go
  func init() {
      allocation.RegisterKind(KindPrepaidExpense)
  }

  kind := allocation.LookupKind("prepaid_expense")

SEE ALSO:
  - prepaid/types.go: Prepaid expense, accrual, revenue contract
  - capital/types.go: Fixed asset, debt instrument, investment
*/
package allocation

import (
	"sort"
	"sync"
)

// Kind identifies a family of schedules.
type Kind interface {
	KindID() string
	KindDomain() string
}

// TermsValidator is implemented by kinds with extra terms rules.
type TermsValidator interface {
	ValidateTerms(t ScheduleTerms) error
}

// TermsDefaulter is implemented by kinds that fill in omitted terms
// (e.g. a default recognition method).
type TermsDefaulter interface {
	DefaultTerms(t ScheduleTerms) ScheduleTerms
}

// =============================================================================
// KIND REGISTRY
// =============================================================================

var (
	kindRegistry = make(map[string]Kind)
	kindMu       sync.RWMutex
)

// RegisterKind adds a kind to the global registry.
// Call this from domain package init() functions.
func RegisterKind(k Kind) {
	kindMu.Lock()
	defer kindMu.Unlock()
	kindRegistry[k.KindID()] = k
}

// LookupKind finds a registered kind by ID. Returns nil if not found.
func LookupKind(id string) Kind {
	kindMu.RLock()
	defer kindMu.RUnlock()
	return kindRegistry[id]
}

// ListKinds returns all registered kinds ordered by ID.
func ListKinds() []Kind {
	kindMu.RLock()
	defer kindMu.RUnlock()
	result := make([]Kind, 0, len(kindRegistry))
	for _, k := range kindRegistry {
		result = append(result, k)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].KindID() < result[j].KindID() })
	return result
}

// =============================================================================
// GENERIC KIND - Fallback for unregistered IDs
// =============================================================================

type GenericKind struct {
	ID string
}

func (k GenericKind) KindID() string     { return k.ID }
func (k GenericKind) KindDomain() string { return "generic" }

// GetOrCreateKind looks up a kind, or returns a GenericKind fallback.
func GetOrCreateKind(id string) Kind {
	if k := LookupKind(id); k != nil {
		return k
	}
	return GenericKind{ID: id}
}

// ValidateKindTerms runs the kind-specific rules for t.Kind, if any.
func ValidateKindTerms(t ScheduleTerms) error {
	if v, ok := GetOrCreateKind(t.Kind).(TermsValidator); ok {
		return v.ValidateTerms(t)
	}
	return nil
}

// ApplyKindDefaults fills omitted terms from t.Kind, if it has defaults.
func ApplyKindDefaults(t ScheduleTerms) ScheduleTerms {
	if d, ok := GetOrCreateKind(t.Kind).(TermsDefaulter); ok {
		return d.DefaultTerms(t)
	}
	return t
}
