/*
category.go - Ledger categories and their registry

PURPOSE:
  A Category parameterizes the single value-ledger engine: store credit
  and referral credit share issuance, application, splitting, voiding and
  expiration, and differ only in number prefix, initial status and the
  words used for statuses.

HOW IT WORKS:
  1. Category packages define their Category implementation
  2. They register it with RegisterCategory on init()
  3. Stores use the registry to turn persisted category IDs back into
     concrete categories

USAGE:
  // In credit/types.go
  func init() {
      generic.RegisterCategory(StoreCredit)
  }

  // In a store
  cat := generic.GetOrCreateCategory("store_credit")

SEE ALSO:
  - credit/types.go: Store-credit category
  - referral/types.go: Referral-credit category
*/
package generic

import (
	"fmt"
	"sync"
)

// =============================================================================
// CATEGORY
// =============================================================================

// Category identifies what kind of value an entry holds.
// The generic package has NO knowledge of concrete categories.
type Category interface {
	// CategoryID is the persisted identifier, e.g. "store_credit".
	CategoryID() string

	// NumberPrefix prefixes entry numbers, e.g. "CR" gives CR-00001.
	NumberPrefix() string

	// InitialStatus is the status new entries are issued in.
	InitialStatus() Status

	// Label renders a status in the category's vocabulary.
	Label(Status) string
}

// FormatNumber renders a sequence value as a human-readable entry number.
func FormatNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%05d", prefix, seq)
}

// =============================================================================
// CATEGORY REGISTRY
// =============================================================================

var (
	categoryRegistry = make(map[string]Category)
	registryMu       sync.RWMutex
)

// RegisterCategory adds a category to the global registry.
// Call this from category package init() functions.
func RegisterCategory(c Category) {
	registryMu.Lock()
	defer registryMu.Unlock()
	categoryRegistry[c.CategoryID()] = c
}

// LookupCategory finds a registered category by ID.
// Returns nil if not found.
func LookupCategory(id string) Category {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return categoryRegistry[id]
}

// MustLookupCategory finds a registered category or panics.
func MustLookupCategory(id string) Category {
	c := LookupCategory(id)
	if c == nil {
		panic(fmt.Sprintf("category not registered: %s", id))
	}
	return c
}

// ListCategories returns all registered categories.
func ListCategories() []Category {
	registryMu.RLock()
	defer registryMu.RUnlock()
	result := make([]Category, 0, len(categoryRegistry))
	for _, c := range categoryRegistry {
		result = append(result, c)
	}
	return result
}

// =============================================================================
// BASIC CATEGORY - For testing and fallback
// =============================================================================

// BasicCategory is a category with canonical status labels.
type BasicCategory struct {
	ID      string
	Prefix  string
	Initial Status
	Labels  map[Status]string
}

func (c BasicCategory) CategoryID() string   { return c.ID }
func (c BasicCategory) NumberPrefix() string { return c.Prefix }

func (c BasicCategory) InitialStatus() Status {
	if c.Initial == "" {
		return StatusActive
	}
	return c.Initial
}

func (c BasicCategory) Label(s Status) string {
	if l, ok := c.Labels[s]; ok {
		return l
	}
	return string(s)
}

// GetOrCreateCategory looks up a category, or creates a BasicCategory fallback.
// Use this in deserialization when the category package might not be loaded.
func GetOrCreateCategory(id string) Category {
	if c := LookupCategory(id); c != nil {
		return c
	}
	return BasicCategory{ID: id, Prefix: "LE"}
}
