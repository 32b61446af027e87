// Package customer exposes the static per-customer configuration (real estate
// and security access correspondences) and the identity of the currently
// active customer context. The customer table is immutable after load; the
// current customer code is persisted in the shared store so context switches
// survive process restarts.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"keysync/internal/sharedstore"
	dErrors "keysync/pkg/domainerrors"
	"keysync/pkg/sentinel"
)

const currentCustomerKey = sharedstore.Namespace + "customer:current"

// Resolver serves customer lookups against the loaded table and tracks the
// active customer context in the shared store.
type Resolver struct {
	store     sharedstore.Store
	customers map[string]Customer
}

// Load reads the customer table from a JSON file and builds a Resolver.
func Load(path string, store sharedstore.Store) (*Resolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read customer config: %w", err)
	}
	var customers []Customer
	if err := json.Unmarshal(raw, &customers); err != nil {
		return nil, fmt.Errorf("parse customer config: %w", err)
	}
	return NewResolver(customers, store)
}

// NewResolver builds a Resolver from an already-decoded customer list.
func NewResolver(customers []Customer, store sharedstore.Store) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("shared store is required")
	}
	if len(customers) == 0 {
		return nil, fmt.Errorf("customer table is empty")
	}
	byCode := make(map[string]Customer, len(customers))
	for _, c := range customers {
		if c.Code == "" {
			return nil, fmt.Errorf("customer with empty code in config")
		}
		if _, dup := byCode[c.Code]; dup {
			return nil, fmt.Errorf("duplicate customer code %q in config", c.Code)
		}
		byCode[c.Code] = c
	}
	return &Resolver{store: store, customers: byCode}, nil
}

// Current returns the active customer context. An unset or unknown current
// code is a configuration fault.
func (r *Resolver) Current(ctx context.Context) (Customer, error) {
	code, err := r.store.Get(ctx, currentCustomerKey)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Customer{}, dErrors.New(dErrors.CodeConfig, "no current customer context is set")
	}
	if err != nil {
		return Customer{}, dErrors.Wrap(err, dErrors.CodeTransient, "read current customer")
	}
	cust, ok := r.customers[code]
	if !ok {
		return Customer{}, dErrors.Newf(dErrors.CodeConfig, "current customer %q is not in the configuration table", code)
	}
	return cust, nil
}

// SetCurrent switches the active customer context. The code must exist in the
// loaded table.
func (r *Resolver) SetCurrent(ctx context.Context, code string) error {
	if _, ok := r.customers[code]; !ok {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown customer code %q", code)
	}
	if err := r.store.Set(ctx, currentCustomerKey, code, 0); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "persist current customer")
	}
	return nil
}

// Lookup returns the customer with the given code.
func (r *Resolver) Lookup(code string) (Customer, bool) {
	c, ok := r.customers[code]
	return c, ok
}
