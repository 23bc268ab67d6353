// Package simple contains the permissive admission policy used when rate
// limiting is disabled.
package simple

import "context"

// Policy admits every caller.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Allow always returns true.
func (Policy) Allow(context.Context, string) (bool, error) {
	return true, nil
}
