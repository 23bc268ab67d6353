// Package simple includes tests for the permissive policy implementation.
package simple

import (
	"context"
	"testing"
)

// TestPolicyAllow ensures the permissive policy admits callers.
func TestPolicyAllow(t *testing.T) {
	t.Parallel()

	p := New()
	for range 3 {
		ok, err := p.Allow(context.Background(), "caller")
		if err != nil || !ok {
			t.Fatalf("expected Allow to admit, got ok=%v err=%v", ok, err)
		}
	}
}
