package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// ErrHeadlessUnavailable reports that rendering was requested but no browser is configured.
var ErrHeadlessUnavailable = errors.New("headless rendering not configured")

// Noop stands in for the browser when rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrHeadlessUnavailable.
func (Noop) Fetch(context.Context, analysis.FetchRequest) (analysis.FetchResponse, error) {
	return analysis.FetchResponse{}, ErrHeadlessUnavailable
}
