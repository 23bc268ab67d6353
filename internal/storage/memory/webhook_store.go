package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

func deliveryKey(configID, eventID string) string {
	return configID + "\x00" + eventID
}

// CreateWebhookConfig stores a subscriber config.
func (s *Store) CreateWebhookConfig(_ context.Context, cfg analysis.WebhookConfig) error {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if _, exists := s.configs[cfg.ID]; exists {
		return fmt.Errorf("webhook config %s already exists", cfg.ID)
	}
	cfg.EventTypes = slices.Clone(cfg.EventTypes)
	s.configs[cfg.ID] = cfg
	s.configOrder = append(s.configOrder, cfg.ID)
	return nil
}

// GetWebhookConfig fetches a config by ID.
func (s *Store) GetWebhookConfig(_ context.Context, configID string) (analysis.WebhookConfig, error) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	cfg, ok := s.configs[configID]
	if !ok {
		return analysis.WebhookConfig{}, analysis.ErrNotFound
	}
	cfg.EventTypes = slices.Clone(cfg.EventTypes)
	return cfg, nil
}

// ListWebhookConfigs returns the scope's configs in creation order.
func (s *Store) ListWebhookConfigs(_ context.Context, scope string) ([]analysis.WebhookConfig, error) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	var out []analysis.WebhookConfig
	for _, id := range s.configOrder {
		cfg := s.configs[id]
		if cfg.Scope != scope {
			continue
		}
		cfg.EventTypes = slices.Clone(cfg.EventTypes)
		out = append(out, cfg)
	}
	return out, nil
}

// SetWebhookActive toggles a config's active flag.
func (s *Store) SetWebhookActive(_ context.Context, configID string, active bool) error {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	cfg, ok := s.configs[configID]
	if !ok {
		return analysis.ErrNotFound
	}
	cfg.Active = active
	s.configs[configID] = cfg
	return nil
}

// CreateDelivery inserts d unless a row exists for its (config, event) pair.
func (s *Store) CreateDelivery(
	_ context.Context,
	d analysis.WebhookDelivery,
) (analysis.WebhookDelivery, bool, error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	key := deliveryKey(d.ConfigID, d.EventID)
	if id, exists := s.deliveryKey[key]; exists {
		return cloneDelivery(s.deliveries[id]), false, nil
	}
	d = cloneDelivery(d)
	s.deliveries[d.ID] = d
	s.deliveryKey[key] = d.ID
	return cloneDelivery(d), true, nil
}

// GetDelivery fetches a delivery by ID.
func (s *Store) GetDelivery(_ context.Context, deliveryID string) (analysis.WebhookDelivery, error) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return analysis.WebhookDelivery{}, analysis.ErrNotFound
	}
	return cloneDelivery(d), nil
}

// UpdateDelivery writes d if the stored row is pending at expectedAttempts.
func (s *Store) UpdateDelivery(_ context.Context, d analysis.WebhookDelivery, expectedAttempts int) error {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	current, ok := s.deliveries[d.ID]
	if !ok {
		return analysis.ErrNotFound
	}
	if current.Status != analysis.DeliveryPending || current.AttemptCount != expectedAttempts {
		return analysis.ErrVersionConflict
	}
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

// ClaimDelivery moves next_retry_at to until if the row is pending and due.
func (s *Store) ClaimDelivery(
	_ context.Context,
	deliveryID string,
	now, until time.Time,
) (analysis.WebhookDelivery, error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return analysis.WebhookDelivery{}, analysis.ErrNotFound
	}
	if d.Status != analysis.DeliveryPending || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
		return analysis.WebhookDelivery{}, analysis.ErrVersionConflict
	}
	next := until
	d.NextRetryAt = &next
	d.UpdatedAt = now
	s.deliveries[deliveryID] = d
	return cloneDelivery(d), nil
}

// ListDueDeliveries returns pending rows whose retry time has passed.
func (s *Store) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]analysis.WebhookDelivery, error) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	var out []analysis.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status != analysis.DeliveryPending || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		out = append(out, cloneDelivery(d))
	}
	slices.SortFunc(out, func(a, b analysis.WebhookDelivery) int { return a.NextRetryAt.Compare(*b.NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDeliveriesByEvent returns every delivery row for the event.
func (s *Store) ListDeliveriesByEvent(_ context.Context, eventID string) ([]analysis.WebhookDelivery, error) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	var out []analysis.WebhookDelivery
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			out = append(out, cloneDelivery(d))
		}
	}
	slices.SortFunc(out, func(a, b analysis.WebhookDelivery) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func cloneDelivery(d analysis.WebhookDelivery) analysis.WebhookDelivery {
	if d.LastResponse != nil {
		resp := *d.LastResponse
		d.LastResponse = &resp
	}
	if d.NextRetryAt != nil {
		next := *d.NextRetryAt
		d.NextRetryAt = &next
	}
	return d
}
