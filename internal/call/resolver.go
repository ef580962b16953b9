package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/callsig/internal/signal"
	"github.com/petervdpas/callsig/internal/store"
)

// Resolver defaults: up to 5 attempts, delays 500, 750, 1125, 1687ms between
// them (exponential, 1.5× multiplier).
const (
	DefaultResolverAttempts   = 5
	DefaultResolverBaseDelay  = 500 * time.Millisecond
	DefaultResolverMultiplier = 1.5
)

// Resolver looks up connection metadata that may lag the ringing
// notification. The backing store's change delivery and row materialization
// are not ordered with respect to the offer-message write path, so each
// attempt reads the Session Record first and falls back to the most recent
// offer Signal Message, which carries the same metadata.
type Resolver struct {
	store store.Store
	clk   clock.Clock

	attempts   int
	baseDelay  time.Duration
	multiplier float64
}

// NewResolver creates a resolver with the default backoff schedule.
func NewResolver(st store.Store, clk clock.Clock) *Resolver {
	return &Resolver{
		store:      st,
		clk:        clk,
		attempts:   DefaultResolverAttempts,
		baseDelay:  DefaultResolverBaseDelay,
		multiplier: DefaultResolverMultiplier,
	}
}

// SetSchedule overrides the retry schedule. Zero values keep the defaults.
func (r *Resolver) SetSchedule(attempts int, baseDelay time.Duration, multiplier float64) {
	if attempts > 0 {
		r.attempts = attempts
	}
	if baseDelay > 0 {
		r.baseDelay = baseDelay
	}
	if multiplier > 0 {
		r.multiplier = multiplier
	}
}

// Resolve returns the call's connection metadata, retrying with backoff while
// it is absent. Returns ErrNoMetadata after exhausting all attempts.
func (r *Resolver) Resolve(ctx context.Context, callID string) (string, error) {
	delay := r.baseDelay

	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			t := r.clk.Timer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			}
			delay = time.Duration(float64(delay) * r.multiplier)
		}

		meta, err := r.lookup(ctx, callID)
		if err != nil {
			return "", err
		}
		if meta != "" {
			return meta, nil
		}
	}
	return "", fmt.Errorf("resolve %s after %d attempts: %w", callID, r.attempts, ErrNoMetadata)
}

// lookup makes one dual-source query: record first, latest offer second.
// An empty string with nil error means "not there yet, retry".
func (r *Resolver) lookup(ctx context.Context, callID string) (string, error) {
	rec, err := r.store.GetCall(ctx, callID)
	switch {
	case err == nil:
		if rec.ConnectionMetadata != "" {
			return rec.ConnectionMetadata, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// Row may not have materialized yet; the offer might still be there.
	default:
		return "", fmt.Errorf("resolve %s: %w", callID, err)
	}

	msg, err := r.store.LatestSignal(ctx, callID, signal.TypeOffer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolve %s: %w", callID, err)
	}

	var offer signal.OfferPayload
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return "", nil
	}
	return offer.ConnectionMetadata, nil
}
