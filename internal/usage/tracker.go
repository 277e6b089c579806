package usage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/storage"
	"github.com/fairyhunter13/llm-gateway/internal/subscription"
)

// Status thresholds over the weekly-budget share.
const (
	approachingShare = 0.8
	limitedShare     = 0.95
)

// Rolling windows for the derived rates.
const (
	weeklyWindow   = 7 * 24 * time.Hour
	burnRateWindow = time.Hour
	tpmWindow      = 5 * time.Minute
)

// Tracker records usage and maintains per-credential aggregates.
type Tracker struct {
	store storage.Store
	subs  *subscription.Manager
	now   func() time.Time
}

func NewTracker(store storage.Store, subs *subscription.Manager) *Tracker {
	return &Tracker{store: store, subs: subs, now: time.Now}
}

// BlockInfo is the projection of the credential's active 5-hour block.
type BlockInfo struct {
	BlockID          string    `json:"block_id"`
	BlockStart       time.Time `json:"block_start"`
	BlockEnd         time.Time `json:"block_end"`
	CostUSD          float64   `json:"cost_usd"`
	CostPerHour      float64   `json:"cost_per_hour"`
	ProjectedCost    float64   `json:"projected_cost"`
	RemainingMinutes float64   `json:"remaining_minutes"`
}

// Record persists one usage record from the assistant's output and applies
// it to the credential: block rollover or accumulation, then the weekly,
// burn-rate, and tokens-per-minute recomputation over stored records.
func (t *Tracker) Record(ctx context.Context, out *domain.CLIOutput, subscriptionID, sessionID string) (domain.UsageRecord, error) {
	tracer := otel.Tracer("usage.tracker")
	ctx, span := tracer.Start(ctx, "usage.Record")
	defer span.End()
	now := t.now().UTC()
	rec := domain.UsageRecord{
		SubscriptionID:      subscriptionID,
		Timestamp:           now,
		BlockID:             BlockID(now),
		CostUSD:             out.TotalCostUSD,
		InputTokens:         out.Usage.InputTokens,
		OutputTokens:        out.Usage.OutputTokens,
		CacheCreationTokens: out.Usage.CacheCreationTokens,
		CacheReadTokens:     out.Usage.CacheReadTokens,
		TotalTokens:         out.Usage.TotalTokens(),
		SessionID:           sessionID,
		DurationMS:          out.DurationMS,
		RequestUUID:         out.UUID,
	}

	key := recordKey(subscriptionID, now)
	if err := t.store.Set(ctx, key, rec); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("op=usage.record sub=%s: %w", subscriptionID, err)
	}
	if err := t.store.AddToIndex(ctx, storage.IndexUsageByDay+dayKey(now), subscriptionID); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("op=usage.record sub=%s: %w", subscriptionID, err)
	}

	_, err := t.subs.Update(ctx, subscriptionID, func(s *domain.Subscription) error {
		// Scan under the credential's write lock so concurrent records
		// cannot be missed by each other's recomputation.
		records, err := t.recordsSince(ctx, subscriptionID, now.Add(-weeklyWindow))
		if err != nil {
			return err
		}
		if rec.BlockID != s.CurrentBlockID {
			start := BlockBoundary(now)
			end := BlockEnd(now)
			s.CurrentBlockID = rec.BlockID
			s.CurrentBlockCost = rec.CostUSD
			s.BlockStart = &start
			s.BlockEnd = &end
		} else {
			s.CurrentBlockCost += rec.CostUSD
		}

		var weekly, burn float64
		var recentTokens int64
		for _, r := range records {
			weekly += r.CostUSD
			if now.Sub(r.Timestamp) <= burnRateWindow {
				burn += r.CostUSD
			}
			if now.Sub(r.Timestamp) <= tpmWindow {
				recentTokens += r.TotalTokens
			}
		}
		s.WeeklyUsed = weekly
		s.BurnRate = burn
		s.TokensPerMinute = float64(recentTokens) / tpmWindow.Minutes()

		share := s.WeeklyUsed / s.WeeklyBudget
		switch {
		case share >= limitedShare:
			s.Status = domain.StatusLimited
		case share >= approachingShare:
			s.Status = domain.StatusApproaching
		default:
			s.Status = domain.StatusAvailable
		}
		s.LastUsageUpdate = now
		s.LastRequest = now
		return nil
	})
	if err != nil {
		return domain.UsageRecord{}, err
	}
	return rec, nil
}

// WeeklyUsage sums record costs over the trailing 7 days.
func (t *Tracker) WeeklyUsage(ctx context.Context, subscriptionID string) (float64, error) {
	records, err := t.recordsSince(ctx, subscriptionID, t.now().UTC().Add(-weeklyWindow))
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range records {
		total += r.CostUSD
	}
	return total, nil
}

// BurnRate sums record costs over the trailing hour, in USD per hour.
func (t *Tracker) BurnRate(ctx context.Context, subscriptionID string) (float64, error) {
	records, err := t.recordsSince(ctx, subscriptionID, t.now().UTC().Add(-burnRateWindow))
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range records {
		total += r.CostUSD
	}
	return total, nil
}

// ActiveBlock projects the credential's current block forward at the
// observed spend rate. Nil when no block is active.
func (t *Tracker) ActiveBlock(ctx context.Context, subscriptionID string) (*BlockInfo, error) {
	sub, err := t.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.CurrentBlockID == "" || sub.BlockStart == nil || sub.BlockEnd == nil {
		return nil, nil
	}
	now := t.now().UTC()
	if !now.Before(*sub.BlockEnd) {
		return nil, nil
	}

	elapsed := now.Sub(*sub.BlockStart).Minutes()
	info := &BlockInfo{
		BlockID:          sub.CurrentBlockID,
		BlockStart:       *sub.BlockStart,
		BlockEnd:         *sub.BlockEnd,
		CostUSD:          sub.CurrentBlockCost,
		RemainingMinutes: BlockLength.Minutes() - elapsed,
	}
	if elapsed > 0 {
		info.CostPerHour = 60 * sub.CurrentBlockCost / elapsed
		info.ProjectedCost = sub.CurrentBlockCost + info.CostPerHour*(BlockLength.Minutes()-elapsed)/60
	}
	return info, nil
}

// recordsSince loads every usage record for the subscription newer than
// cutoff. A linear scan, acceptable at the request rates a handful of
// local credentials can sustain.
func (t *Tracker) recordsSince(ctx context.Context, subscriptionID string, cutoff time.Time) ([]domain.UsageRecord, error) {
	prefix := storage.KeyUsagePrefix + subscriptionID + ":"
	keys, err := t.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("op=usage.records sub=%s: %w", subscriptionID, err)
	}
	var out []domain.UsageRecord
	for _, key := range keys {
		var rec domain.UsageRecord
		found, err := t.store.Get(ctx, key, &rec)
		if err != nil {
			return nil, fmt.Errorf("op=usage.records sub=%s: %w", subscriptionID, err)
		}
		if !found || rec.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordKey(subscriptionID string, ts time.Time) string {
	return storage.KeyUsagePrefix + subscriptionID + ":" + ts.Format(time.RFC3339Nano)
}
