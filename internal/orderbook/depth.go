package orderbook

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"energy-exchange-core/internal/domain"
)

// Level is one aggregated price point in a depth snapshot
type Level struct {
	Price     decimal.Decimal `json:"price"`
	KwhAmount decimal.Decimal `json:"kwh_amount"`
	Orders    int             `json:"orders"`
}

// Snapshot is the read-side depth projection for a single epoch's book
type Snapshot struct {
	EpochID   uuid.UUID `json:"epoch_id"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// Depth aggregates the active orders of an epoch into price levels, bids
// sorted highest-first and asks lowest-first. depth <= 0 means unbounded.
func (s *Store) Depth(ctx context.Context, epochID uuid.UUID, depth int) (*Snapshot, error) {
	orders, err := s.orders.GetActiveOrdersByEpoch(ctx, epochID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInternal, "failed to load active orders", err)
	}

	bidLevels := map[string]*Level{}
	askLevels := map[string]*Level{}

	for _, o := range orders {
		remaining := o.GetRemainingAmount()
		if !remaining.IsPositive() {
			continue
		}
		key := o.PricePerKwh.String()
		levels := askLevels
		if o.Side == domain.OrderSideBuy {
			levels = bidLevels
		}
		lvl, ok := levels[key]
		if !ok {
			lvl = &Level{Price: o.PricePerKwh}
			levels[key] = lvl
		}
		lvl.KwhAmount = lvl.KwhAmount.Add(remaining)
		lvl.Orders++
	}

	bids := flattenLevels(bidLevels)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })

	asks := flattenLevels(askLevels)
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}

	return &Snapshot{
		EpochID:   epochID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}, nil
}

func flattenLevels(m map[string]*Level) []Level {
	out := make([]Level, 0, len(m))
	for _, lvl := range m {
		out = append(out, *lvl)
	}
	return out
}
