// Package matching clears a single epoch's order book in one shot: sort
// both sides by price/time priority, walk the crossing pairs, and price
// every match at the buy/sell midpoint. It replaces continuous maker/
// taker matching with periodic batch clearing — there is no resting
// order book between epochs, only the orders still active when an epoch
// closes.
package matching

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/decimalutil"
	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/storage"
)

// SettlementEmitter is handed the matches produced by a cleared epoch so
// the settlement pipeline can create pending settlements for them
type SettlementEmitter interface {
	EmitMatches(ctx context.Context, epoch *domain.Epoch, matches []*domain.OrderMatch) error
}

// MatchPublisher notifies event subscribers when a match is made. Optional:
// a nil publisher simply means nobody is listening for match events.
type MatchPublisher interface {
	PublishOrderMatched(buyerID, sellerID string, zoneID int, payload interface{})
}

// Engine clears epochs. It never runs two clears of the same epoch
// concurrently; the scheduler only invokes ClearEpoch once per close.
type Engine struct {
	orders     storage.OrderStore
	epochs     storage.EpochStore
	matches    storage.MatchStore
	settlement SettlementEmitter
	publisher  MatchPublisher
	logger     *logrus.Logger
}

// NewEngine constructs the matching engine
func NewEngine(orders storage.OrderStore, epochs storage.EpochStore, matches storage.MatchStore, settlement SettlementEmitter, logger *logrus.Logger) *Engine {
	return &Engine{orders: orders, epochs: epochs, matches: matches, settlement: settlement, logger: logger}
}

// SetPublisher wires an optional match-event publisher after construction
func (e *Engine) SetPublisher(publisher MatchPublisher) {
	e.publisher = publisher
}

// ClearEpoch loads every active order of epochID, matches crossing pairs
// by price/time priority, persists the resulting matches and updated
// order states, expires any remainder (cancel-remainder-at-close),
// persists the epoch's order counts, volume and clearing price, and
// hands the matches to the settlement pipeline
func (e *Engine) ClearEpoch(ctx context.Context, epochID string) error {
	id, err := uuid.Parse(epochID)
	if err != nil {
		return domain.WrapError(domain.ErrValidation, "invalid epoch id", err)
	}

	epoch, err := e.epochs.GetEpoch(ctx, id)
	if err != nil {
		return err
	}

	orders, err := e.orders.GetActiveOrdersByEpoch(ctx, id)
	if err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to load epoch orders", err)
	}

	bids, asks := splitSides(orders)
	sortPriority(bids, true)
	sortPriority(asks, false)

	matches := e.cross(epoch, bids, asks)

	for _, o := range append(bids, asks...) {
		if o.Status == domain.OrderStatusActive || o.Status == domain.OrderStatusPartiallyFilled {
			o.Expire()
		}
		if err := e.orders.UpdateOrder(ctx, o); err != nil {
			return domain.WrapError(domain.ErrInternal, "failed to persist order after clearing", err)
		}
	}

	if len(matches) > 0 {
		if err := e.matches.CreateMatches(ctx, matches); err != nil {
			return domain.WrapError(domain.ErrInternal, "failed to persist matches", err)
		}
		e.publishMatches(orders, matches)
	}

	epoch.TotalOrders = len(orders)
	epoch.MatchedOrders = len(matches)
	epoch.TotalVolume = totalVolume(matches)
	if price := clearingPrice(matches, epoch.TotalVolume); price != nil {
		epoch.ClearingPrice = price
	}
	if err := e.epochs.UpdateEpoch(ctx, epoch); err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to persist epoch clearing result", err)
	}

	e.logger.WithFields(logrus.Fields{
		"epoch_number":   epoch.EpochNumber,
		"total_orders":   epoch.TotalOrders,
		"matched_orders": epoch.MatchedOrders,
		"total_volume":   epoch.TotalVolume.String(),
	}).Info("epoch matched")

	if e.settlement != nil && len(matches) > 0 {
		if err := e.settlement.EmitMatches(ctx, epoch, matches); err != nil {
			return domain.WrapError(domain.ErrInternal, "failed to emit settlements", err)
		}
	}

	return nil
}

// publishMatches notifies both parties of each match, if a publisher is wired
func (e *Engine) publishMatches(orders []*domain.Order, matches []*domain.OrderMatch) {
	if e.publisher == nil {
		return
	}
	byID := make(map[uuid.UUID]*domain.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	for _, m := range matches {
		buy, sell := byID[m.BuyOrderID], byID[m.SellOrderID]
		if buy == nil || sell == nil {
			continue
		}
		e.publisher.PublishOrderMatched(buy.UserID, sell.UserID, buy.ZoneID, m)
	}
}

func splitSides(orders []*domain.Order) (bids, asks []*domain.Order) {
	for _, o := range orders {
		if o.Side == domain.OrderSideBuy {
			bids = append(bids, o)
		} else {
			asks = append(asks, o)
		}
	}
	return
}

// sortPriority orders by price priority (best price first) then by
// created_at ascending, then by order ID ascending as the deterministic
// tie-break
func sortPriority(orders []*domain.Order, descending bool) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.PricePerKwh.Equal(b.PricePerKwh) {
			if descending {
				return a.PricePerKwh.GreaterThan(b.PricePerKwh)
			}
			return a.PricePerKwh.LessThan(b.PricePerKwh)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// cross walks the sorted bid and ask queues, matching while the best bid
// price is still at or above the best ask price. Each match consumes the
// smaller of the two remaining amounts and is priced at the midpoint of
// the two orders' limit prices, rounded half-to-even to scale 8.
func (e *Engine) cross(epoch *domain.Epoch, bids, asks []*domain.Order) []*domain.OrderMatch {
	var out []*domain.OrderMatch
	i, j := 0, 0
	now := time.Now().UTC()

	for i < len(bids) && j < len(asks) {
		bid, ask := bids[i], asks[j]

		if bid.GetRemainingAmount().IsZero() {
			i++
			continue
		}
		if ask.GetRemainingAmount().IsZero() {
			j++
			continue
		}
		if !bid.CanCrossWith(ask) {
			break
		}

		amount := decimal.Min(bid.GetRemainingAmount(), ask.GetRemainingAmount())
		price := decimalutil.RoundBank8(bid.PricePerKwh.Add(ask.PricePerKwh).Div(decimal.NewFromInt(2)))

		bid.ApplyFill(amount)
		ask.ApplyFill(amount)

		match := &domain.OrderMatch{
			ID:            uuid.New(),
			EpochID:       epoch.ID,
			BuyOrderID:    bid.ID,
			SellOrderID:   ask.ID,
			MatchedAmount: amount,
			MatchPrice:    price,
			MatchTime:     now,
			Status:        domain.OrderMatchStatusPending,
		}
		out = append(out, match)

		e.logger.WithFields(logrus.Fields{
			"epoch_number": epoch.EpochNumber,
			"buy_order":    bid.ID,
			"sell_order":   ask.ID,
			"amount":       amount.String(),
			"price":        price.String(),
		}).Info("orders matched")

		if bid.GetRemainingAmount().IsZero() {
			i++
		}
		if ask.GetRemainingAmount().IsZero() {
			j++
		}
	}

	return out
}

func totalVolume(matches []*domain.OrderMatch) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.MatchedAmount)
	}
	return total
}

// clearingPrice is the volume-weighted average of the epoch's match
// prices, the single summary figure reported for the epoch
func clearingPrice(matches []*domain.OrderMatch, volume decimal.Decimal) *decimal.Decimal {
	if len(matches) == 0 || volume.IsZero() {
		return nil
	}
	weighted := decimal.Zero
	for _, m := range matches {
		weighted = weighted.Add(m.MatchPrice.Mul(m.MatchedAmount))
	}
	price := decimalutil.RoundBank8(weighted.Div(volume))
	return &price
}
