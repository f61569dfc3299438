// Package exchange ties the market components of one world together. A
// World is an explicit context object: several worlds can live side by side
// in one process without sharing any state.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gexchange/config"
	"gexchange/internal/account"
	"gexchange/internal/buyorder"
	"gexchange/internal/collection"
	"gexchange/internal/expiry"
	"gexchange/internal/ledger"
	"gexchange/internal/pricehistory"
	"gexchange/internal/ratelimit"
	"gexchange/internal/selloffer"
	"gexchange/logger"
	"gexchange/models"
)

// EventSink receives the events produced by a world. Implementations must
// not block.
type EventSink interface {
	SendSale(models.SaleEvent) bool
	SendExpiry(models.ExpiryEvent) bool
}

// World is the marketplace of one game world.
type World struct {
	name string
	dir  account.Directory
	now  func() time.Time
	log  *logger.Entry

	ledger    *ledger.Ledger
	history   *pricehistory.History
	boxes     *collection.Registry
	limiter   *ratelimit.Service
	sell      *selloffer.Workflow
	buy       *buyorder.Workflow
	scheduler *expiry.Scheduler

	mu           sync.RWMutex
	market       config.MarketConfig
	fee          decimal.Decimal
	pageSize     int
	sink         EventSink
	stats        counters
	creditToBank bool
}

// NewWorld builds a world from the market section of cfg, with the world
// specific overrides of wc applied.
func NewWorld(wc config.WorldConfig, cfg *config.Config, dir account.Directory) (*World, error) {
	market := wc.Market(cfg.Market)
	fee, err := market.Fee()
	if err != nil {
		return nil, fmt.Errorf("world %s: invalid fee rate: %w", wc.Name, err)
	}

	w := &World{
		name:         wc.Name,
		dir:          dir,
		now:          time.Now,
		log:          logger.GetLogger().WithComponent("exchange").WithFields(logger.Fields{"world": wc.Name}),
		ledger:       ledger.New(),
		history:      pricehistory.New(market.HistoryLimit),
		boxes:        collection.NewRegistry(),
		market:       market,
		fee:          fee,
		pageSize:     cfg.Collection.PageSize,
		creditToBank: market.SellerCredit != config.SellerCreditCollection,
	}
	w.limiter = ratelimit.NewService(map[ratelimit.Action]time.Duration{
		ratelimit.ActionCreate: cfg.RateLimit.CreateCooldown,
		ratelimit.ActionToggle: cfg.RateLimit.ToggleCooldown,
	})
	w.sell = selloffer.New(w.ledger, w.limiter, sellLimits(market))
	w.buy = buyorder.New(w.limiter, buyLimits(market))
	w.scheduler = expiry.New(wc.Name, w.ledger, w.boxes, cfg.Scheduler.CleanupInterval, cfg.Collection.ReturnExpired, w.clock, w.onExpire)

	w.log.WithFields(logger.Fields{
		"sell_slots": market.SellSlots,
		"buy_slots":  market.BuySlots,
		"max_active": market.MaxActive,
		"fee_rate":   fee.String(),
	}).Info("world initialized")
	return w, nil
}

func sellLimits(m config.MarketConfig) selloffer.Limits {
	return selloffer.Limits{
		Slots:     m.SellSlots,
		MaxActive: m.MaxActive,
		MinPrice:  m.MinPrice,
		MaxPrice:  m.MaxPrice,
		Lifetime:  m.ListingLifetime,
	}
}

func buyLimits(m config.MarketConfig) buyorder.Limits {
	return buyorder.Limits{
		Slots:       m.BuySlots,
		MinPrice:    m.MinPrice,
		MaxPrice:    m.MaxPrice,
		MaxQuantity: m.MaxOrderQuantity,
	}
}

func (w *World) Name() string { return w.name }

// SetClock replaces the time source, for tests and replays.
func (w *World) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

func (w *World) clock() time.Time {
	w.mu.RLock()
	now := w.now
	w.mu.RUnlock()
	return now()
}

// SetSink attaches the event sink. A nil sink drops events.
func (w *World) SetSink(s EventSink) {
	w.mu.Lock()
	w.sink = s
	w.mu.Unlock()
}

func (w *World) eventSink() EventSink {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sink
}

// Start launches the expiration scheduler.
func (w *World) Start(ctx context.Context) error {
	return w.scheduler.Start(ctx)
}

// Stop halts the expiration scheduler.
func (w *World) Stop() {
	w.scheduler.Stop()
}

// SweepExpired runs one expiration sweep immediately.
func (w *World) SweepExpired() []models.ExpiryEvent {
	return w.scheduler.Sweep(w.clock())
}

func (w *World) onExpire(ev models.ExpiryEvent) {
	w.stats.expired.Add(1)
	if ev.Discarded {
		w.stats.discarded.Add(1)
	}
	if s := w.eventSink(); s != nil {
		s.SendExpiry(ev)
	}
}

// Market returns the active market configuration.
func (w *World) Market() config.MarketConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.market
}

// ApplyMarketConfig swaps the trading limits. Lowering a slot count while a
// slot beyond the new count is in use fails with ErrSlotsOccupied and leaves
// the previous limits in place.
func (w *World) ApplyMarketConfig(m config.MarketConfig) error {
	fee, err := m.Fee()
	if err != nil {
		return fmt.Errorf("%w: fee rate %q", models.ErrInvalidParameters, m.FeeRate)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	prevBuy := w.buy.Limits()
	if err := w.buy.SetLimits(buyLimits(m)); err != nil {
		return err
	}
	if err := w.sell.SetLimits(sellLimits(m)); err != nil {
		if rerr := w.buy.SetLimits(prevBuy); rerr != nil {
			w.log.WithError(rerr).Error("failed to restore buy order limits")
		}
		return err
	}
	w.market = m
	w.fee = fee
	w.creditToBank = m.SellerCredit != config.SellerCreditCollection
	w.log.WithFields(logger.Fields{"sell_slots": m.SellSlots, "buy_slots": m.BuySlots}).Info("market configuration applied")
	return nil
}

// Ledger, History, Boxes, SellOffers and BuyOrders expose the components for
// persistence and reporting.
func (w *World) Ledger() *ledger.Ledger          { return w.ledger }
func (w *World) History() *pricehistory.History  { return w.history }
func (w *World) Boxes() *collection.Registry     { return w.boxes }
func (w *World) SellOffers() *selloffer.Workflow { return w.sell }
func (w *World) BuyOrders() *buyorder.Workflow   { return w.buy }
func (w *World) RateLimits() *ratelimit.Service  { return w.limiter }
func (w *World) Scheduler() *expiry.Scheduler    { return w.scheduler }
func (w *World) Directory() account.Directory    { return w.dir }

// Players lists every player with market state in this world.
func (w *World) Players() []string {
	set := make(map[string]struct{})
	for _, p := range w.sell.Players() {
		set[p] = struct{}{}
	}
	for _, p := range w.buy.Players() {
		set[p] = struct{}{}
	}
	for _, p := range w.boxes.Players() {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// QueryActive searches the purchasable listings.
func (w *World) QueryActive(f ledger.Filter, order ledger.SortOrder, p ledger.Page) ledger.Result {
	return w.ledger.QueryActive(f, order, p, w.clock())
}

// Listing returns one listing by ID.
func (w *World) Listing(id int64) (models.Listing, bool) {
	return w.ledger.Get(id)
}

// PriceGuide summarises the recorded sale prices of one item.
type PriceGuide struct {
	ItemKind string    `json:"item_kind"`
	Samples  int       `json:"samples"`
	Latest   int64     `json:"latest"`
	Average  int64     `json:"average"`
	Low      int64     `json:"low"`
	High     int64     `json:"high"`
	LastSale time.Time `json:"last_sale"`
}

// PriceGuide returns the price summary of kind and false when it never sold.
func (w *World) PriceGuide(kind string) (PriceGuide, bool) {
	latest, ok := w.history.Latest(kind)
	if !ok {
		return PriceGuide{ItemKind: kind}, false
	}
	avg, _ := w.history.Average(kind)
	low, high, _ := w.history.Range(kind)
	return PriceGuide{
		ItemKind: kind,
		Samples:  len(w.history.Entries(kind)),
		Latest:   latest.Price,
		Average:  avg,
		Low:      low,
		High:     high,
		LastSale: latest.Timestamp,
	}, true
}

// Sell offer transitions.

func (w *World) StageItem(player, kind, category string, quantity int64) (int, error) {
	return w.sell.StageItem(player, w.dir.Inventory(player), kind, category, quantity)
}

func (w *World) UnstageItem(player string, index int) error {
	return w.sell.Unstage(player, w.dir.Inventory(player), index)
}

func (w *World) DraftSellOffer(player string, stagingIndex int, pricePerUnit int64) (models.SellOffer, error) {
	return w.sell.StageDraft(player, stagingIndex, pricePerUnit, w.clock())
}

func (w *World) EnableSellOffer(player string, slot int) (models.SellOffer, error) {
	return w.sell.Enable(player, slot, w.clock())
}

func (w *World) DisableSellOffer(player string, slot int) (models.SellOffer, error) {
	return w.sell.Disable(player, slot, w.clock())
}

func (w *World) CancelSellOffer(player string, slot int) (models.SellOffer, error) {
	return w.sell.Cancel(player, w.dir.Inventory(player), slot)
}

func (w *World) SellOffersOf(player string) []models.SellOffer {
	return w.sell.Offers(player)
}

// Buy order transitions.

func (w *World) CreateBuyOrder(player string, slot int, kind string, quantity, pricePerUnit int64) (models.BuyOrder, error) {
	return w.buy.Create(player, slot, kind, quantity, pricePerUnit, w.clock())
}

func (w *World) EnableBuyOrder(player string, slot int) (models.BuyOrder, error) {
	return w.buy.Enable(player, w.dir.Bank(player), slot, w.clock())
}

func (w *World) DisableBuyOrder(player string, slot int) (models.BuyOrder, error) {
	return w.buy.Disable(player, w.dir.Bank(player), slot)
}

func (w *World) CancelBuyOrder(player string, slot int) (models.BuyOrder, error) {
	return w.buy.Cancel(player, w.dir.Bank(player), slot)
}

func (w *World) BuyOrdersOf(player string) ([]models.BuyOrder, error) {
	return w.buy.Orders(player)
}
