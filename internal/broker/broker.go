// Package broker is the order and fill engine. It validates order intents,
// prices them against a reference price, runs the risk checks and applies
// the resulting fill atomically through the store.
//
// Orders on one account are serialised by a per-account lock held from the
// risk checks through the fill. The store additionally guards every fill
// with the account version, so a writer outside this process surfaces as a
// storage conflict, which is retried from the risk checks onward.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/execution"
	"github.com/papertrade/paper-engine/internal/instrument"
	"github.com/papertrade/paper-engine/internal/metrics"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/risk"
	"github.com/papertrade/paper-engine/internal/store"
)

// Config holds the engine parameters that are not part of the pricing
// model or the risk limits.
type Config struct {
	StartingCash       decimal.Decimal
	BaseCurrency       string
	PriceTimeout       time.Duration
	StoreTimeout       time.Duration
	MaxConflictRetries int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		StartingCash:       decimal.NewFromInt(10000),
		BaseCurrency:       "USD",
		PriceTimeout:       2 * time.Second,
		StoreTimeout:       5 * time.Second,
		MaxConflictRetries: 3,
	}
}

// Event types published to the Notifier.
const (
	EventOrderFilled   = "order_filled"
	EventOrderRejected = "order_rejected"
	EventOrderResting  = "order_resting"
	EventOrderCanceled = "order_canceled"
	EventAccountReset  = "account_reset"
)

// Event describes a ledger change for real-time subscribers.
type Event struct {
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	OrderID    string    `json:"order_id,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Side       string    `json:"side,omitempty"`
	Status     string    `json:"status,omitempty"`
	Price      string    `json:"price,omitempty"`
	Quantity   string    `json:"quantity,omitempty"`
	Fee        string    `json:"fee,omitempty"`
	Cash       string    `json:"cash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier receives ledger events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

// Option configures a Broker.
type Option func(*Broker)

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option { return func(b *Broker) { b.notifier = n } }

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// Broker executes paper orders. It is safe for concurrent use.
type Broker struct {
	store       store.Store
	prices      pricing.Gateway
	instruments *instrument.Registry
	model       *execution.Model
	limits      *risk.Limits
	cfg         Config
	locks       *accountLocks
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a broker. All collaborators are required.
func New(st store.Store, prices pricing.Gateway, instruments *instrument.Registry,
	m *execution.Model, limits *risk.Limits, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		store:       st,
		prices:      prices,
		instruments: instruments,
		model:       m,
		limits:      limits,
		cfg:         cfg,
		locks:       newAccountLocks(),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OrderRequest is an order intent. Exactly one of Quantity and Notional must
// be set; LimitPrice is required for limit orders and forbidden otherwise.
// An empty Type means market; an empty IdempotencyKey is generated.
type OrderRequest struct {
	AccountID      string           `json:"account_id"`
	Instrument     string           `json:"instrument"`
	Side           model.Side       `json:"side"`
	Type           model.OrderType  `json:"order_type"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	Notional       *decimal.Decimal `json:"notional,omitempty"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// --- Accounts ---

// GetOrCreateAccount returns the user's account, seeding new accounts with
// the configured starting cash.
func (b *Broker) GetOrCreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, model.Reject(model.KindInvalidOrderSpec, "user id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()

	a, err := b.store.GetOrCreateAccount(ctx, userID, b.cfg.StartingCash, b.cfg.BaseCurrency)
	if err != nil {
		return nil, classify(err, "get account")
	}
	return a, nil
}

// ResetAccount restores the account to its starting cash, optionally
// replacing the starting cash first, and clears positions, orders and fills.
func (b *Broker) ResetAccount(ctx context.Context, accountID string, startingCash *decimal.Decimal) (*model.Account, error) {
	if startingCash != nil && !startingCash.IsPositive() {
		return nil, model.Reject(model.KindInvalidOrderSpec, "starting cash must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()

	release, err := b.locks.acquire(ctx, accountID)
	if err != nil {
		return nil, classify(err, "account lock")
	}
	defer release()

	a, err := b.store.ResetAccount(ctx, accountID, startingCash)
	if err != nil {
		return nil, classify(err, "reset account")
	}

	b.logger.Info("account reset",
		"account_id", a.ID,
		"user", a.UserID,
		"starting_cash", a.StartingCash.String(),
	)
	b.publish(Event{
		Type:      EventAccountReset,
		AccountID: a.ID,
		Cash:      a.CashBalance.String(),
		Timestamp: b.now(),
	})
	return a, nil
}

// --- Orders ---

// SubmitOrder validates, prices, risk-checks and executes an order.
//
// Structural problems (invalid_order_spec) and reused idempotency keys are
// returned as errors with a nil result; nothing is persisted. Every other
// order is persisted first. When it is then rejected, the result carries
// status rejected with the kind and reason, and the same *model.LedgerError
// is returned as the error. A limit order that does not cross rests with
// status created and a nil error.
func (b *Broker) SubmitOrder(ctx context.Context, req OrderRequest) (*model.OrderResult, error) {
	start := time.Now()
	defer func() {
		metrics.OrderLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	}()

	order, err := b.validate(req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(string(model.KindOf(err))).Inc()
		return nil, err
	}

	if err := b.persistOrder(ctx, order); err != nil {
		metrics.OrderRejections.WithLabelValues(string(model.KindOf(err))).Inc()
		return nil, err
	}

	// Reference price, bounded by the price timeout.
	ref, err := b.referencePrice(ctx, order.Instrument)
	if err != nil {
		return b.reject(ctx, order, err)
	}

	// Minimum size is evaluated at the reference price.
	if err := b.limits.CheckMinimum(execution.TradeValue(ref, order.Quantity, order.Notional)); err != nil {
		return b.reject(ctx, order, err)
	}

	if order.Type == model.OrderTypeLimit && !execution.Crossed(order.Side, ref, *order.LimitPrice) {
		return b.rest(order, ref), nil
	}

	fill, acct, err := b.execute(ctx, order.ID, ref)
	if errors.Is(err, errOrderGone) {
		// Canceled, or filled by a concurrent evaluation, between
		// persistence and execution.
		return b.current(ctx, order.ID)
	}
	if err != nil {
		return b.reject(ctx, order, err)
	}
	return b.filled(order, fill, acct), nil
}

// CancelOrder cancels a created or partial order owned by accountID.
func (b *Broker) CancelOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()

	release, err := b.locks.acquire(ctx, accountID)
	if err != nil {
		return nil, classify(err, "account lock")
	}
	defer release()

	o, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, classify(err, "get order")
	}
	// Other accounts' orders are reported as missing.
	if o.AccountID != accountID {
		return nil, model.Reject(model.KindOrderNotFound, "order %s not found", orderID)
	}
	if !o.Status.Cancelable() {
		return nil, model.Reject(model.KindOrderNotCancelable, "order %s is %s", orderID, o.Status)
	}

	if err := b.store.TransitionOrder(ctx, orderID, o.Status, model.OrderStatusCanceled, ""); err != nil {
		if errors.Is(err, model.ErrStorageConflict) {
			return nil, model.Reject(model.KindOrderNotCancelable, "order %s changed state", orderID)
		}
		return nil, classify(err, "cancel order")
	}
	o.Status = model.OrderStatusCanceled
	o.UpdatedAt = b.now()

	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	b.logger.Info("order canceled",
		"order_id", o.ID,
		"account_id", o.AccountID,
		"instrument", o.Instrument,
		"side", string(o.Side),
	)
	b.publish(Event{
		Type:       EventOrderCanceled,
		AccountID:  o.AccountID,
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Status:     string(o.Status),
		Timestamp:  o.UpdatedAt,
	})
	return o, nil
}

// EvaluateRestingOrders re-prices every resting limit order of the account,
// oldest first, and fills those that now cross. A risk failure rejects that
// order only. Orders whose price is unavailable keep resting. The results
// cover orders that changed state.
func (b *Broker) EvaluateRestingOrders(ctx context.Context, accountID string) ([]model.OrderResult, error) {
	lctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	resting, err := b.store.ListOrders(lctx, accountID, model.OrderStatusCreated, 0)
	cancel()
	if err != nil {
		return nil, classify(err, "list orders")
	}

	results := []model.OrderResult{}
	for i := len(resting) - 1; i >= 0; i-- {
		o := resting[i]
		if o.Type != model.OrderTypeLimit || o.LimitPrice == nil {
			continue
		}

		ref, err := b.referencePrice(ctx, o.Instrument)
		if err != nil {
			b.logger.Warn("resting order not evaluated",
				"order_id", o.ID,
				"instrument", o.Instrument,
				"err", err,
			)
			continue
		}
		if !execution.Crossed(o.Side, ref, *o.LimitPrice) {
			continue
		}

		fill, acct, err := b.execute(ctx, o.ID, ref)
		if errors.Is(err, errOrderGone) {
			continue
		}
		if err != nil {
			if res, _ := b.reject(ctx, &o, err); res != nil {
				results = append(results, *res)
			}
			continue
		}
		results = append(results, *b.filled(&o, fill, acct))
	}
	return results, nil
}

// --- Internals ---

// errOrderGone reports that an order left the created state while it was
// being executed (for example canceled concurrently).
var errOrderGone = errors.New("broker: order no longer open")

func (b *Broker) validate(req OrderRequest) (*model.Order, error) {
	if req.AccountID == "" {
		return nil, model.Reject(model.KindInvalidOrderSpec, "account id is required")
	}
	inst, err := b.instruments.Resolve(req.Instrument)
	if err != nil {
		return nil, model.Reject(model.KindInvalidOrderSpec, "%v", err)
	}
	if !req.Side.Valid() {
		return nil, model.Reject(model.KindInvalidOrderSpec, "side must be buy or sell, got %q", req.Side)
	}
	if req.Type == "" {
		req.Type = model.OrderTypeMarket
	}
	if !req.Type.Valid() {
		return nil, model.Reject(model.KindInvalidOrderSpec, "order_type must be market or limit, got %q", req.Type)
	}
	if (req.Quantity == nil) == (req.Notional == nil) {
		return nil, model.Reject(model.KindInvalidOrderSpec, "exactly one of quantity and notional is required")
	}
	if req.Quantity != nil && !req.Quantity.IsPositive() {
		return nil, model.Reject(model.KindInvalidOrderSpec, "quantity must be positive")
	}
	if req.Notional != nil && !req.Notional.IsPositive() {
		return nil, model.Reject(model.KindInvalidOrderSpec, "notional must be positive")
	}
	switch req.Type {
	case model.OrderTypeLimit:
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return nil, model.Reject(model.KindInvalidOrderSpec, "limit orders require a positive limit_price")
		}
	case model.OrderTypeMarket:
		if req.LimitPrice != nil {
			return nil, model.Reject(model.KindInvalidOrderSpec, "market orders do not take a limit_price")
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	now := b.now()
	return &model.Order{
		ID:             uuid.New().String(),
		AccountID:      req.AccountID,
		Instrument:     inst,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Notional:       req.Notional,
		LimitPrice:     req.LimitPrice,
		Status:         model.OrderStatusCreated,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (b *Broker) persistOrder(ctx context.Context, o *model.Order) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()

	if _, err := b.store.GetAccount(ctx, o.AccountID); err != nil {
		return classify(err, "get account")
	}
	if err := b.store.InsertOrder(ctx, o); err != nil {
		return classify(err, "insert order")
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	return nil
}

func (b *Broker) referencePrice(ctx context.Context, inst string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PriceTimeout)
	defer cancel()

	p, err := b.prices.LatestPrice(ctx, inst)
	if err != nil {
		return decimal.Zero, classify(err, "price fetch for "+inst)
	}
	if !p.IsPositive() {
		return decimal.Zero, model.Reject(model.KindPriceUnavailable, "non-positive price %s for %s", p, inst)
	}
	return p, nil
}

// execute runs the locked risk-check-through-apply phase, retrying on
// storage conflicts. The order is re-read on every attempt.
func (b *Broker) execute(ctx context.Context, orderID string, ref decimal.Decimal) (*model.Fill, *model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()

	o, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, classify(err, "get order")
	}

	release, err := b.locks.acquire(ctx, o.AccountID)
	if err != nil {
		return nil, nil, classify(err, "account lock")
	}
	defer release()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if o, err = b.store.GetOrder(ctx, orderID); err != nil {
				return nil, nil, classify(err, "get order")
			}
		}
		if o.Status != model.OrderStatusCreated {
			return nil, nil, errOrderGone
		}

		app, err := b.prepare(ctx, o, ref)
		if err != nil {
			return nil, nil, err
		}

		acct, err := b.store.ApplyFill(ctx, app)
		if err == nil {
			return &app.Fill, acct, nil
		}
		if !errors.Is(err, model.ErrStorageConflict) {
			return nil, nil, classify(err, "apply fill")
		}

		metrics.StorageConflicts.Inc()
		if attempt >= b.cfg.MaxConflictRetries {
			return nil, nil, err
		}
		b.logger.Warn("storage conflict, retrying",
			"order_id", o.ID,
			"account_id", o.AccountID,
			"attempt", attempt+1,
		)
	}
}

// prepare reads fresh account state, runs the risk checks and builds the
// fill application.
func (b *Broker) prepare(ctx context.Context, o *model.Order, ref decimal.Decimal) (*store.FillApplication, error) {
	acct, err := b.store.GetAccount(ctx, o.AccountID)
	if err != nil {
		return nil, classify(err, "get account")
	}
	pos, err := b.store.GetPosition(ctx, o.AccountID, o.Instrument)
	if err != nil {
		return nil, classify(err, "get position")
	}

	q, err := b.model.Quote(execution.QuoteRequest{
		Side:           o.Side,
		Type:           o.Type,
		ReferencePrice: ref,
		Quantity:       o.Quantity,
		Notional:       o.Notional,
		LimitPrice:     o.LimitPrice,
	})
	if err != nil {
		return nil, model.Reject(model.KindInvalidOrderSpec, "%v", err)
	}

	now := b.now()
	app := &store.FillApplication{
		ExpectedVersion: acct.Version,
		CashDelta:       q.CashDelta,
		OrderFrom:       o.Status,
		Fill: model.Fill{
			ID:         uuid.New().String(),
			OrderID:    o.ID,
			AccountID:  o.AccountID,
			Instrument: o.Instrument,
			Side:       o.Side,
			Price:      q.ExecutionPrice,
			Quantity:   q.Quantity,
			Fee:        q.Fee,
			FilledAt:   now,
		},
	}

	switch o.Side {
	case model.SideBuy:
		positions, err := b.store.ListPositions(ctx, o.AccountID)
		if err != nil {
			return nil, classify(err, "list positions")
		}
		existing, portfolio := risk.Exposure(acct.CashBalance, positions, o.Instrument, ref)
		if err := b.limits.CheckBuy(risk.BuyCheck{
			Instrument:     o.Instrument,
			Cash:           acct.CashBalance,
			Cost:           q.Cost(),
			ExistingValue:  existing,
			PortfolioValue: portfolio,
			TradeValue:     q.Notional,
		}); err != nil {
			return nil, err
		}
		app.Position = model.ApplyBuy(pos, o.AccountID, o.Instrument, q.Quantity, q.ExecutionPrice, now)

	case model.SideSell:
		held := decimal.Zero
		if pos != nil {
			held = pos.Quantity
		}
		if err := b.limits.CheckSell(o.Instrument, held, q.Quantity); err != nil {
			return nil, err
		}
		next, open, err := model.ApplySell(pos, q.Quantity, now)
		if err != nil {
			return nil, err
		}
		app.Position = next
		app.Flat = !open
	}
	return app, nil
}

func (b *Broker) rest(o *model.Order, ref decimal.Decimal) *model.OrderResult {
	b.logger.Info("order resting",
		"order_id", o.ID,
		"account_id", o.AccountID,
		"instrument", o.Instrument,
		"side", string(o.Side),
		"limit_price", o.LimitPrice.String(),
		"reference_price", ref.String(),
	)
	b.publish(Event{
		Type:       EventOrderResting,
		AccountID:  o.AccountID,
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Status:     string(model.OrderStatusCreated),
		Price:      o.LimitPrice.String(),
		Timestamp:  b.now(),
	})
	return &model.OrderResult{OrderID: o.ID, Status: model.OrderStatusCreated, Fills: []model.Fill{}}
}

func (b *Broker) filled(o *model.Order, f *model.Fill, acct *model.Account) *model.OrderResult {
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(model.OrderStatusFilled)).Inc()
	metrics.FillNotional.WithLabelValues(f.Instrument, string(f.Side)).Add(f.Notional().InexactFloat64())

	b.logger.Info("order filled",
		"order_id", o.ID,
		"account_id", o.AccountID,
		"instrument", o.Instrument,
		"side", string(o.Side),
		"qty", f.Quantity.String(),
		"price", f.Price.String(),
		"fee", f.Fee.String(),
		"cash", acct.CashBalance.String(),
	)
	b.publish(Event{
		Type:       EventOrderFilled,
		AccountID:  o.AccountID,
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Status:     string(model.OrderStatusFilled),
		Price:      f.Price.String(),
		Quantity:   f.Quantity.String(),
		Fee:        f.Fee.String(),
		Cash:       acct.CashBalance.String(),
		Timestamp:  f.FilledAt,
	})
	return &model.OrderResult{OrderID: o.ID, Status: model.OrderStatusFilled, Fills: []model.Fill{*f}}
}

// reject moves a persisted order to rejected. The status write uses a
// context detached from the caller so that an expired request deadline
// still leaves the order terminal. When the order has already left
// created, its stored state is returned instead.
func (b *Broker) reject(ctx context.Context, o *model.Order, cause error) (*model.OrderResult, error) {
	kind := model.KindOf(cause)
	reason := model.ReasonOf(cause)
	if kind == "" {
		reason = "internal error"
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.StoreTimeout)
	defer cancel()
	if err := b.store.TransitionOrder(wctx, o.ID, model.OrderStatusCreated, model.OrderStatusRejected, reason); err != nil {
		if errors.Is(err, model.ErrStorageConflict) {
			// The order already left created, e.g. a fill that committed
			// before its acknowledgement was lost. Report what was stored.
			b.logger.Warn("order settled before rejection",
				"order_id", o.ID,
				"kind", string(kind),
				"err", err,
			)
			return b.current(ctx, o.ID)
		}
		b.logger.Error("failed to record rejection",
			"order_id", o.ID,
			"err", err,
		)
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(model.OrderStatusRejected)).Inc()
	metrics.OrderRejections.WithLabelValues(string(kind)).Inc()
	b.logger.Info("order rejected",
		"order_id", o.ID,
		"account_id", o.AccountID,
		"instrument", o.Instrument,
		"side", string(o.Side),
		"kind", string(kind),
		"reason", reason,
	)
	b.publish(Event{
		Type:       EventOrderRejected,
		AccountID:  o.AccountID,
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Status:     string(model.OrderStatusRejected),
		Reason:     reason,
		Timestamp:  b.now(),
	})

	return &model.OrderResult{
		OrderID:      o.ID,
		Status:       model.OrderStatusRejected,
		Fills:        []model.Fill{},
		RejectKind:   kind,
		RejectReason: reason,
	}, cause
}

// current reports an order's stored state as a result.
func (b *Broker) current(ctx context.Context, orderID string) (*model.OrderResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.StoreTimeout)
	defer cancel()

	o, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, classify(err, "get order")
	}
	res := &model.OrderResult{OrderID: o.ID, Status: o.Status, Fills: []model.Fill{}, RejectReason: o.RejectReason}
	if o.Status != model.OrderStatusFilled {
		return res, nil
	}
	fills, err := b.store.ListFills(ctx, o.AccountID, 0)
	if err != nil {
		return nil, classify(err, "list fills")
	}
	for _, f := range fills {
		if f.OrderID == o.ID {
			res.Fills = append(res.Fills, f)
		}
	}
	return res, nil
}

func (b *Broker) publish(e Event) {
	if b.notifier != nil {
		b.notifier.Publish(e)
	}
}

// classify maps collaborator failures onto ledger error kinds. Ledger errors
// pass through; deadline and cancellation become timeouts; a missing price
// becomes price_unavailable. Anything else is wrapped unchanged.
func classify(err error, op string) error {
	var le *model.LedgerError
	switch {
	case errors.As(err, &le):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.Reject(model.KindTimeout, "%s timed out", op)
	case errors.Is(err, pricing.ErrPriceUnavailable):
		return model.Reject(model.KindPriceUnavailable, "%v", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
