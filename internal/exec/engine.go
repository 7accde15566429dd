package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/exchange"
	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/metrics"
	"github.com/quantfall/gatekeeper/internal/model"
	"github.com/quantfall/gatekeeper/internal/portfolio"
	"github.com/quantfall/gatekeeper/internal/risk"
)

// ErrDuplicateExecution is returned when an execution is already working
// the same symbol and side and the intent did not allow stacking.
var ErrDuplicateExecution = errors.New("execution already working symbol and side")

// ErrNotApproved is returned for submissions without a live approval.
var ErrNotApproved = errors.New("intent not approved")

// QuoteSource is the slice of the market aggregator the engine needs.
type QuoteSource interface {
	GetSnapshot(symbol string) (market.Snapshot, error)
}

// algorithm is the closed set of execution styles. Implementations live
// in this package only; selection happens in chooseAlgorithm.
type algorithm interface {
	name() string
	run(ctx context.Context, e *Engine, ex *execution)
}

// execution is the engine's internal state for one working parent order.
type execution struct {
	id      string
	intent  model.TradeIntent
	verdict risk.Verdict

	algorithm  string
	side       string // "buy" or "sell"
	targetSize float64
	refPrice   float64
	refSpread  float64 // spread bps at submission, for material-change detection
	deadline   time.Time

	ctx   context.Context
	abort context.CancelFunc

	mu           sync.Mutex
	children     []*ChildOrder
	filledSize   float64
	fillNotional float64
	reprices     int
	state        State
	reason       string
	updatedAt    time.Time

	handle *Handle
}

func (ex *execution) progress() Progress {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return Progress{
		ExecutionID: ex.id,
		IntentID:    ex.intent.ID,
		State:       ex.state,
		FilledSize:  ex.filledSize,
		TargetSize:  ex.targetSize,
		Reprices:    ex.reprices,
		UpdatedAt:   ex.updatedAt,
	}
}

// abortWith cancels the execution's context with a recorded reason.
// The first reason wins.
func (ex *execution) abortWith(reason string) {
	ex.mu.Lock()
	if ex.reason == "" {
		ex.reason = reason
	}
	ex.mu.Unlock()
	ex.abort()
}

func (ex *execution) avgFillPx() float64 {
	if ex.filledSize <= 0 {
		return 0
	}
	return ex.fillNotional / ex.filledSize
}

// Engine turns approved trade intents into working orders. Submission is
// non-blocking: every execution runs on its own goroutine and reports
// back through its handle. One execution per symbol and side unless the
// intent explicitly allows stacking.
type Engine struct {
	cfg       func() *config.Config
	gate      *risk.Gate
	gateway   exchange.OrderGateway
	quotes    QuoteSource
	portfolio *portfolio.Store

	mu      sync.Mutex
	active  map[string]*execution // execution id
	working map[string]string     // symbol|side -> execution id
}

// NewEngine wires the execution engine and registers it as the breaker's
// flattener so a system trip cancels all working orders.
func NewEngine(cfg func() *config.Config, gate *risk.Gate, gw exchange.OrderGateway, quotes QuoteSource, pf *portfolio.Store) *Engine {
	e := &Engine{
		cfg:       cfg,
		gate:      gate,
		gateway:   gw,
		quotes:    quotes,
		portfolio: pf,
		active:    make(map[string]*execution),
		working:   make(map[string]string),
	}
	gate.Breaker().SetFlattener(e)
	return e
}

// Submit starts working an approved intent and returns immediately with
// a handle. The verdict must be approved and still within its TTL.
func (e *Engine) Submit(ctx context.Context, intent model.TradeIntent, verdict risk.Verdict) (*Handle, error) {
	if !verdict.Approved || verdict.Scale <= 0 {
		return nil, fmt.Errorf("intent %s: %w", intent.ID, ErrNotApproved)
	}
	if verdict.Expired(time.Now()) {
		return nil, fmt.Errorf("intent %s: verdict expired: %w", intent.ID, ErrNotApproved)
	}

	snap, err := e.quotes.GetSnapshot(intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", intent.Symbol, err)
	}
	side, size, err := e.resolveOrder(intent, verdict, snap)
	if err != nil {
		return nil, err
	}

	cfg := e.cfg()
	deadline := intent.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(cfg.Execution.Timeout)
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ex := &execution{
		id:         uuid.NewString(),
		intent:     intent,
		verdict:    verdict,
		side:       side,
		targetSize: size,
		refPrice:   snap.Mid,
		refSpread:  snap.SpreadBps,
		deadline:   deadline,
		ctx:        execCtx,
		abort:      cancel,
		state:      StateWorking,
		updatedAt:  time.Now(),
	}
	ex.handle = newHandle(ex.id, intent.ID, ex.progress)

	key := intent.Symbol + "|" + side
	e.mu.Lock()
	if otherID, busy := e.working[key]; busy && !intent.AllowStacking {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%s %s (execution %s): %w", intent.Symbol, side, otherID, ErrDuplicateExecution)
	}
	e.active[ex.id] = ex
	e.working[key] = ex.id
	e.mu.Unlock()

	go e.run(ex)

	log.Info().Str("execution", ex.id).Str("intent", intent.ID).
		Str("symbol", intent.Symbol).Str("side", side).
		Float64("size", size).Float64("ref_px", ex.refPrice).
		Msg("execution submitted")
	return ex.handle, nil
}

// QueryState returns the live progress of an execution.
func (e *Engine) QueryState(executionID string) (Progress, bool) {
	e.mu.Lock()
	ex, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return ex.progress(), true
}

// Flatten aborts every working execution. Invoked by the system breaker
// on trip; also usable as an operator kill switch.
func (e *Engine) Flatten(ctx context.Context, reason string) {
	e.mu.Lock()
	working := make([]*execution, 0, len(e.active))
	for _, ex := range e.active {
		working = append(working, ex)
	}
	e.mu.Unlock()

	log.Warn().Int("executions", len(working)).Str("reason", reason).
		Msg("flattening all working executions")
	for _, ex := range working {
		ex.abortWith("revoked: " + reason)
	}
}

// resolveOrder maps the intent onto venue side and base size. Flat
// intents close the live position; sizing comes from the book.
func (e *Engine) resolveOrder(intent model.TradeIntent, verdict risk.Verdict, snap market.Snapshot) (string, float64, error) {
	if intent.Side == model.SideFlat {
		state := e.portfolio.Read()
		pos, ok := state.Positions[intent.Symbol]
		if !ok || pos.Size == 0 {
			return "", 0, fmt.Errorf("flat intent %s: no open position in %s", intent.ID, intent.Symbol)
		}
		if pos.Size > 0 {
			return "sell", pos.Size, nil
		}
		return "buy", -pos.Size, nil
	}

	if snap.Mid <= 0 {
		return "", 0, fmt.Errorf("submit %s: no usable mid price", intent.Symbol)
	}
	size := verdict.Notional / snap.Mid
	if size <= 0 {
		return "", 0, fmt.Errorf("intent %s: resolved size is zero", intent.ID)
	}
	if intent.Side == model.SideShort {
		return "sell", size, nil
	}
	return "buy", size, nil
}

// chooseAlgorithm picks the execution style: passive intents rest a
// static limit, large normal-urgency orders slice, everything else
// chases the touch.
func (e *Engine) chooseAlgorithm(ex *execution) algorithm {
	cfg := e.cfg()
	switch {
	case ex.intent.Urgency == model.UrgencyPassive:
		return staticAlgo{}
	case ex.intent.Urgency == model.UrgencyNormal &&
		cfg.Execution.SliceCount > 1 &&
		cfg.Execution.SliceAboveNotional > 0 &&
		ex.verdict.Notional >= cfg.Execution.SliceAboveNotional:
		return slicedAlgo{}
	default:
		return chaseAlgo{}
	}
}

func (e *Engine) run(ex *execution) {
	defer e.finalize(ex)
	algo := e.chooseAlgorithm(ex)
	ex.mu.Lock()
	ex.algorithm = algo.name()
	ex.mu.Unlock()
	algo.run(ex.ctx, e, ex)
}

// finalize settles the terminal state, cancels any leftover children,
// publishes the report, and releases the symbol+side slot.
func (e *Engine) finalize(ex *execution) {
	// Leftover open children are cancelled on a fresh context: the
	// execution context is usually already dead here.
	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex.mu.Lock()
	open := make([]*ChildOrder, 0, len(ex.children))
	for _, c := range ex.children {
		if !c.State.Terminal() {
			open = append(open, c)
		}
	}
	ex.mu.Unlock()
	for _, c := range open {
		e.cancelChild(cleanup, ex, c)
	}

	ex.mu.Lock()
	state := ex.state
	if !state.Terminal() {
		switch {
		case ex.filledSize >= ex.targetSize*(1-1e-9):
			state = StateFilled
		case ex.reason != "" && ex.filledSize == 0:
			state = StateAborted
		case ex.filledSize > 0:
			state = StatePartial
		case ex.reason != "":
			state = StateAborted
		default:
			state = StateCancelled
		}
		ex.state = state
	}
	report := Report{
		ExecutionID:    ex.id,
		IntentID:       ex.intent.ID,
		Symbol:         ex.intent.Symbol,
		Side:           ex.side,
		Algorithm:      ex.algorithm,
		State:          ex.state,
		Reason:         ex.reason,
		RequestedSize:  ex.targetSize,
		FilledSize:     ex.filledSize,
		AvgFillPrice:   ex.avgFillPx(),
		ReferencePrice: ex.refPrice,
		Reprices:       ex.reprices,
		ChildOrders:    len(ex.children),
		StartedAt:      ex.intent.CreatedAt,
		CompletedAt:    time.Now(),
	}
	ex.updatedAt = report.CompletedAt
	ex.mu.Unlock()

	if report.FilledSize > 0 {
		report.SlippageBps = slippageBps(ex.side, report.ReferencePrice, report.AvgFillPrice)
		metrics.SlippageBps.Observe(report.SlippageBps)
	}
	metrics.ExecutionsTerminal.WithLabelValues(string(report.State)).Inc()

	e.mu.Lock()
	delete(e.active, ex.id)
	key := ex.intent.Symbol + "|" + ex.side
	if e.working[key] == ex.id {
		delete(e.working, key)
	}
	e.mu.Unlock()

	log.Info().Str("execution", ex.id).Str("state", string(report.State)).
		Str("reason", report.Reason).Float64("filled", report.FilledSize).
		Float64("avg_px", report.AvgFillPrice).Float64("slippage_bps", report.SlippageBps).
		Int("reprices", report.Reprices).Msg("execution terminal")
	ex.handle.complete(report)
}

// placeChild submits one child order, retrying venue rejections with
// bounded exponential backoff before giving up.
func (e *Engine) placeChild(ctx context.Context, ex *execution, typ string, price, size float64) (*ChildOrder, error) {
	cfg := e.cfg()
	child := newChildOrder(ex.intent.Symbol, ex.side, typ, price, size)
	ex.mu.Lock()
	ex.children = append(ex.children, child)
	ex.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= cfg.Execution.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := cfg.Execution.RetryBackoffBase << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_ = child.transition(ChildCancelled)
				return child, ctx.Err()
			}
		}
		child.Attempts++
		ack, err := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   child.Symbol,
			Side:     child.Side,
			Type:     child.Type,
			Price:    child.Price,
			Size:     child.Size,
			ClientID: child.ID,
		})
		if err == nil {
			child.ExchangeID = ack.ExchangeOrderID
			_ = child.transition(ChildSubmitted)
			return child, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// Revocation or deadline, not a venue failure.
			_ = child.transition(ChildCancelled)
			return child, ctx.Err()
		}
		if !errors.Is(err, exchange.ErrRejected) {
			break
		}
		log.Warn().Str("execution", ex.id).Str("child", child.ID).
			Int("attempt", child.Attempts).Err(err).Msg("placement rejected, retrying")
	}
	_ = child.transition(ChildRejected)
	return child, fmt.Errorf("place child %s after %d attempts: %w", child.ID, child.Attempts, lastErr)
}

// refreshChild polls the venue and applies any fill delta to the
// portfolio. Returns the updated child state.
func (e *Engine) refreshChild(ctx context.Context, ex *execution, child *ChildOrder) (ChildState, error) {
	if child.ExchangeID == "" || child.State.Terminal() {
		return child.State, nil
	}
	status, err := e.gateway.GetOrderStatus(ctx, child.ExchangeID)
	if err != nil {
		return child.State, err
	}

	ex.mu.Lock()
	delta := child.recordFill(status.FilledSize, status.AvgFillPrice)
	if delta > 0 {
		ex.filledSize += delta
		px := status.AvgFillPrice
		if px <= 0 {
			px = child.Price
		}
		ex.fillNotional += delta * px
		ex.updatedAt = time.Now()
	}
	switch status.State {
	case exchange.OrderPartially:
		_ = child.transition(ChildPartiallyFilled)
	case exchange.OrderFilled:
		_ = child.transition(ChildPartiallyFilled)
		_ = child.transition(ChildFilled)
	case exchange.OrderCancelled:
		_ = child.transition(ChildCancelled)
	case exchange.OrderRejected:
		_ = child.transition(ChildRejected)
	}
	state := child.State
	ex.mu.Unlock()

	if delta > 0 {
		px := status.AvgFillPrice
		if px <= 0 {
			px = child.Price
		}
		signed := delta
		if ex.side == "sell" {
			signed = -delta
		}
		e.portfolio.ApplyFill(ex.intent.Symbol, signed, px, ex.verdict.Leverage)
		metrics.Fills.WithLabelValues(ex.intent.Symbol).Inc()
		log.Debug().Str("execution", ex.id).Str("child", child.ID).
			Float64("delta", delta).Float64("px", px).Msg("fill confirmed")
	}
	return state, nil
}

// cancelChild cancels a working child and reconciles its final fills.
func (e *Engine) cancelChild(ctx context.Context, ex *execution, child *ChildOrder) {
	if child.ExchangeID == "" || child.State.Terminal() {
		return
	}
	if err := e.gateway.CancelOrder(ctx, child.ExchangeID); err != nil &&
		!errors.Is(err, exchange.ErrOrderNotFound) {
		log.Warn().Str("execution", ex.id).Str("child", child.ID).Err(err).
			Msg("cancel failed")
	}
	// Pick up any fills that landed before the cancel took effect.
	if _, err := e.refreshChild(ctx, ex, child); err == nil {
		ex.mu.Lock()
		if !child.State.Terminal() {
			_ = child.transition(ChildCancelled)
		}
		ex.mu.Unlock()
	}
}

// repriceChild moves a resting child to a new price, falling back to
// cancel-and-replace when the venue cannot modify in place.
func (e *Engine) repriceChild(ctx context.Context, ex *execution, child *ChildOrder, price float64) (*ChildOrder, error) {
	ex.mu.Lock()
	ex.reprices++
	ex.mu.Unlock()
	metrics.Reprices.WithLabelValues(ex.intent.Symbol).Inc()

	if _, err := e.gateway.ModifyOrder(ctx, child.ExchangeID, price, child.Remaining()); err == nil {
		ex.mu.Lock()
		child.Price = price
		child.UpdatedAt = time.Now()
		ex.mu.Unlock()
		return child, nil
	}

	e.cancelChild(ctx, ex, child)
	remaining := ex.remainingSize()
	if remaining <= 0 {
		return child, nil
	}
	return e.placeChild(ctx, ex, "limit", price, remaining)
}

// remainingSize is the unfilled portion of the parent order.
func (ex *execution) remainingSize() float64 {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return math.Max(0, ex.targetSize-ex.filledSize)
}

// failPlacement records placement failure as the terminal outcome.
// Context errors are excluded: a revoked or expired execution settles
// its own state in finalize, it did not fail at the venue.
func (e *Engine) failPlacement(ex *execution, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	ex.mu.Lock()
	ex.state = StateFailed
	if ex.reason == "" {
		ex.reason = err.Error()
	}
	ex.mu.Unlock()
}

// checkRevocation aborts the execution when the system breaker has
// tripped since approval. Called every work cycle, so a trip propagates
// to every in-flight execution within one reprice cycle. Flat executions
// are exempt: they reduce the exposure the trip is reacting to, and the
// gate approves them under a tripped breaker for the same reason.
func (e *Engine) checkRevocation(ex *execution) bool {
	if ex.intent.Side == model.SideFlat {
		return false
	}
	if !e.gate.Halted() {
		return false
	}
	ex.abortWith("revoked: circuit_breaker")
	return true
}

// passivePrice is where a resting order sits: the touch improved by the
// configured offset. A large offset crosses the spread and fills
// immediately, which aggressive configurations rely on.
func passivePrice(side string, snap market.Snapshot, offsetBps float64) float64 {
	if side == "buy" {
		return snap.BestBid.Price * (1 + offsetBps/10000)
	}
	return snap.BestAsk.Price * (1 - offsetBps/10000)
}
