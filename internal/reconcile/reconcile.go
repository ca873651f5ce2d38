package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"avgbot/internal/exchange"
	"avgbot/internal/ledger"
	"avgbot/internal/logger"
	"avgbot/internal/models"
)

// Venue — часть шлюза, нужная для сверки.
type Venue interface {
	GetPositions(ctx context.Context) ([]exchange.PositionState, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

type Notifier interface {
	Notify(text string)
}

// Engine сверяет локальный леджер с позициями на бирже. Биржа —
// источник истины: чужие позиции принимаются, сироты удаляются,
// расхождение объёма в меньшую сторону подрезается пропорционально.
type Engine struct {
	venue     Venue
	ledger    *ledger.Ledger
	notifier  Notifier
	interval  time.Duration
	tolerance float64
	force     chan struct{}
	log       *logger.Logger
}

func New(venue Venue, led *ledger.Ledger, notifier Notifier, interval time.Duration, tolerance float64, log *logger.Logger) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	if tolerance <= 0 {
		tolerance = 0.005
	}
	return &Engine{
		venue:     venue,
		ledger:    led,
		notifier:  notifier,
		interval:  interval,
		tolerance: tolerance,
		force:     make(chan struct{}, 1),
		log:       log,
	}
}

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("reconcile")
}

// Run крутит периодическую сверку до отмены контекста.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-e.force:
		}
		if err := e.Sync(ctx); err != nil {
			e.logEntry().WithError(err).Error("Сверка с биржей не удалась.")
		}
	}
}

// Force запрашивает внеочередную сверку, не блокируясь.
func (e *Engine) Force() {
	select {
	case e.force <- struct{}{}:
	default:
	}
}

func (e *Engine) Sync(ctx context.Context) error {
	venuePos, err := e.venue.GetPositions(ctx)
	if err != nil {
		mtxRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("позиции с биржи не получены: %w", err)
	}

	onVenue := make(map[string]exchange.PositionState, len(venuePos))
	for _, vp := range venuePos {
		if vp.Qty <= 0 {
			continue
		}
		onVenue[vp.Symbol] = vp
	}

	local := make(map[string]bool)
	for _, sym := range e.ledger.Symbols() {
		local[sym] = true
	}

	for sym, vp := range onVenue {
		if local[sym] {
			continue
		}
		e.adopt(vp)
	}
	for sym := range local {
		vp, ok := onVenue[sym]
		if !ok {
			e.dropOrphan(ctx, sym)
			continue
		}
		e.checkDrift(sym, vp)
	}

	mtxRuns.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) adopt(vp exchange.PositionState) {
	err := e.ledger.Adopt(vp.Symbol, vp.Side, vp.EntryPrice, vp.Qty, vp.Leverage)
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", vp.Symbol).Error("Позиция с биржи не принята в леджер.")
		return
	}
	mtxAdopted.Inc()
	e.logEntry().WithFields(logrus.Fields{
		"symbol":      vp.Symbol,
		"side":        string(vp.Side),
		"qty":         vp.Qty,
		"entry_price": vp.EntryPrice,
	}).Warn("Принята позиция, найденная только на бирже.")
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("Сверка: принята позиция %s %s, объём %.8f по %.8f.",
			vp.Symbol, vp.Side, vp.Qty, vp.EntryPrice))
	}
}

// dropOrphan убирает позицию, которой на бирже больше нет: сначала
// снимаются её отложенные ордера, затем запись удаляется из леджера.
func (e *Engine) dropOrphan(ctx context.Context, symbol string) {
	orders, err := e.venue.GetOpenOrders(ctx, symbol)
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", symbol).Error("Открытые ордера сироты не получены, удаление отложено.")
		return
	}
	for _, o := range orders {
		if err := e.venue.CancelOrder(ctx, symbol, o.ID); err != nil {
			e.logEntry().WithError(err).WithFields(logrus.Fields{
				"symbol":   symbol,
				"order_id": o.ID,
			}).Warn("Ордер сироты не снят.")
		}
	}
	e.ledger.Remove(symbol, "reconcile_orphan")
	mtxRemoved.Inc()
	e.logEntry().WithField("symbol", symbol).Warn("Удалена позиция, отсутствующая на бирже.")
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("Сверка: позиция %s отсутствует на бирже, локальная запись удалена.", symbol))
	}
}

func (e *Engine) checkDrift(symbol string, vp exchange.PositionState) {
	snap, ok := e.ledger.Snapshot(symbol)
	if !ok || snap.TotalQty <= 0 {
		return
	}
	drift := math.Abs(snap.TotalQty-vp.Qty) / snap.TotalQty
	if drift <= e.tolerance {
		return
	}
	if vp.Qty < snap.TotalQty {
		// На бирже меньше: часть позиции закрыта мимо нас, подрезаем.
		if err := e.ledger.ScaleToQty(symbol, vp.Qty, "reconcile_drift"); err != nil {
			e.logEntry().WithError(err).WithField("symbol", symbol).Error("Подрезка объёма по сверке не удалась.")
			return
		}
		mtxDrift.Inc()
		e.logEntry().WithFields(logrus.Fields{
			"symbol":    symbol,
			"local_qty": snap.TotalQty,
			"venue_qty": vp.Qty,
		}).Warn("Объём подрезан до биржевого.")
		return
	}
	// На бирже больше: скорее всего довелась отложенная докупка,
	// заполнение догонит леджер само.
	e.logEntry().WithFields(logrus.Fields{
		"symbol":    symbol,
		"local_qty": snap.TotalQty,
		"venue_qty": vp.Qty,
	}).Warn("На бирже объём больше локального, ждём подтверждения заполнений.")
}
