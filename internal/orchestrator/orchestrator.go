package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"avgbot/internal/exchange"
	"avgbot/internal/gateway"
	"avgbot/internal/ledger"
	"avgbot/internal/logger"
	"avgbot/internal/models"
	"avgbot/internal/policy"
)

// Venue — часть шлюза, которой пользуется оркестратор.
type Venue interface {
	GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID, linkID string) (models.Order, error)
}

type Notifier interface {
	Notify(text string)
}

// Orchestrator превращает решения в ордера: проверяет лоты и минимальный
// номинал, нормализует цены по шагу, ставит ордера идемпотентно по link id
// и доводит подтверждённые исполнения до леджера.
type Orchestrator struct {
	venue    Venue
	ledger   *ledger.Ledger
	notifier Notifier
	dryRun   bool
	log      *logger.Logger
}

func New(venue Venue, led *ledger.Ledger, notifier Notifier, dryRun bool, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		venue:    venue,
		ledger:   led,
		notifier: notifier,
		dryRun:   dryRun,
		log:      log,
	}
}

func (o *Orchestrator) logEntry(symbol string) *logrus.Entry {
	return o.log.WithComponent("orchestrator").WithField("symbol", symbol)
}

func newDealID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func linkID(dealID string, stage models.Stage) string {
	return fmt.Sprintf("avg-%s-s%d", dealID, stage.Depth())
}

func exitLinkID() string {
	return fmt.Sprintf("avg-%s-x", newDealID())
}

// EnterMarket открывает позицию рыночным ордером. Возвращает false без
// ошибки, если объём пылевой и вход молча пропущен.
func (o *Orchestrator) EnterMarket(ctx context.Context, symbol string, side models.OrderSide, qty float64, leverage int) (bool, error) {
	// Проверка до отправки: сверка могла принять позицию с биржи, и
	// рыночный ордер лёг бы мимо леджера.
	if _, ok := o.ledger.Snapshot(symbol); ok {
		return false, fmt.Errorf("по %s уже есть позиция, вход пропущен", symbol)
	}
	rules, err := o.venue.GetInstrumentRules(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("правила инструмента %s не получены: %w", symbol, err)
	}
	mark, err := o.venue.GetMarkPrice(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("марк-цена %s не получена: %w", symbol, err)
	}

	qty = roundStep(qty, rules.LotSize)
	if o.isDust(symbol, qty, mark, rules) {
		return false, nil
	}

	order := models.Order{
		LinkID: linkID(newDealID(), models.StageInitial),
		Symbol: symbol,
		Side:   side,
		Type:   models.OrderTypeMarket,
		Qty:    qty,
	}
	placed, err := o.place(ctx, order)
	if err != nil {
		return false, err
	}

	if err := o.ledger.Open(symbol, side, mark, qty, leverage, placed.ID); err != nil {
		return false, err
	}
	o.linkEntry(symbol, placed.ID, placed.LinkID)
	if placed.Status == models.OrderStatusFilled {
		if err := o.ledger.MarkEntryFilled(symbol, placed.ID, placed.AvgFillPrice, placed.FilledQty); err != nil {
			return false, err
		}
	}
	return true, nil
}

// PlaceStagedAdd ставит отложенный лимитный ордер усреднения. Лимит
// покупки обязан стоять ниже текущей марк-цены, продажи — выше.
func (o *Orchestrator) PlaceStagedAdd(ctx context.Context, symbol string, stage models.Stage, side models.OrderSide, price, qty float64) (bool, error) {
	rules, err := o.venue.GetInstrumentRules(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("правила инструмента %s не получены: %w", symbol, err)
	}
	mark, err := o.venue.GetMarkPrice(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("марк-цена %s не получена: %w", symbol, err)
	}

	price = roundStep(price, rules.TickSize)
	qty = roundStep(qty, rules.LotSize)
	if o.isDust(symbol, qty, price, rules) {
		return false, nil
	}
	if side == models.OrderSideBuy && price >= mark {
		return false, fmt.Errorf("лимит покупки %f не ниже марк-цены %f", price, mark)
	}
	if side == models.OrderSideSell && price <= mark {
		return false, fmt.Errorf("лимит продажи %f не выше марк-цены %f", price, mark)
	}

	snap, ok := o.ledger.Snapshot(symbol)
	if !ok {
		return false, fmt.Errorf("по %s нет позиции для усреднения", symbol)
	}
	leverage := snap.Leverage

	order := models.Order{
		LinkID:      linkID(newDealID(), stage),
		Symbol:      symbol,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Price:       price,
		Qty:         qty,
		TimeInForce: "GTC",
	}
	placed, err := o.place(ctx, order)
	if err != nil {
		return false, err
	}

	if err := o.ledger.RegisterPendingAdd(symbol, stage, price, qty, leverage, placed.ID); err != nil {
		// Ордер уже на бирже, а леджер его не принял: снимаем, чтобы
		// не остаться с неучтённой заявкой.
		if cErr := o.venue.CancelOrder(ctx, symbol, placed.ID); cErr != nil {
			o.logEntry(symbol).WithError(cErr).WithField("order_id", placed.ID).Error("Неучтённый ордер не снят.")
		}
		return false, err
	}
	o.linkEntry(symbol, placed.ID, placed.LinkID)
	return true, nil
}

// Execute выполняет решение оценщика. Не более одного действия за вызов.
func (o *Orchestrator) Execute(ctx context.Context, symbol string, action policy.Action) error {
	if action.Type == policy.ActionNone {
		return nil
	}
	snap, ok := o.ledger.Snapshot(symbol)
	if !ok || snap.TotalQty <= 0 {
		return fmt.Errorf("по %s нет позиции для выхода", symbol)
	}

	switch action.Type {
	case policy.ActionFullExit:
		return o.fullExit(ctx, &snap, action.Reason)
	case policy.ActionPartialExit:
		return o.partialExit(ctx, &snap, action.Fraction, action.Reason)
	case policy.ActionStageExit:
		return o.stageExit(ctx, &snap, action.Stage, action.Reason)
	default:
		return fmt.Errorf("неизвестное действие %s", action.Type)
	}
}

func (o *Orchestrator) fullExit(ctx context.Context, p *models.Position, reason string) error {
	// Полное закрытие не оставляет на бирже живых лимитников сетки.
	if err := o.CancelResting(ctx, p.Symbol); err != nil {
		return err
	}
	price, err := o.reduce(ctx, p, p.TotalQty)
	if err != nil {
		return err
	}
	qty, err := o.ledger.FullExit(p.Symbol, price, reason)
	if err != nil {
		return err
	}
	o.notify(fmt.Sprintf("Полный выход %s: %.8f по %.8f (%s).", p.Symbol, qty, price, reason))
	return nil
}

func (o *Orchestrator) partialExit(ctx context.Context, p *models.Position, fraction float64, reason string) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("недопустимая доля выхода %f", fraction)
	}
	rules, err := o.venue.GetInstrumentRules(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("правила инструмента %s не получены: %w", p.Symbol, err)
	}
	qty := roundStep(p.TotalQty*fraction, rules.LotSize)
	if qty <= 0 {
		o.logEntry(p.Symbol).WithField("fraction", fraction).Debug("Частичный выход пылевой, пропущен.")
		return nil
	}
	if qty >= p.TotalQty {
		return o.fullExit(ctx, p, reason)
	}
	price, err := o.reduce(ctx, p, qty)
	if err != nil {
		return err
	}
	closed, err := o.ledger.PartialExit(p.Symbol, qty, price, reason)
	if err != nil {
		return err
	}
	if closed {
		o.cancelLeftoverOrders(ctx, p)
		o.notify(fmt.Sprintf("Позиция %s закрыта частичным выходом %.8f по %.8f (%s).", p.Symbol, qty, price, reason))
	} else {
		o.notify(fmt.Sprintf("Частичный выход %s: %.8f по %.8f (%s).", p.Symbol, qty, price, reason))
	}
	return nil
}

func (o *Orchestrator) stageExit(ctx context.Context, p *models.Position, stage models.Stage, reason string) error {
	var qty float64
	for _, e := range p.Entries {
		if e.Active && e.Filled && e.Stage == stage {
			qty += e.Qty
		}
	}
	if qty <= 0 {
		return fmt.Errorf("по %s нет исполненного объёма стадии %s", p.Symbol, stage)
	}
	price, err := o.reduce(ctx, p, qty)
	if err != nil {
		return err
	}
	exited, err := o.ledger.StageExit(p.Symbol, stage, price, reason)
	if err != nil {
		return err
	}
	if _, ok := o.ledger.Snapshot(p.Symbol); !ok {
		o.cancelLeftoverOrders(ctx, p)
	}
	o.notify(fmt.Sprintf("Размотка %s: стадия %s, объём %.8f по %.8f.", p.Symbol, stage, exited, price))
	return nil
}

// cancelLeftoverOrders снимает лимитники из среза позиции, когда её
// записи уже удалены из леджера: частичный или ступенчатый выход мог
// опустошить позицию, а заявки сетки остались на бирже.
func (o *Orchestrator) cancelLeftoverOrders(ctx context.Context, p *models.Position) {
	for _, e := range p.Entries {
		if !e.Active || e.Filled || e.Kind != models.EntryKindResting || e.OrderID == "" {
			continue
		}
		if err := o.venue.CancelOrder(ctx, p.Symbol, e.OrderID); err != nil {
			var rej *gateway.DomainRejection
			if !errors.As(err, &rej) || rej.Kind != gateway.RejectUnknownOrder {
				o.logEntry(p.Symbol).WithError(err).WithField("order_id", e.OrderID).Error("Лимитник закрытой позиции не снят.")
			}
		}
	}
}

// reduce ставит рыночный reduce-only ордер на закрытие части позиции и
// возвращает фактическую цену исполнения (или марк-цену, если биржа её
// не сообщила).
func (o *Orchestrator) reduce(ctx context.Context, p *models.Position, qty float64) (float64, error) {
	side := models.OrderSideSell
	if p.Side == models.OrderSideSell {
		side = models.OrderSideBuy
	}
	order := models.Order{
		LinkID:     exitLinkID(),
		Symbol:     p.Symbol,
		Side:       side,
		Type:       models.OrderTypeMarket,
		Qty:        qty,
		ReduceOnly: true,
	}
	placed, err := o.place(ctx, order)
	if err != nil {
		return 0, err
	}
	if placed.AvgFillPrice > 0 {
		return placed.AvgFillPrice, nil
	}
	return o.venue.GetMarkPrice(ctx, p.Symbol)
}

// place отправляет ордер, повторно используя link id как ключ
// идемпотентности: отказ по дублю означает, что ордер уже стоит, и
// тогда возвращается его текущее состояние.
func (o *Orchestrator) place(ctx context.Context, order models.Order) (models.Order, error) {
	if o.dryRun {
		o.logEntry(order.Symbol).WithFields(logrus.Fields{
			"side":    string(order.Side),
			"type":    string(order.Type),
			"qty":     order.Qty,
			"price":   order.Price,
			"link_id": order.LinkID,
		}).Info("Сухой прогон: ордер не отправлен.")
		order.ID = "dry-" + order.LinkID
		order.Status = models.OrderStatusFilled
		order.AvgFillPrice = order.Price
		order.FilledQty = order.Qty
		return order, nil
	}

	placed, err := o.venue.PlaceOrder(ctx, order)
	if err == nil {
		mtxOrdersPlaced.WithLabelValues(string(order.Type)).Inc()
		return placed, nil
	}

	var rej *gateway.DomainRejection
	if errors.As(err, &rej) && rej.Kind == gateway.RejectDuplicateLink {
		o.logEntry(order.Symbol).WithField("link_id", order.LinkID).Warn("Ордер с таким link id уже стоит, читаем его состояние.")
		return o.venue.GetOrder(ctx, order.Symbol, "", order.LinkID)
	}
	return models.Order{}, err
}

// isDust — молчаливый пропуск объёмов ниже биржевых минимумов.
func (o *Orchestrator) isDust(symbol string, qty, price float64, rules exchange.InstrumentRules) bool {
	if qty < rules.MinQty || qty*price < rules.MinNotional {
		o.logEntry(symbol).WithFields(logrus.Fields{
			"qty":      qty,
			"notional": qty * price,
		}).Debug("Объём ниже биржевого минимума, пропущен.")
		mtxDustSkipped.Inc()
		return true
	}
	return false
}

func (o *Orchestrator) linkEntry(symbol, orderID, linkID string) {
	err := o.ledger.WithPosition(symbol, func(p *models.Position) error {
		for _, e := range p.Entries {
			if e.OrderID == orderID {
				e.LinkID = linkID
				return nil
			}
		}
		return fmt.Errorf("запись с ордером %s не найдена", orderID)
	})
	if err != nil {
		o.logEntry(symbol).WithError(err).Warn("Link id не привязан к записи.")
	}
}

func (o *Orchestrator) notify(text string) {
	if o.notifier != nil {
		o.notifier.Notify(text)
	}
}
