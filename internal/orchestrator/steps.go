package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"avgbot/internal/gateway"
	"avgbot/internal/models"
)

// roundStep прижимает значение вниз к сетке шага инструмента. Биржа
// отклоняет цены и объёмы вне сетки, поэтому округление всегда в
// меньшую сторону.
func roundStep(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// ConfirmFills опрашивает неисполненные отложенные записи позиции и
// доводит их состояние до леджера: исполнение двигает среднюю и стадию,
// снятый или потерянный биржей ордер деактивирует запись.
func (o *Orchestrator) ConfirmFills(ctx context.Context, symbol string) error {
	snap, ok := o.ledger.Snapshot(symbol)
	if !ok {
		return nil
	}
	for _, e := range snap.Entries {
		if !e.Active || e.Filled || e.OrderID == "" {
			continue
		}
		order, err := o.venue.GetOrder(ctx, symbol, e.OrderID, e.LinkID)
		if err != nil {
			var rej *gateway.DomainRejection
			if errors.As(err, &rej) && rej.Kind == gateway.RejectUnknownOrder {
				o.logEntry(symbol).WithField("order_id", e.OrderID).Warn("Биржа не знает ордер, запись снимается.")
				if cErr := o.ledger.CancelPending(symbol, e.OrderID); cErr != nil {
					return cErr
				}
				continue
			}
			return fmt.Errorf("состояние ордера %s не получено: %w", e.OrderID, err)
		}
		switch order.Status {
		case models.OrderStatusFilled:
			if err := o.ledger.MarkEntryFilled(symbol, e.OrderID, order.AvgFillPrice, order.FilledQty); err != nil {
				return err
			}
			o.notify(fmt.Sprintf("Исполнено усреднение %s: %.8f по %.8f, стадия %s.",
				symbol, order.FilledQty, order.AvgFillPrice, e.Stage))
		case models.OrderStatusCanceled, models.OrderStatusRejected:
			if err := o.ledger.CancelPending(symbol, e.OrderID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelResting снимает все неисполненные отложенные ордера позиции,
// например перед полным выходом.
func (o *Orchestrator) CancelResting(ctx context.Context, symbol string) error {
	snap, ok := o.ledger.Snapshot(symbol)
	if !ok {
		return nil
	}
	for _, e := range snap.Entries {
		if !e.Active || e.Filled || e.Kind != models.EntryKindResting || e.OrderID == "" {
			continue
		}
		if err := o.venue.CancelOrder(ctx, symbol, e.OrderID); err != nil {
			var rej *gateway.DomainRejection
			if !errors.As(err, &rej) || rej.Kind != gateway.RejectUnknownOrder {
				return fmt.Errorf("ордер %s не снят: %w", e.OrderID, err)
			}
		}
		if err := o.ledger.CancelPending(symbol, e.OrderID); err != nil {
			return err
		}
	}
	return nil
}
