package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"avgbot/internal/config"
	"avgbot/internal/exchange"
	"avgbot/internal/gateway"
	"avgbot/internal/ledger"
	"avgbot/internal/logger"
	"avgbot/internal/models"
	"avgbot/internal/orchestrator"
	"avgbot/internal/policy"
	"avgbot/internal/reconcile"
)

const fillPollInterval = 10 * time.Second

// Engine связывает поток котировок, леджер, оценщик правил и
// оркестратор в один тик-цикл. На тик приходится не больше одного
// действия по позиции.
type Engine struct {
	cfg      config.BotConfig
	stream   exchange.Client
	gw       *gateway.Gateway
	ledger   *ledger.Ledger
	eval     *policy.Evaluator
	orch     *orchestrator.Orchestrator
	rec      *reconcile.Engine
	notifier Notifier
	log      *logger.Logger

	mu       sync.Mutex
	lastPoll map[string]time.Time
}

type Notifier interface {
	Notify(text string)
}

func New(cfg config.BotConfig, stream exchange.Client, gw *gateway.Gateway, led *ledger.Ledger,
	eval *policy.Evaluator, orch *orchestrator.Orchestrator, rec *reconcile.Engine,
	notifier Notifier, log *logger.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		stream:   stream,
		gw:       gw,
		ledger:   led,
		eval:     eval,
		orch:     orch,
		rec:      rec,
		notifier: notifier,
		log:      log,
		lastPoll: make(map[string]time.Time),
	}
}

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine")
}

// Run восстанавливает состояние, запускает сверку и крутит тик-цикл
// до отмены контекста.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ledger.Load(); err != nil {
		return fmt.Errorf("состояние не восстановлено: %w", err)
	}
	if bal, err := e.gw.GetBalance(ctx); err != nil {
		e.logEntry().WithError(err).Warn("Баланс не получен.")
	} else {
		e.logEntry().WithFields(logrus.Fields{
			"asset":     bal.Asset,
			"available": bal.Available,
		}).Info("Баланс получен.")
	}
	for _, sym := range e.cfg.Symbols {
		if err := e.gw.SetLeverage(ctx, sym, e.cfg.Leverage); err != nil {
			e.logEntry().WithError(err).WithField("symbol", sym).Warn("Плечо не выставлено.")
		}
	}
	// Принудительная сверка до первого тика: биржа — источник истины.
	if err := e.rec.Sync(ctx); err != nil {
		e.logEntry().WithError(err).Error("Стартовая сверка не удалась.")
	}
	go e.rec.Run(ctx)

	events, err := e.stream.Subscribe(ctx, e.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("подписка на котировки не удалась: %w", err)
	}
	e.logEntry().WithField("symbols", e.cfg.Symbols).Info("Движок запущен.")

	for {
		select {
		case <-ctx.Done():
			e.logEntry().Info("Движок остановлен.")
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("поток котировок закрыт")
			}
			switch ev.Type {
			case exchange.EventTypeTicker:
				e.onTick(ctx, ev.Ticker.Symbol, ev.Ticker.LastPrice)
			case exchange.EventTypeReconnect:
				e.rec.Force()
			}
		}
	}
}

func (e *Engine) onTick(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}

	snap, ok := e.ledger.Snapshot(symbol)
	if !ok {
		if err := e.openPosition(ctx, symbol); err != nil && !gateway.IsSilent(err) {
			e.logEntry().WithError(err).WithField("symbol", symbol).Error("Вход не удался.")
		}
		return
	}

	if e.shouldPoll(symbol) {
		if err := e.orch.ConfirmFills(ctx, symbol); err != nil && !gateway.IsSilent(err) {
			e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Исполнения не подтверждены.")
		}
		// Исполнение могло сдвинуть стадию, сетку дополняем по свежему срезу.
		if snap, ok = e.ledger.Snapshot(symbol); !ok {
			return
		}
		if err := e.ensureAdds(ctx, &snap); err != nil && !gateway.IsSilent(err) {
			e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Сетка усреднений не дополнена.")
		}
	}

	var action policy.Action
	err := e.ledger.WithPosition(symbol, func(p *models.Position) error {
		action = e.eval.Evaluate(ctx, p, price)
		return nil
	})
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Оценка позиции не удалась.")
		return
	}
	if action.Type == policy.ActionNone {
		return
	}

	// Полный выход рискован при рассинхроне: перед ним сверяемся.
	if action.Type == policy.ActionFullExit {
		if err := e.rec.Sync(ctx); err != nil {
			e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Сверка перед выходом не удалась, действие отложено.")
			return
		}
		if _, still := e.ledger.Snapshot(symbol); !still {
			return
		}
	}

	if err := e.orch.Execute(ctx, symbol, action); err != nil {
		if gateway.IsSilent(err) {
			return
		}
		e.logEntry().WithError(err).WithFields(logrus.Fields{
			"symbol": symbol,
			"action": string(action.Type),
			"reason": action.Reason,
		}).Error("Действие не выполнено.")
		var unk *gateway.UnknownError
		if errors.As(err, &unk) && e.notifier != nil {
			e.notifier.Notify(fmt.Sprintf("Ошибка по %s: действие %s не выполнено (%v).", symbol, action.Type, err))
		}
		return
	}

	// Одноразовые флаги фиксируются только по подтверждённому
	// исполнению; полный выход уже мог удалить позицию.
	_ = e.ledger.WithPosition(symbol, func(p *models.Position) error {
		e.eval.Commit(p, action, price)
		return nil
	})
}

// openPosition входит рыночным ордером и расставляет сетку усреднений.
func (e *Engine) openPosition(ctx context.Context, symbol string) error {
	side := e.side()
	entered, err := e.orch.EnterMarket(ctx, symbol, side, e.cfg.BaseOrderQty, e.cfg.Leverage)
	if err != nil || !entered {
		return err
	}
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("Открыта позиция %s %s, базовый объём %.8f.", symbol, side, e.cfg.BaseOrderQty))
	}
	snap, ok := e.ledger.Snapshot(symbol)
	if !ok {
		return nil
	}
	return e.ensureAdds(ctx, &snap)
}

// ensureAdds доставляет недостающие ступени сетки. Ступень без записи в
// леджере означает, что её ордер ещё не ставился или был снят.
func (e *Engine) ensureAdds(ctx context.Context, p *models.Position) error {
	if p.Cyclic == models.CyclicComplete || p.FirstEntryPrice <= 0 {
		return nil
	}
	plans := planAdds(p.Side, p.FirstEntryPrice, e.cfg.BaseOrderQty, e.cfg.AddQtyMultiplier, e.cfg.AddDropPercents)
	for _, pl := range missingStages(p, plans) {
		if pl.Stage.Depth() <= p.Stage.Depth() {
			continue
		}
		placed, err := e.orch.PlaceStagedAdd(ctx, p.Symbol, pl.Stage, p.Side, pl.Price, pl.Qty)
		if err != nil {
			return err
		}
		if placed {
			e.logEntry().WithFields(logrus.Fields{
				"symbol": p.Symbol,
				"stage":  string(pl.Stage),
				"price":  pl.Price,
				"qty":    pl.Qty,
			}).Info("Поставлена ступень усреднения.")
		}
	}
	return nil
}

func (e *Engine) shouldPoll(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.lastPoll[symbol]) < fillPollInterval {
		return false
	}
	e.lastPoll[symbol] = time.Now()
	return true
}

func (e *Engine) side() models.OrderSide {
	if e.cfg.Side == string(models.OrderSideSell) {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}
