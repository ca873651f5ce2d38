package policy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"avgbot/internal/config"
	"avgbot/internal/logger"
	"avgbot/internal/models"
)

// SignalProvider отдаёт бинарные технические сигналы по символу.
// Их расчёт живёт снаружи, здесь они потребляются как есть.
type SignalProvider interface {
	Reversal(ctx context.Context, symbol string) bool
	Breakout(ctx context.Context, symbol string) bool
	MomentumReversal(ctx context.Context, symbol string) bool
}

type ActionType string

const (
	ActionNone        ActionType = "NONE"
	ActionFullExit    ActionType = "FULL_EXIT"
	ActionPartialExit ActionType = "PARTIAL_EXIT"
	ActionStageExit   ActionType = "STAGE_EXIT"
)

// Action — не более одного действия на тик. Fraction заполнен только
// для частичного выхода, Stage — только для размотки усреднения.
type Action struct {
	Type     ActionType
	Fraction float64
	Stage    models.Stage
	Reason   string
}

const (
	ReasonTrendReversal = "trend_reversal"
	ReasonBreakout      = "breakout"
	ReasonTrailingStop  = "trailing_stop"
	ReasonMomentumFade  = "momentum_fade"
	ReasonProtection    = "profit_protection"
	ReasonStageUnwind   = "stage_unwind"
)

// Ступени защиты прибыли: чем выше пик, тем больший откат позиция
// может отдать до полного выхода.
var protectionTiers = []struct {
	peak    float64
	retrace float64
}{
	{0.20, 0.35},
	{0.12, 0.25},
	{0.08, 0.20},
}

type Evaluator struct {
	cfg     config.ExitConfig
	signals SignalProvider
	log     *logger.Logger
}

func New(cfg config.ExitConfig, signals SignalProvider, log *logger.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, signals: signals, log: log}
}

func (ev *Evaluator) logEntry(symbol string) *logrus.Entry {
	return ev.log.WithComponent("policy").WithField("symbol", symbol)
}

// Evaluate прогоняет цепочку правил по приоритету и возвращает первое
// сработавшее действие. Мутирует наблюдаемые поля позиции (пик,
// экстремум трейлинга, взвод защиты) — вызывается под блокировкой
// леджера. Одноразовые флаги здесь не трогаются: их фиксирует Commit
// после подтверждённого исполнения, до него правило срабатывает на
// каждом тике повторно.
func (ev *Evaluator) Evaluate(ctx context.Context, p *models.Position, price float64) Action {
	if !p.Active || p.TotalQty <= 0 || price <= 0 {
		return Action{Type: ActionNone}
	}

	profit := p.Profit(price)
	if profit > p.PeakProfit {
		p.PeakProfit = profit
	}
	ev.updateTrailing(p, price)

	// 1. Разворот тренда: полный выход, срабатывает один раз.
	if !p.Fired.TrendReversal && ev.signals.Reversal(ctx, p.Symbol) {
		return ev.fired(p, profit, Action{Type: ActionFullExit, Reason: ReasonTrendReversal})
	}

	// 2. Пробой канала: частичный выход и взведение трейлинга по остатку.
	// Порог по прибыли работает и без технического сигнала.
	if !p.Fired.Breakout && (ev.signals.Breakout(ctx, p.Symbol) || profit >= ev.cfg.BreakoutProfitThreshold) {
		return ev.fired(p, profit, Action{
			Type:     ActionPartialExit,
			Fraction: ev.cfg.BreakoutFraction,
			Reason:   ReasonBreakout,
		})
	}
	if p.Trailing.Armed && ev.trailingFires(p, price) {
		return ev.fired(p, profit, Action{Type: ActionFullExit, Reason: ReasonTrailingStop})
	}

	// 3. Затухание импульса: был заметный пик, прибыль вернулась к
	// безубытку и короткое окно развернулось.
	if !p.Fired.Momentum &&
		p.PeakProfit >= ev.cfg.MomentumMinPeak &&
		profit <= ev.cfg.MomentumBreakevenBand &&
		ev.signals.MomentumReversal(ctx, p.Symbol) {
		return ev.fired(p, profit, Action{Type: ActionFullExit, Reason: ReasonMomentumFade})
	}

	// 4. Ступенчатая защита прибыли.
	if p.PeakProfit >= ev.cfg.ProtectionArmThreshold {
		p.ProtectionArmed = true
	}
	if p.ProtectionArmed && !p.Fired.Protection {
		if retrace, ok := tierRetrace(p.PeakProfit); ok {
			floor := p.PeakProfit * (1 - retrace)
			if profit <= floor {
				return ev.fired(p, profit, Action{Type: ActionFullExit, Reason: ReasonProtection})
			}
		}
	}

	// 5. Размотка усреднения: цена восстановилась выше входа докупки —
	// выходим только объёмом этой ступени.
	if stage, ok := ev.unwindStage(p, price); ok {
		return ev.fired(p, profit, Action{Type: ActionStageExit, Stage: stage, Reason: ReasonStageUnwind})
	}

	return Action{Type: ActionNone}
}

// Commit фиксирует одноразовые эффекты действия: флаг и взвод трейлинга
// выставляются только после того, как оркестратор подтвердил исполнение.
// Флаг до подтверждения заявлял бы выход, которого не было, и навсегда
// отключал бы правило при сбое исполнения.
func (ev *Evaluator) Commit(p *models.Position, a Action, price float64) {
	switch a.Reason {
	case ReasonTrendReversal:
		p.Fired.TrendReversal = true
	case ReasonBreakout:
		p.Fired.Breakout = true
		ev.armTrailing(p, price)
	case ReasonMomentumFade:
		p.Fired.Momentum = true
	case ReasonProtection:
		p.Fired.Protection = true
	}
}

func (ev *Evaluator) fired(p *models.Position, profit float64, a Action) Action {
	ev.logEntry(p.Symbol).WithFields(logrus.Fields{
		"reason":     a.Reason,
		"action":     string(a.Type),
		"profit_pct": fmt.Sprintf("%.4f", profit),
		"peak_pct":   fmt.Sprintf("%.4f", p.PeakProfit),
		"stage":      string(p.Stage),
		"total_qty":  p.TotalQty,
		"avg_price":  p.AvgPrice,
	}).Info("Сработало правило выхода.")
	mtxRulesFired.WithLabelValues(a.Reason).Inc()
	return a
}

func (ev *Evaluator) armTrailing(p *models.Position, price float64) {
	p.Trailing.Armed = true
	p.Trailing.HighWater = price
	p.Trailing.TrailFraction = ev.cfg.TrailFraction
	ev.logEntry(p.Symbol).WithFields(logrus.Fields{
		"high_water":     price,
		"trail_fraction": ev.cfg.TrailFraction,
	}).Info("Трейлинг-стоп взведён по остатку позиции.")
}

// updateTrailing двигает экстремум только в выгодную сторону.
func (ev *Evaluator) updateTrailing(p *models.Position, price float64) {
	if !p.Trailing.Armed {
		return
	}
	if p.Side == models.OrderSideBuy {
		if price > p.Trailing.HighWater {
			p.Trailing.HighWater = price
		}
	} else {
		if price < p.Trailing.HighWater {
			p.Trailing.HighWater = price
		}
	}
}

func (ev *Evaluator) trailingFires(p *models.Position, price float64) bool {
	hw := p.Trailing.HighWater
	if hw <= 0 {
		return false
	}
	frac := p.Trailing.TrailFraction
	if frac <= 0 {
		frac = ev.cfg.TrailFraction
	}
	if p.Side == models.OrderSideBuy {
		return price <= hw*(1-frac)
	}
	return price >= hw*(1+frac)
}

func tierRetrace(peak float64) (float64, bool) {
	for _, t := range protectionTiers {
		if peak >= t.peak {
			return t.retrace, true
		}
	}
	return 0, false
}

// unwindStage ищет самую глубокую заполненную ступень докупки, чей вход
// цена прошла обратно с запасом UnwindMargin.
func (ev *Evaluator) unwindStage(p *models.Position, price float64) (models.Stage, bool) {
	if p.Stage.Depth() == models.StageInitial.Depth() {
		return "", false
	}
	bestDepth := 0
	var best models.Stage
	for _, e := range p.Entries {
		if !e.Active || !e.Filled || e.Stage == models.StageInitial {
			continue
		}
		if !ev.recovered(p.Side, price, e.Price) {
			continue
		}
		if e.Stage.Depth() > bestDepth {
			bestDepth = e.Stage.Depth()
			best = e.Stage
		}
	}
	return best, bestDepth > 0
}

func (ev *Evaluator) recovered(side models.OrderSide, price, entry float64) bool {
	m := ev.cfg.UnwindMargin
	if side == models.OrderSideBuy {
		return price >= entry*(1+m)
	}
	return price <= entry*(1-m)
}
