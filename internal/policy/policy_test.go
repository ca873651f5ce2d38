package policy

import (
	"context"
	"testing"

	"avgbot/internal/config"
	"avgbot/internal/logger"
	"avgbot/internal/models"
)

type fakeSignals struct {
	reversal bool
	breakout bool
	momentum bool
}

func (f *fakeSignals) Reversal(_ context.Context, _ string) bool         { return f.reversal }
func (f *fakeSignals) Breakout(_ context.Context, _ string) bool         { return f.breakout }
func (f *fakeSignals) MomentumReversal(_ context.Context, _ string) bool { return f.momentum }

func testCfg() config.ExitConfig {
	return config.ExitConfig{
		BreakoutFraction:        0.5,
		BreakoutProfitThreshold: 0.04,
		MomentumMinPeak:         0.05,
		MomentumBreakevenBand:   0.01,
		ProtectionArmThreshold:  0.08,
		TrailFraction:           0.015,
		UnwindMargin:            0.003,
	}
}

func testEval(cfg config.ExitConfig, sig *fakeSignals) *Evaluator {
	return New(cfg, sig, logger.New(logger.Config{Level: "error"}))
}

func buyPosition(t *testing.T, symbol string, fills map[models.Stage]struct{ price, qty float64 }) *models.Position {
	t.Helper()
	p, err := models.NewPosition(symbol, models.OrderSideBuy, 3)
	if err != nil {
		t.Fatalf("позиция не создана: %v", err)
	}
	p.Leverage = 1
	var qty, notional float64
	deepest := models.StageInitial
	for stage, f := range fills {
		e, err := models.NewEntry(stage, models.EntryKindImmediate, f.price, f.qty, 1, "ord-"+string(stage))
		if err != nil {
			t.Fatalf("запись не создана: %v", err)
		}
		e.Filled = true
		p.Entries = append(p.Entries, e)
		qty += f.qty
		notional += f.price * f.qty
		if stage.Depth() > deepest.Depth() {
			deepest = stage
		}
	}
	p.Stage = deepest
	p.TotalQty = qty
	p.TotalNotional = notional
	if qty > 0 {
		p.AvgPrice = notional / qty
	}
	return p
}

func TestReversalBeatsBreakout(t *testing.T) {
	sig := &fakeSignals{reversal: true, breakout: true}
	ev := testEval(testCfg(), sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})

	a := ev.Evaluate(context.Background(), p, 106)
	if a.Type != ActionFullExit || a.Reason != ReasonTrendReversal {
		t.Fatalf("ожидали полный выход по развороту, получили %+v", a)
	}
	if p.Fired.TrendReversal {
		t.Fatal("флаг выставлен до подтверждения исполнения")
	}
	ev.Commit(p, a, 106)
	if !p.Fired.TrendReversal {
		t.Fatal("одноразовый флаг разворота не выставлен после подтверждения")
	}
}

// Несработавшее действие не выжигает одноразовый флаг: пока исполнение
// не подтверждено, правило возвращается на каждом тике.
func TestExitRepeatsUntilCommitted(t *testing.T) {
	sig := &fakeSignals{reversal: true}
	ev := testEval(testCfg(), sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})

	a := ev.Evaluate(context.Background(), p, 100)
	if a.Type != ActionFullExit || a.Reason != ReasonTrendReversal {
		t.Fatalf("ожидали полный выход по развороту, получили %+v", a)
	}
	// Исполнение сорвалось, Commit не вызван — действие повторяется.
	a = ev.Evaluate(context.Background(), p, 100)
	if a.Type != ActionFullExit || a.Reason != ReasonTrendReversal {
		t.Fatalf("выход потерян без подтверждения: %+v", a)
	}
	ev.Commit(p, a, 100)
	if a := ev.Evaluate(context.Background(), p, 100); a.Type != ActionNone {
		t.Fatalf("повтор после подтверждения: %+v", a)
	}
}

func TestReversalOneShot(t *testing.T) {
	sig := &fakeSignals{reversal: true}
	ev := testEval(testCfg(), sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})
	p.Fired.TrendReversal = true

	a := ev.Evaluate(context.Background(), p, 100)
	if a.Type != ActionNone {
		t.Fatalf("повторное срабатывание разворота: %+v", a)
	}
}

func TestBreakoutPartialThenTrailing(t *testing.T) {
	sig := &fakeSignals{}
	cfg := testCfg()
	ev := testEval(cfg, sig)
	p := buyPosition(t, "ETHUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 2},
	})

	// Порог по прибыли работает без технического сигнала.
	a := ev.Evaluate(context.Background(), p, 105)
	if a.Type != ActionPartialExit || a.Reason != ReasonBreakout {
		t.Fatalf("ожидали частичный выход по пробою, получили %+v", a)
	}
	if a.Fraction != cfg.BreakoutFraction {
		t.Fatalf("доля выхода %f, ожидали %f", a.Fraction, cfg.BreakoutFraction)
	}
	ev.Commit(p, a, 105)
	if !p.Fired.Breakout {
		t.Fatal("одноразовый флаг пробоя не выставлен")
	}
	if !p.Trailing.Armed || p.Trailing.HighWater != 105 {
		t.Fatalf("трейлинг не взведён: %+v", p.Trailing)
	}

	// Пробой одноразовый, рост двигает верхнюю отметку.
	a = ev.Evaluate(context.Background(), p, 110)
	if a.Type != ActionNone {
		t.Fatalf("повторный пробой: %+v", a)
	}
	if p.Trailing.HighWater != 110 {
		t.Fatalf("верхняя отметка %f, ожидали 110", p.Trailing.HighWater)
	}

	// Откат глубже трейлинг-доли закрывает остаток.
	a = ev.Evaluate(context.Background(), p, 110*(1-cfg.TrailFraction)-0.01)
	if a.Type != ActionFullExit || a.Reason != ReasonTrailingStop {
		t.Fatalf("трейлинг не сработал: %+v", a)
	}
}

func TestMomentumFade(t *testing.T) {
	sig := &fakeSignals{momentum: true}
	cfg := testCfg()
	cfg.BreakoutProfitThreshold = 10 // отключаем пробой по прибыли
	ev := testEval(cfg, sig)
	p := buyPosition(t, "SOLUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})
	p.PeakProfit = 0.06

	a := ev.Evaluate(context.Background(), p, 100.5)
	if a.Type != ActionFullExit || a.Reason != ReasonMomentumFade {
		t.Fatalf("ожидали выход по затуханию импульса, получили %+v", a)
	}
	ev.Commit(p, a, 100.5)
	if !p.Fired.Momentum {
		t.Fatal("одноразовый флаг импульса не выставлен")
	}

	// Без заметного пика правило молчит.
	p2 := buyPosition(t, "SOLUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})
	p2.PeakProfit = 0.03
	if a := ev.Evaluate(context.Background(), p2, 100.5); a.Type != ActionNone {
		t.Fatalf("импульс сработал без пика: %+v", a)
	}
}

// Пик 12% попадает в ступень с откатом 25%: порог 9%. Прибыль 9.5%
// защиту не трогает, 9% — закрывает позицию целиком.
func TestProtectionTierScenario(t *testing.T) {
	sig := &fakeSignals{}
	cfg := testCfg()
	cfg.BreakoutProfitThreshold = 10
	ev := testEval(cfg, sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})

	if a := ev.Evaluate(context.Background(), p, 112); a.Type != ActionNone {
		t.Fatalf("неожиданное действие на пике: %+v", a)
	}
	if !p.ProtectionArmed {
		t.Fatal("защита не взведена при пике 12%")
	}

	if a := ev.Evaluate(context.Background(), p, 109.5); a.Type != ActionNone {
		t.Fatalf("защита сработала при прибыли 9.5%%: %+v", a)
	}
	a := ev.Evaluate(context.Background(), p, 109)
	if a.Type != ActionFullExit || a.Reason != ReasonProtection {
		t.Fatalf("защита не сработала при прибыли 9%%: %+v", a)
	}
	ev.Commit(p, a, 109)
	if !p.Fired.Protection {
		t.Fatal("одноразовый флаг защиты не выставлен")
	}
}

func TestProtectionNotArmedBelowThreshold(t *testing.T) {
	sig := &fakeSignals{}
	cfg := testCfg()
	cfg.BreakoutProfitThreshold = 10
	ev := testEval(cfg, sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial: {100, 1},
	})

	ev.Evaluate(context.Background(), p, 107)
	if p.ProtectionArmed {
		t.Fatal("защита взведена ниже порога 8%")
	}
	if a := ev.Evaluate(context.Background(), p, 100.1); a.Type != ActionNone {
		t.Fatalf("невзведённая защита сработала: %+v", a)
	}
}

// Докупка на 90 при входе на 100: возврат цены к 100 разматывает только
// ступень докупки.
func TestStageUnwind(t *testing.T) {
	sig := &fakeSignals{}
	cfg := testCfg()
	cfg.BreakoutProfitThreshold = 10
	ev := testEval(cfg, sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial:  {100, 10},
		models.StageFirstAdd: {90, 10},
	})

	a := ev.Evaluate(context.Background(), p, 100)
	if a.Type != ActionStageExit || a.Stage != models.StageFirstAdd {
		t.Fatalf("ожидали размотку FIRST_ADD, получили %+v", a)
	}

	// Ниже входа докупки с учётом запаса размотки нет.
	p2 := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial:  {100, 10},
		models.StageFirstAdd: {90, 10},
	})
	if a := ev.Evaluate(context.Background(), p2, 90.1); a.Type != ActionNone {
		t.Fatalf("размотка ниже запаса: %+v", a)
	}
}

func TestUnwindPicksDeepestStage(t *testing.T) {
	sig := &fakeSignals{}
	cfg := testCfg()
	cfg.BreakoutProfitThreshold = 10
	ev := testEval(cfg, sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial:   {100, 10},
		models.StageFirstAdd:  {90, 10},
		models.StageSecondAdd: {80, 20},
	})

	a := ev.Evaluate(context.Background(), p, 92)
	if a.Type != ActionStageExit || a.Stage != models.StageSecondAdd {
		t.Fatalf("ожидали размотку SECOND_ADD, получили %+v", a)
	}
}

func TestSingleActionPerTick(t *testing.T) {
	// И пробой по прибыли, и размотка верны одновременно — выигрывает
	// правило с большим приоритетом, второе действие не возвращается.
	sig := &fakeSignals{}
	ev := testEval(testCfg(), sig)
	p := buyPosition(t, "BTCUSDT", map[models.Stage]struct{ price, qty float64 }{
		models.StageInitial:  {100, 10},
		models.StageFirstAdd: {90, 10},
	})

	a := ev.Evaluate(context.Background(), p, 101)
	if a.Type != ActionPartialExit || a.Reason != ReasonBreakout {
		t.Fatalf("ожидали пробой, получили %+v", a)
	}
}

func TestSellSideTrailing(t *testing.T) {
	sig := &fakeSignals{}
	cfg := testCfg()
	ev := testEval(cfg, sig)
	p, err := models.NewPosition("BTCUSDT", models.OrderSideSell, 3)
	if err != nil {
		t.Fatalf("позиция не создана: %v", err)
	}
	p.Leverage = 1
	e, err := models.NewEntry(models.StageInitial, models.EntryKindImmediate, 100, 1, 1, "ord-s")
	if err != nil {
		t.Fatalf("запись не создана: %v", err)
	}
	e.Filled = true
	p.Entries = append(p.Entries, e)
	p.TotalQty, p.TotalNotional, p.AvgPrice = 1, 100, 100

	// Для шорта прибыль растёт на падении.
	a := ev.Evaluate(context.Background(), p, 95)
	if a.Type != ActionPartialExit || a.Reason != ReasonBreakout {
		t.Fatalf("ожидали пробой на шорте, получили %+v", a)
	}
	ev.Commit(p, a, 95)
	ev.Evaluate(context.Background(), p, 93)
	if p.Trailing.HighWater != 93 {
		t.Fatalf("нижняя отметка %f, ожидали 93", p.Trailing.HighWater)
	}
	a = ev.Evaluate(context.Background(), p, 93*(1+cfg.TrailFraction)+0.01)
	if a.Type != ActionFullExit || a.Reason != ReasonTrailingStop {
		t.Fatalf("трейлинг на шорте не сработал: %+v", a)
	}
}
