package engine

import (
	"math"
	"testing"

	"avgbot/internal/models"
)

func TestPlanAddsBuyGrid(t *testing.T) {
	plans := planAdds(models.OrderSideBuy, 100, 1, 2, []float64{2, 5})
	if len(plans) != 2 {
		t.Fatalf("ожидали 2 ступени, получили %d", len(plans))
	}
	if plans[0].Stage != models.StageFirstAdd || plans[0].Price != 98 || plans[0].Qty != 2 {
		t.Fatalf("первая ступень: %+v", plans[0])
	}
	if plans[1].Stage != models.StageSecondAdd || plans[1].Price != 95 || plans[1].Qty != 4 {
		t.Fatalf("вторая ступень: %+v", plans[1])
	}
}

func TestPlanAddsSellMirrors(t *testing.T) {
	plans := planAdds(models.OrderSideSell, 100, 1, 1.5, []float64{3})
	if len(plans) != 1 {
		t.Fatalf("ожидали 1 ступень, получили %d", len(plans))
	}
	if plans[0].Price != 103 {
		t.Fatalf("цена шортовой ступени %f, ожидали 103", plans[0].Price)
	}
	if math.Abs(plans[0].Qty-1.5) > 1e-12 {
		t.Fatalf("объём ступени %f, ожидали 1.5", plans[0].Qty)
	}
}

func TestPlanAddsCapsAtTwoStages(t *testing.T) {
	plans := planAdds(models.OrderSideBuy, 100, 1, 2, []float64{2, 5, 9, 15})
	if len(plans) != 2 {
		t.Fatalf("сетка глубже двух ступеней: %d", len(plans))
	}
}

func TestMissingStagesSkipsExisting(t *testing.T) {
	p, err := models.NewPosition("BTCUSDT", models.OrderSideBuy, 3)
	if err != nil {
		t.Fatalf("позиция не создана: %v", err)
	}
	e1, err := models.NewEntry(models.StageInitial, models.EntryKindImmediate, 100, 1, 1, "o1")
	if err != nil {
		t.Fatalf("запись не создана: %v", err)
	}
	e2, err := models.NewEntry(models.StageFirstAdd, models.EntryKindResting, 98, 2, 1, "o2")
	if err != nil {
		t.Fatalf("запись не создана: %v", err)
	}
	p.Entries = append(p.Entries, e1, e2)

	plans := planAdds(models.OrderSideBuy, 100, 1, 2, []float64{2, 5})
	missing := missingStages(p, plans)
	if len(missing) != 1 || missing[0].Stage != models.StageSecondAdd {
		t.Fatalf("недостающие ступени: %+v", missing)
	}
}
