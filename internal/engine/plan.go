package engine

import (
	"math"

	"avgbot/internal/models"
)

type stagePlan struct {
	Stage models.Stage
	Price float64
	Qty   float64
}

// planAdds строит сетку усреднений от цены первого входа: каждая
// ступень стоит на своём проценте просадки, объём растёт множителем.
func planAdds(side models.OrderSide, firstEntry, baseQty, multiplier float64, dropPercents []float64) []stagePlan {
	if firstEntry <= 0 || baseQty <= 0 {
		return nil
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	plans := make([]stagePlan, 0, len(dropPercents))
	for i, drop := range dropPercents {
		depth := i + 1
		stage := models.StageByDepth(depth)
		if stage == models.StageClosing || stage == models.StageInitial {
			break
		}
		shift := drop / 100
		price := firstEntry * (1 - shift)
		if side == models.OrderSideSell {
			price = firstEntry * (1 + shift)
		}
		plans = append(plans, stagePlan{
			Stage: stage,
			Price: price,
			Qty:   baseQty * math.Pow(multiplier, float64(depth)),
		})
	}
	return plans
}

// missingStages отбирает ступени, по которым у позиции ещё нет записи.
func missingStages(p *models.Position, plans []stagePlan) []stagePlan {
	have := map[models.Stage]bool{}
	for _, e := range p.Entries {
		if e.Active {
			have[e.Stage] = true
		}
	}
	out := make([]stagePlan, 0, len(plans))
	for _, pl := range plans {
		if !have[pl.Stage] {
			out = append(out, pl)
		}
	}
	return out
}
