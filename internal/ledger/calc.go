package ledger

import (
	"math"

	"avgbot/internal/models"
)

// Порог неправдоподобного скачка средней цены за одну мутацию.
const maxAvgJump = 0.20

const qtyEpsilon = 1e-9

func CalcAvgPrice(totalNotional, totalQty float64) float64 {
	if totalQty == 0 {
		return 0
	}
	return totalNotional / totalQty
}

// aggregate суммирует активные исполненные записи позиции.
func aggregate(p *models.Position) (qty, notional float64) {
	for _, e := range p.Entries {
		if !e.Active || !e.Filled {
			continue
		}
		qty += e.Qty
		notional += e.Notional
	}
	return qty, notional
}

// deepestFilledStage — самая глубокая стадия среди активных исполненных записей.
func deepestFilledStage(p *models.Position) models.Stage {
	depth := -1
	for _, e := range p.Entries {
		if !e.Active || !e.Filled {
			continue
		}
		if e.Stage.Depth() > depth {
			depth = e.Stage.Depth()
		}
	}
	if depth < 0 {
		return models.StageInitial
	}
	return models.StageByDepth(depth)
}

func plausibleAvg(oldAvg, newAvg float64) bool {
	if oldAvg <= 0 || newAvg <= 0 {
		return true
	}
	return math.Abs(newAvg-oldAvg)/oldAvg <= maxAvgJump
}

func qtyZero(qty, step float64) bool {
	threshold := step / 2
	if threshold <= 0 {
		threshold = qtyEpsilon
	}
	return qty <= threshold
}
