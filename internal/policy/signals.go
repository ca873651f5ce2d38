package policy

import (
	"context"
	"math"

	"avgbot/internal/exchange"
	"avgbot/internal/logger"
	"avgbot/internal/models"
)

type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
}

const (
	klineInterval = "1m"
	klineLimit    = 60

	fastPeriod     = 7
	slowPeriod     = 25
	bandPeriod     = 20
	bandWidth      = 2.0
	momentumWindow = 3
)

// KlineSignals считает технические сигналы по минутным свечам.
// Направление берётся из конфигурации бота: для шорта все сравнения
// зеркальны.
type KlineSignals struct {
	source KlineSource
	side   models.OrderSide
	log    *logger.Logger
}

func NewKlineSignals(source KlineSource, side models.OrderSide, log *logger.Logger) *KlineSignals {
	return &KlineSignals{source: source, side: side, log: log}
}

func (k *KlineSignals) closes(ctx context.Context, symbol string, need int) []float64 {
	candles, err := k.source.GetKlines(ctx, symbol, klineInterval, klineLimit)
	if err != nil {
		k.log.WithComponent("signals").WithError(err).WithField("symbol", symbol).Warn("Свечи не получены, сигнал пропущен.")
		return nil
	}
	if len(candles) < need {
		return nil
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Reversal — быстрая средняя пересекла медленную против позиции.
func (k *KlineSignals) Reversal(ctx context.Context, symbol string) bool {
	closes := k.closes(ctx, symbol, slowPeriod+1)
	if closes == nil {
		return false
	}
	fastNow := sma(closes, fastPeriod, 0)
	slowNow := sma(closes, slowPeriod, 0)
	fastPrev := sma(closes, fastPeriod, 1)
	slowPrev := sma(closes, slowPeriod, 1)
	if k.side == models.OrderSideBuy {
		return fastPrev >= slowPrev && fastNow < slowNow
	}
	return fastPrev <= slowPrev && fastNow > slowNow
}

// Breakout — закрытие вышло за полосу в сторону прибыли позиции.
func (k *KlineSignals) Breakout(ctx context.Context, symbol string) bool {
	closes := k.closes(ctx, symbol, bandPeriod)
	if closes == nil {
		return false
	}
	mid := sma(closes, bandPeriod, 0)
	dev := stddev(closes, bandPeriod, mid)
	last := closes[len(closes)-1]
	if k.side == models.OrderSideBuy {
		return last > mid+bandWidth*dev
	}
	return last < mid-bandWidth*dev
}

// MomentumReversal — несколько подряд закрытий против позиции.
func (k *KlineSignals) MomentumReversal(ctx context.Context, symbol string) bool {
	closes := k.closes(ctx, symbol, momentumWindow+1)
	if closes == nil {
		return false
	}
	n := len(closes)
	for i := n - momentumWindow; i < n; i++ {
		if k.side == models.OrderSideBuy && closes[i] >= closes[i-1] {
			return false
		}
		if k.side == models.OrderSideSell && closes[i] <= closes[i-1] {
			return false
		}
	}
	return true
}

// sma по последним period закрытиям со сдвигом offset от конца.
func sma(closes []float64, period, offset int) float64 {
	end := len(closes) - offset
	start := end - period
	if start < 0 {
		return 0
	}
	var sum float64
	for _, c := range closes[start:end] {
		sum += c
	}
	return sum / float64(period)
}

func stddev(closes []float64, period int, mean float64) float64 {
	end := len(closes)
	start := end - period
	if start < 0 {
		return 0
	}
	var sum float64
	for _, c := range closes[start:end] {
		d := c - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(period))
}
