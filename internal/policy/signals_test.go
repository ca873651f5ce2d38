package policy

import (
	"context"
	"testing"

	"avgbot/internal/exchange"
	"avgbot/internal/logger"
	"avgbot/internal/models"
)

type fakeKlines struct {
	closes []float64
}

func (f *fakeKlines) GetKlines(_ context.Context, _, _ string, _ int) ([]exchange.Candle, error) {
	out := make([]exchange.Candle, len(f.closes))
	for i, c := range f.closes {
		out[i] = exchange.Candle{Close: c}
	}
	return out, nil
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestReversalCrossDown(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})

	// Ровный рынок и резкое падение последней свечи: быстрая средняя
	// уходит под медленную ровно на последнем баре.
	closes := append(flat(59, 100), 90)
	sig := NewKlineSignals(&fakeKlines{closes: closes}, models.OrderSideBuy, log)
	if !sig.Reversal(context.Background(), "BTCUSDT") {
		t.Fatal("разворот вниз не распознан")
	}

	// На ровном рынке разворота нет.
	sigFlat := NewKlineSignals(&fakeKlines{closes: flat(60, 100)}, models.OrderSideBuy, log)
	if sigFlat.Reversal(context.Background(), "BTCUSDT") {
		t.Fatal("разворот на ровном рынке")
	}
}

func alternating(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 99
		} else {
			out[i] = 101
		}
	}
	return out
}

func TestBreakoutAboveBand(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})

	closes := append(alternating(59), 106)
	sig := NewKlineSignals(&fakeKlines{closes: closes}, models.OrderSideBuy, log)
	if !sig.Breakout(context.Background(), "BTCUSDT") {
		t.Fatal("пробой полосы вверх не распознан")
	}

	inside := append(alternating(59), 100.5)
	sigIn := NewKlineSignals(&fakeKlines{closes: inside}, models.OrderSideBuy, log)
	if sigIn.Breakout(context.Background(), "BTCUSDT") {
		t.Fatal("пробой внутри полосы")
	}
}

func TestMomentumReversalConsecutive(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})

	closes := append(flat(56, 100), 99, 98, 97, 96)
	sig := NewKlineSignals(&fakeKlines{closes: closes}, models.OrderSideBuy, log)
	if !sig.MomentumReversal(context.Background(), "BTCUSDT") {
		t.Fatal("серия падающих закрытий не распознана")
	}

	mixed := append(flat(56, 100), 99, 100, 97, 96)
	sigMixed := NewKlineSignals(&fakeKlines{closes: mixed}, models.OrderSideBuy, log)
	if sigMixed.MomentumReversal(context.Background(), "BTCUSDT") {
		t.Fatal("серия с отскоком распознана как слив")
	}
}
