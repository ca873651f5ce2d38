package models

import (
	"fmt"
	"time"
)

type OrderSide string
type OrderType string
type OrderStatus string
type Stage string
type CyclicState string
type EntryKind string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"

	StageInitial   Stage = "INITIAL"
	StageFirstAdd  Stage = "FIRST_ADD"
	StageSecondAdd Stage = "SECOND_ADD"
	StageClosing   Stage = "CLOSING"

	CyclicNormal   CyclicState = "NORMAL"
	CyclicActive   CyclicState = "ACTIVE"
	CyclicPaused   CyclicState = "PAUSED"
	CyclicComplete CyclicState = "COMPLETE"

	EntryKindImmediate EntryKind = "IMMEDIATE"
	EntryKindResting   EntryKind = "RESTING"
)

var stageOrder = map[Stage]int{
	StageInitial:   0,
	StageFirstAdd:  1,
	StageSecondAdd: 2,
	StageClosing:   3,
}

func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

func (s Stage) Depth() int {
	return stageOrder[s]
}

func StageByDepth(depth int) Stage {
	switch depth {
	case 0:
		return StageInitial
	case 1:
		return StageFirstAdd
	case 2:
		return StageSecondAdd
	default:
		return StageClosing
	}
}

func (c CyclicState) Valid() bool {
	switch c {
	case CyclicNormal, CyclicActive, CyclicPaused, CyclicComplete:
		return true
	}
	return false
}

type Entry struct {
	Stage     Stage     `json:"stage"`
	Kind      EntryKind `json:"kind"`
	OrderID   string    `json:"order_id"`
	LinkID    string    `json:"link_id"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Notional  float64   `json:"notional"`
	Leverage  int       `json:"leverage"`
	Active    bool      `json:"active"`
	Filled    bool      `json:"filled"`
	CreatedAt time.Time `json:"created_at"`
	FilledAt  time.Time `json:"filled_at,omitempty"`
}

func NewEntry(stage Stage, kind EntryKind, price, qty float64, leverage int, orderID string) (*Entry, error) {
	if !stage.Valid() || stage == StageClosing {
		return nil, fmt.Errorf("недопустимая стадия записи: %s", stage)
	}
	if kind != EntryKindImmediate && kind != EntryKindResting {
		return nil, fmt.Errorf("недопустимый вид ордера: %s", kind)
	}
	if price <= 0 || qty <= 0 {
		return nil, fmt.Errorf("недопустимые цена/объём записи: price=%f qty=%f", price, qty)
	}
	if leverage <= 0 {
		leverage = 1
	}
	return &Entry{
		Stage:     stage,
		Kind:      kind,
		OrderID:   orderID,
		Price:     price,
		Qty:       qty,
		Notional:  price * qty,
		Leverage:  leverage,
		Active:    true,
		CreatedAt: time.Now(),
	}, nil
}

type TrailingState struct {
	Armed         bool    `json:"armed"`
	HighWater     float64 `json:"high_water"`
	TrailFraction float64 `json:"trail_fraction"`
}

type ExitFlags struct {
	TrendReversal bool `json:"trend_reversal"`
	Breakout      bool `json:"breakout"`
	Momentum      bool `json:"momentum"`
	Protection    bool `json:"protection"`
}

type Position struct {
	Symbol          string        `json:"symbol"`
	Side            OrderSide     `json:"side"`
	Entries         []*Entry      `json:"entries"`
	Stage           Stage         `json:"stage"`
	FirstEntryPrice float64       `json:"first_entry_price"`
	AvgPrice        float64       `json:"avg_price"`
	TotalQty        float64       `json:"total_qty"`
	TotalNotional   float64       `json:"total_notional"`
	Leverage        int           `json:"leverage"`
	Active          bool          `json:"active"`
	CycleCount      int           `json:"cycle_count"`
	CycleCap        int           `json:"cycle_cap"`
	Cyclic          CyclicState   `json:"cyclic"`
	CyclicProfit    float64       `json:"cyclic_profit"`
	PeakProfit      float64       `json:"peak_profit"`
	ProtectionArmed bool          `json:"protection_armed"`
	Fired           ExitFlags     `json:"fired"`
	Trailing        TrailingState `json:"trailing"`
	OpenedAt        time.Time     `json:"opened_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func NewPosition(symbol string, side OrderSide, cycleCap int) (*Position, error) {
	if symbol == "" {
		return nil, fmt.Errorf("пустой символ позиции")
	}
	if side != OrderSideBuy && side != OrderSideSell {
		return nil, fmt.Errorf("недопустимое направление позиции: %s", side)
	}
	if cycleCap <= 0 {
		cycleCap = 1
	}
	return &Position{
		Symbol:   symbol,
		Side:     side,
		Stage:    StageInitial,
		Cyclic:   CyclicNormal,
		CycleCap: cycleCap,
		Active:   true,
		OpenedAt: time.Now(),
	}, nil
}

// Profit возвращает долю прибыли на маржу при текущей цене, с учётом плеча.
func (p *Position) Profit(price float64) float64 {
	if p.AvgPrice <= 0 || price <= 0 {
		return 0
	}
	lev := float64(p.Leverage)
	if lev <= 0 {
		lev = 1
	}
	move := (price - p.AvgPrice) / p.AvgPrice
	if p.Side == OrderSideSell {
		move = -move
	}
	return move * lev
}

type Order struct {
	ID           string      `json:"id"`
	LinkID       string      `json:"link_id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Price        float64     `json:"price"`
	Qty          float64     `json:"qty"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Status       OrderStatus `json:"status"`
	ReduceOnly   bool        `json:"reduce_only"`
	TimeInForce  string      `json:"time_in_force"`
	CreateTime   time.Time   `json:"create_time"`
	UpdateTime   time.Time   `json:"update_time"`
}

type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}
