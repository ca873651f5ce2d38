package ledger

import (
	"fmt"
	"sync"
	"time"

	"avgbot/internal/logger"
	"avgbot/internal/models"

	"github.com/sirupsen/logrus"
)

// Ledger — единственный владелец позиций и их записей. Все мутации одной
// позиции проходят под общим замком; составные последовательности
// (оценка выхода, сверка) выполняются через WithPosition.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*models.Position
	store     *Store
	log       *logger.Logger
	cycleCap  int
	qtyStep   float64
}

func New(store *Store, cycleCap int, qtyStep float64, log *logger.Logger) *Ledger {
	if cycleCap <= 0 {
		cycleCap = 3
	}
	return &Ledger{
		positions: make(map[string]*models.Position),
		store:     store,
		log:       log,
		cycleCap:  cycleCap,
		qtyStep:   qtyStep,
	}
}

func (l *Ledger) logEntry(symbol string) *logrus.Entry {
	return l.log.WithComponent("ledger").WithField("symbol", symbol)
}

// Load восстанавливает позиции из хранилища при старте.
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	positions, err := l.store.Load()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		if p.Active {
			l.positions[p.Symbol] = p
		}
	}
	l.log.WithComponent("ledger").WithFields(logrus.Fields{
		"count": len(l.positions),
	}).Info("Позиции восстановлены из хранилища.")
	return nil
}

func (l *Ledger) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	return out
}

// Snapshot возвращает копию позиции для читателей вне замка.
func (l *Ledger) Snapshot(symbol string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return clonePosition(p), true
}

// WithPosition выполняет fn под замком позиции: чтение, решение и мутация
// не перемежаются с конкурентными исполнениями или сверкой.
func (l *Ledger) WithPosition(symbol string, fn func(p *models.Position) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("позиции %s нет в леджере", symbol)
	}
	err := fn(p)
	l.persistLocked()
	return err
}

// Open создаёт позицию со стадией INITIAL и одной неисполненной записью.
func (l *Ledger) Open(symbol string, side models.OrderSide, price, qty float64, leverage int, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.positions[symbol]; ok && existing.Active {
		return fmt.Errorf("по %s уже есть активная позиция", symbol)
	}

	p, err := models.NewPosition(symbol, side, l.cycleCap)
	if err != nil {
		return err
	}
	entry, err := models.NewEntry(models.StageInitial, models.EntryKindImmediate, price, qty, leverage, orderID)
	if err != nil {
		return err
	}
	p.Entries = append(p.Entries, entry)
	p.Leverage = leverage
	p.UpdatedAt = time.Now()
	l.positions[symbol] = p

	l.logEntry(symbol).WithFields(logrus.Fields{
		"price": price,
		"qty":   qty,
	}).Info("Позиция открыта, ожидание исполнения входа.")
	l.persistLocked()
	return nil
}

// Adopt регистрирует позицию, уже существующую на бирже (сверка).
func (l *Ledger) Adopt(symbol string, side models.OrderSide, price, qty float64, leverage int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.positions[symbol]; ok && existing.Active {
		return fmt.Errorf("по %s уже есть активная позиция", symbol)
	}

	p, err := models.NewPosition(symbol, side, l.cycleCap)
	if err != nil {
		return err
	}
	entry, err := models.NewEntry(models.StageInitial, models.EntryKindImmediate, price, qty, leverage, "")
	if err != nil {
		return err
	}
	entry.Filled = true
	entry.FilledAt = time.Now()
	p.Entries = append(p.Entries, entry)
	p.Leverage = leverage
	if err := l.recomputeLocked(p); err != nil {
		return err
	}
	p.FirstEntryPrice = price
	l.positions[symbol] = p

	l.logEntry(symbol).WithFields(logrus.Fields{
		"price": price,
		"qty":   qty,
	}).Info("Принята позиция с биржи.")
	l.persistLocked()
	return nil
}

// RegisterPendingAdd добавляет неисполненную запись усредняющего ордера.
// До исполнения запись не влияет ни на среднюю цену, ни на стадию.
func (l *Ledger) RegisterPendingAdd(symbol string, stage models.Stage, price, qty float64, leverage int, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok || !p.Active {
		return fmt.Errorf("по %s нет активной позиции", symbol)
	}
	if p.Cyclic == models.CyclicComplete {
		return fmt.Errorf("цикл по %s исчерпан, новые усреднения запрещены", symbol)
	}
	if stage.Depth() <= p.Stage.Depth() {
		return fmt.Errorf("стадия %s не глубже текущей %s", stage, p.Stage)
	}

	entry, err := models.NewEntry(stage, models.EntryKindResting, price, qty, leverage, orderID)
	if err != nil {
		return err
	}
	p.Entries = append(p.Entries, entry)
	p.UpdatedAt = time.Now()

	l.logEntry(symbol).WithFields(logrus.Fields{
		"stage":    string(stage),
		"price":    price,
		"qty":      qty,
		"order_id": orderID,
	}).Info("Зарегистрирован отложенный усредняющий ордер.")
	l.persistLocked()
	return nil
}

// CancelPending деактивирует неисполненную запись, когда её ордер снят
// или отклонён биржей. Исполненные записи этим путём не трогаются.
func (l *Ledger) CancelPending(symbol, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("по %s нет позиции", symbol)
	}
	for _, e := range p.Entries {
		if e.OrderID == orderID && e.Active && !e.Filled {
			e.Active = false
			p.UpdatedAt = time.Now()
			l.logEntry(symbol).WithField("order_id", orderID).Info("Отложенная запись снята.")
			l.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("неисполненная запись с ордером %s не найдена", orderID)
}

// MarkEntryFilled отмечает исполнение записи и пересчитывает агрегаты.
func (l *Ledger) MarkEntryFilled(symbol, orderID string, fillPrice, fillQty float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok || !p.Active {
		return fmt.Errorf("по %s нет активной позиции", symbol)
	}

	var entry *models.Entry
	for _, e := range p.Entries {
		if e.OrderID == orderID && e.Active && !e.Filled {
			entry = e
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("запись с ордером %s не найдена или уже исполнена", orderID)
	}

	prev := *entry
	entry.Filled = true
	entry.FilledAt = time.Now()
	if fillPrice > 0 {
		entry.Price = fillPrice
	}
	if fillQty > 0 {
		entry.Qty = fillQty
	}
	entry.Notional = entry.Price * entry.Qty

	if err := l.recomputeLocked(p); err != nil {
		*entry = prev
		return err
	}

	if p.FirstEntryPrice == 0 && entry.Stage == models.StageInitial {
		p.FirstEntryPrice = entry.Price
	}
	prevStage := p.Stage
	p.Stage = deepestFilledStage(p)
	if entry.Stage != models.StageInitial {
		l.advanceCyclicOnAddLocked(p)
	}

	l.logEntry(symbol).WithFields(logrus.Fields{
		"order_id":  orderID,
		"price":     entry.Price,
		"qty":       entry.Qty,
		"avg_price": p.AvgPrice,
		"stage":     string(p.Stage),
	}).Info("Запись исполнена.")
	if prevStage != p.Stage {
		l.logEntry(symbol).WithFields(logrus.Fields{
			"from": string(prevStage),
			"to":   string(p.Stage),
		}).Info("Переход стадии.")
	}
	l.persistLocked()
	return nil
}

// PartialExit пропорционально уменьшает все активные записи. Запись никогда
// не удаляется целиком: вместо нуля остаётся минимальный остаток, чтобы
// сохранить историю себестоимости.
func (l *Ledger) PartialExit(symbol string, exitQty, exitPrice float64, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partialExitLocked(symbol, exitQty, exitPrice, reason)
}

func (l *Ledger) partialExitLocked(symbol string, exitQty, exitPrice float64, reason string) (bool, error) {
	p, ok := l.positions[symbol]
	if !ok || !p.Active {
		return false, fmt.Errorf("по %s нет активной позиции", symbol)
	}
	if exitQty <= 0 {
		return false, fmt.Errorf("некорректный объём выхода: %f", exitQty)
	}

	totalQty, _ := aggregate(p)
	if qtyZero(totalQty-exitQty, l.qtyStep) {
		l.addRealizedLocked(p, exitPrice, totalQty)
		l.closeLocked(p, reason)
		l.persistLocked()
		return true, nil
	}

	factor := (totalQty - exitQty) / totalQty
	var touched []*models.Entry
	var prev []models.Entry
	for _, e := range p.Entries {
		if !e.Active || !e.Filled {
			continue
		}
		touched = append(touched, e)
		prev = append(prev, *e)
		scaled := e.Qty * factor
		if scaled < qtyEpsilon {
			scaled = qtyEpsilon
		}
		e.Qty = scaled
		e.Notional = e.Price * e.Qty
	}
	if err := l.recomputeLocked(p); err != nil {
		for i, e := range touched {
			*e = prev[i]
		}
		return false, err
	}
	l.addRealizedLocked(p, exitPrice, exitQty)
	p.UpdatedAt = time.Now()

	l.logEntry(symbol).WithField("reason", reason).WithFields(logrus.Fields{
		"exit_qty":  exitQty,
		"left_qty":  p.TotalQty,
		"avg_price": p.AvgPrice,
	}).Info("Частичный выход.")
	l.persistLocked()
	return false, nil
}

// StageExit закрывает только записи указанной стадии и откатывает стадию
// на следующую населённую ниже.
func (l *Ledger) StageExit(symbol string, stage models.Stage, exitPrice float64, reason string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok || !p.Active {
		return 0, fmt.Errorf("по %s нет активной позиции", symbol)
	}

	var exited float64
	var touched []*models.Entry
	for _, e := range p.Entries {
		if !e.Active || !e.Filled || e.Stage != stage {
			continue
		}
		exited += e.Qty
		e.Active = false
		touched = append(touched, e)
	}
	if exited == 0 {
		return 0, fmt.Errorf("на стадии %s нет активных записей", stage)
	}

	remaining, _ := aggregate(p)
	if qtyZero(remaining, l.qtyStep) {
		l.addRealizedLocked(p, exitPrice, exited)
		l.closeLocked(p, reason)
		l.persistLocked()
		return exited, nil
	}

	if err := l.recomputeLocked(p); err != nil {
		// Отклонённый пересчёт не должен оставить половину мутации.
		for _, e := range touched {
			e.Active = true
		}
		return 0, err
	}
	l.addRealizedLocked(p, exitPrice, exited)
	prevStage := p.Stage
	p.Stage = deepestFilledStage(p)
	if p.Stage == models.StageInitial {
		l.advanceCyclicOnRegressLocked(p)
	}
	p.UpdatedAt = time.Now()

	l.logEntry(symbol).WithField("reason", reason).WithFields(logrus.Fields{
		"stage":     string(stage),
		"exit_qty":  exited,
		"from":      string(prevStage),
		"to":        string(p.Stage),
		"avg_price": p.AvgPrice,
	}).Info("Выход по стадии, стадия откатена.")
	l.persistLocked()
	return exited, nil
}

// FullExit деактивирует позицию целиком и сбрасывает одноразовые флаги.
func (l *Ledger) FullExit(symbol string, exitPrice float64, reason string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok || !p.Active {
		return 0, fmt.Errorf("по %s нет активной позиции", symbol)
	}

	qty, _ := aggregate(p)
	l.addRealizedLocked(p, exitPrice, qty)
	l.closeLocked(p, reason)
	l.persistLocked()
	return qty, nil
}

// Remove убирает позицию без выхода: биржа её уже не видит (сирота).
func (l *Ledger) Remove(symbol, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[symbol]; !ok {
		return
	}
	delete(l.positions, symbol)
	l.logEntry(symbol).WithField("reason", reason).Warn("Позиция удалена из леджера.")
	l.persistLocked()
}

// ScaleToQty приводит суммарный объём к биржевому при дрейфе: записи
// уменьшаются пропорционально, как при частичном выходе.
func (l *Ledger) ScaleToQty(symbol string, targetQty float64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok || !p.Active {
		return fmt.Errorf("по %s нет активной позиции", symbol)
	}
	totalQty, _ := aggregate(p)
	if targetQty >= totalQty || totalQty <= 0 {
		return fmt.Errorf("целевой объём %f не меньше текущего %f", targetQty, totalQty)
	}
	_, err := l.partialExitLocked(symbol, totalQty-targetQty, p.AvgPrice, reason)
	return err
}

func (l *Ledger) closeLocked(p *models.Position, reason string) {
	for _, e := range p.Entries {
		e.Active = false
	}
	now := time.Now()
	p.Active = false
	p.Stage = models.StageClosing
	p.TotalQty = 0
	p.TotalNotional = 0
	p.Fired = models.ExitFlags{}
	p.Trailing = models.TrailingState{}
	p.ProtectionArmed = false
	p.UpdatedAt = now
	delete(l.positions, p.Symbol)

	l.logEntry(p.Symbol).WithField("reason", reason).Info("Позиция закрыта полностью.")
	mtxOpenPositions.Set(float64(len(l.positions)))
}

// recomputeLocked пересчитывает агрегаты по активным исполненным записям.
// Неправдоподобный скачок средней отклоняется и не применяется.
func (l *Ledger) recomputeLocked(p *models.Position) error {
	qty, notional := aggregate(p)
	newAvg := CalcAvgPrice(notional, qty)
	if !plausibleAvg(p.AvgPrice, newAvg) {
		l.logEntry(p.Symbol).WithFields(logrus.Fields{
			"old_avg": p.AvgPrice,
			"new_avg": newAvg,
		}).Warn("Неправдоподобный скачок средней цены, пересчёт отклонён.")
		return fmt.Errorf("скачок средней цены %f -> %f отклонён", p.AvgPrice, newAvg)
	}
	p.AvgPrice = newAvg
	p.TotalQty = qty
	p.TotalNotional = notional
	return nil
}

func (l *Ledger) addRealizedLocked(p *models.Position, exitPrice, qty float64) {
	if exitPrice <= 0 || p.AvgPrice <= 0 || qty <= 0 {
		return
	}
	realized := (exitPrice - p.AvgPrice) * qty
	if p.Side == models.OrderSideSell {
		realized = -realized
	}
	p.CyclicProfit += realized
	mtxRealized.Add(realized)
}

func (l *Ledger) advanceCyclicOnAddLocked(p *models.Position) {
	switch p.Cyclic {
	case models.CyclicNormal:
		p.Cyclic = models.CyclicActive
		p.CycleCount = 1
	case models.CyclicPaused:
		if p.CycleCount >= p.CycleCap {
			p.Cyclic = models.CyclicComplete
			return
		}
		p.CycleCount++
		p.Cyclic = models.CyclicActive
	}
}

func (l *Ledger) advanceCyclicOnRegressLocked(p *models.Position) {
	if p.Cyclic != models.CyclicActive {
		return
	}
	if p.CycleCount >= p.CycleCap {
		p.Cyclic = models.CyclicComplete
		l.logEntry(p.Symbol).Info("Циклы усреднения исчерпаны.")
		return
	}
	p.Cyclic = models.CyclicPaused
	l.logEntry(p.Symbol).WithFields(logrus.Fields{
		"cycle": p.CycleCount,
		"cap":   p.CycleCap,
	}).Info("Цикл усреднения развёрнут, пауза.")
}

func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	positions := make([]*models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, p)
	}
	if err := l.store.Save(positions); err != nil {
		l.log.WithComponent("ledger").WithError(err).Warn("Не удалось сохранить состояние.")
	}
	mtxOpenPositions.Set(float64(len(l.positions)))
}

func clonePosition(p *models.Position) models.Position {
	cp := *p
	cp.Entries = make([]*models.Entry, len(p.Entries))
	for i, e := range p.Entries {
		ce := *e
		cp.Entries[i] = &ce
	}
	return cp
}
