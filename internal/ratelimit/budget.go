package ratelimit

import (
	"sync"
	"time"
)

const window = 60 * time.Second

// Допустимое расхождение локальной суммы с весом, который сообщил сервер.
const usageTolerance = 0.10

type weightEntry struct {
	at   time.Time
	cost int
}

type Budget struct {
	mu      sync.Mutex
	ceiling int
	entries []weightEntry
	now     func() time.Time
}

func NewBudget(ceiling int) *Budget {
	if ceiling <= 0 {
		ceiling = 1200
	}
	return &Budget{
		ceiling: ceiling,
		now:     time.Now,
	}
}

func (b *Budget) Admit(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(b.now())
	return b.used()+cost <= b.ceiling
}

// Record фиксирует вес выполненного запроса. Если сервер сообщил свой
// использованный вес и он заметно расходится с локальной суммой, локальная
// сумма заменяется серверной.
func (b *Budget) Record(cost int, serverUsed int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evict(now)
	if cost > 0 {
		b.entries = append(b.entries, weightEntry{at: now, cost: cost})
	}

	if serverUsed <= 0 {
		return
	}
	local := b.used()
	diff := float64(serverUsed - local)
	if diff < 0 {
		diff = -diff
	}
	if local > 0 && diff/float64(b.ceiling) <= usageTolerance {
		return
	}
	if local == 0 && serverUsed == 0 {
		return
	}
	b.entries = []weightEntry{{at: now, cost: serverUsed}}
}

func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(b.now())
	return b.used()
}

func (b *Budget) Ceiling() int {
	return b.ceiling
}

func (b *Budget) used() int {
	sum := 0
	for _, e := range b.entries {
		sum += e.cost
	}
	return sum
}

func (b *Budget) evict(now time.Time) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(b.entries) && !b.entries[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.entries = b.entries[idx:]
	}
}
