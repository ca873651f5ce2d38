package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
)

type RejectKind string

const (
	RejectMinNotional   RejectKind = "MIN_NOTIONAL"
	RejectMinQty        RejectKind = "MIN_QTY"
	RejectUnknownOrder  RejectKind = "UNKNOWN_ORDER"
	RejectDuplicateLink RejectKind = "DUPLICATE_LINK"
)

// ThrottleError — биржа ограничила частоту запросов. Hard означает бан,
// Local — локальный отказ бюджета без обращения к бирже.
type ThrottleError struct {
	Hard       bool
	Local      bool
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	kind := "мягкий троттлинг"
	if e.Hard {
		kind = "жёсткий бан"
	}
	if e.Local {
		kind = "локальный бюджет исчерпан"
	}
	return fmt.Sprintf("%s (повтор через %s): %v", kind, e.RetryAfter, e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// DomainRejection — ожидаемый отказ биржи (мелкий объём и т.п.), не ошибка.
type DomainRejection struct {
	Kind RejectKind
	Err  error
}

func (e *DomainRejection) Error() string {
	return fmt.Sprintf("отказ биржи %s: %v", e.Kind, e.Err)
}

func (e *DomainRejection) Unwrap() error { return e.Err }

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("временная ошибка: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type UnknownError struct {
	Err error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("неизвестная ошибка биржи: %v", e.Err)
}

func (e *UnknownError) Unwrap() error { return e.Err }

// Classify переводит сырую ошибку биржи в типизированную иерархию.
// Единственное место в репозитории, где разбираются коды venue-ошибок.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			hard := strings.Contains(strings.ToLower(apiErr.Message), "banned")
			return &ThrottleError{
				Hard:       hard,
				RetryAfter: retryAfterFromMessage(apiErr.Message, hard),
				Err:        err,
			}
		case -1013, -4164:
			return &DomainRejection{Kind: RejectMinNotional, Err: err}
		case -4003:
			return &DomainRejection{Kind: RejectMinQty, Err: err}
		case -2011, -2013:
			return &DomainRejection{Kind: RejectUnknownOrder, Err: err}
		case -4015, -2022:
			return &DomainRejection{Kind: RejectDuplicateLink, Err: err}
		}
		return &UnknownError{Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}

	return &UnknownError{Err: err}
}

// Сообщение жёсткого бана несёт таймстемп "banned until <ms>".
func retryAfterFromMessage(msg string, hard bool) time.Duration {
	const marker = "banned until "
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	ms, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0
	}
	until := time.UnixMilli(ms)
	if d := time.Until(until); d > 0 {
		return d
	}
	return 0
}

// IsSilent — ошибки, которые не надо ни алертить, ни эскалировать.
func IsSilent(err error) bool {
	var rej *DomainRejection
	var thr *ThrottleError
	return errors.As(err, &rej) || errors.As(err, &thr)
}
