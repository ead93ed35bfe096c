package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/derivbot/gotrade/internal/risk"
	"github.com/derivbot/gotrade/internal/venue"
	"github.com/derivbot/gotrade/pkg/ratelimit"
)

// Code 执行失败的固定分类,调用方按此决定是否重试
type Code string

const (
	CodeThrottle         Code = "Throttle"
	CodeProposalReject   Code = "ProposalReject"
	CodeBuyReject        Code = "BuyReject"
	CodeSlippageExceeded Code = "SlippageExceeded"
	CodeRequoteExhausted Code = "RequoteExhausted"
	CodeTimeout          Code = "Timeout"
	CodeAuth             Code = "Auth"
	CodeNetwork          Code = "Network"
	CodeUnknown          Code = "Unknown"
)

// Error 带分类的执行错误
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError 提取分类错误
func AsError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// RiskError 风控闸门拒绝,绝不绕过
type RiskError struct {
	Verdict risk.Verdict
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("engine: risk gate %s: %s", e.Verdict.Status, e.Verdict.Reason)
}

// AsRiskError 提取风控拒绝
func AsRiskError(err error) (*RiskError, bool) {
	var re *RiskError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// stage 报价/买入,用于把场馆拒绝映射到对应分类
type stage int

const (
	stageQuote stage = iota
	stageBuy
)

// authCodes 场馆侧鉴权失败的错误码
var authCodes = map[string]bool{
	"AuthorizationRequired": true,
	"InvalidToken":          true,
	"unauthorized":          true,
}

// staleCodes 报价过期类错误码,触发有界重报价而非直接失败
var staleCodes = map[string]bool{
	"PriceMoved":      true,
	"StaleProposal":   true,
	"ProposalExpired": true,
}

func isStaleQuote(err error) bool {
	if ve, ok := venue.AsVenueError(err); ok {
		return staleCodes[ve.Code]
	}
	return false
}

// classify 把底层错误映射到固定分类
func classify(err error, st stage) *Error {
	switch {
	case errors.Is(err, ratelimit.ErrThrottled):
		return &Error{CodeThrottle, err}
	case errors.Is(err, venue.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &Error{CodeTimeout, err}
	case errors.Is(err, venue.ErrClosed),
		errors.Is(err, venue.ErrNetwork),
		errors.Is(err, venue.ErrQueueFull):
		return &Error{CodeNetwork, err}
	}

	if ve, ok := venue.AsVenueError(err); ok {
		if authCodes[ve.Code] {
			return &Error{CodeAuth, err}
		}
		if st == stageQuote {
			return &Error{CodeProposalReject, err}
		}
		return &Error{CodeBuyReject, err}
	}

	return &Error{CodeUnknown, err}
}
