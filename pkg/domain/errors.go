package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPostNotFound      = NewErr("POST_NOT_FOUND", "post not found", http.StatusNotFound)
	ErrTitleTooLong      = NewErr("TITLE_TOO_LONG", "title exceeds 200 characters", http.StatusBadRequest)
	ErrBodyTooLarge      = NewErr("BODY_TOO_LARGE", "body exceeds 50000 characters", http.StatusBadRequest)
	ErrInvalidTier       = NewErr("INVALID_TIER", "tier must be between 0 and 3", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrAccessDenied      = NewErr("ACCESS_DENIED", "no claimed pass grants access", http.StatusForbidden)
	ErrStaleRequest      = NewErr("STALE_REQUEST", "timestamp outside freshness window", http.StatusForbidden)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrNotCreator        = NewErr("NOT_CREATOR", "caller does not own this post", http.StatusForbidden)
	ErrCreatorUnknown    = NewErr("CREATOR_UNKNOWN", "creator is not registered", http.StatusBadRequest)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

// Payment-side sentinels. The three insufficiency cases stay distinct because
// the remediation differs: fund the wallet, fund it more, or consolidate.
var (
	ErrNoRecords      = NewErr("NO_RECORDS", "wallet holds no usable records", http.StatusPaymentRequired)
	ErrTotalTooLow    = NewErr("TOTAL_TOO_LOW", "combined record value below required amount", http.StatusPaymentRequired)
	ErrLargestTooLow  = NewErr("LARGEST_TOO_LOW", "no single record covers the required amount", http.StatusPaymentRequired)
	ErrWalletRejected = NewErr("WALLET_REJECTED", "wallet rejected the request", http.StatusBadRequest)
	ErrSplitTimeout   = NewErr("SPLIT_TIMEOUT", "split transaction did not confirm in time", http.StatusGatewayTimeout)
	ErrResyncTimeout  = NewErr("RESYNC_TIMEOUT", "split records did not appear after resync", http.StatusGatewayTimeout)
	ErrFlowInFlight   = NewErr("FLOW_IN_FLIGHT", "another payment is already in flight", http.StatusConflict)
	ErrSubmitFailed   = NewErr("SUBMIT_FAILED", "transaction submission failed", http.StatusBadGateway)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
