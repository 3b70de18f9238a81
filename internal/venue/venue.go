// Package venue defines the order-entry collaborator contract. The
// engine core never signs or encodes venue requests; it supplies the
// payload fields and consumes classified results.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterd/quoterd/internal/market"
)

// ErrorKind classifies venue failures for retry policy.
type ErrorKind uint8

const (
	// KindTransient covers disconnects, timeouts and 5xx-equivalent
	// responses; bounded retry applies.
	KindTransient ErrorKind = iota
	// KindRateLimited means the venue asked us to slow down; no retry
	// until the rate window allows it.
	KindRateLimited
	// KindValidation is a local or venue-side rejection; never retried.
	KindValidation
	// KindConsistency marks out-of-order or contradictory venue state.
	KindConsistency
	// KindFatal refuses startup or terminates the session.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindConsistency:
		return "consistency"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified venue failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors
// (including context deadline expiry) are treated as transient.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindTransient
}

// AckStatus is the venue's answer to a place request.
type AckStatus uint8

const (
	AckUnknown AckStatus = iota
	AckAccepted
	AckRejected
)

// PlaceRequest carries the payload fields for a new order.
type PlaceRequest struct {
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Kind          string // LIMIT
	TimeInForce   string // GTC
	Price         decimal.Decimal
	Qty           decimal.Decimal
}

// PlaceResponse is the venue acknowledgment.
type PlaceResponse struct {
	ExchangeID string
	Status     AckStatus
}

// CancelRequest identifies an order to cancel. Either id may be set;
// ClientOrderID wins.
type CancelRequest struct {
	ClientOrderID string
	ExchangeID    string
	Symbol        string
}

// StatusResponse reports the venue's view of an order.
type StatusResponse struct {
	Found     bool
	Open      bool
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Fill is an execution report delivered by the venue.
type Fill struct {
	ClientOrderID string
	Side          market.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	At            time.Time
}

// FillFunc consumes execution reports.
type FillFunc func(Fill)

// OrderEntry is the request/response order-entry collaborator.
// Idempotence across retries is guaranteed by ClientOrderID.
type OrderEntry interface {
	Place(ctx context.Context, req PlaceRequest) (PlaceResponse, error)
	Cancel(ctx context.Context, req CancelRequest) error
	Status(ctx context.Context, clientOrderID string) (StatusResponse, error)
}
