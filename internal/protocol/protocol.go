// Package protocol defines the wire messages exchanged with the matching
// engine: inbound requests, replies, and write-behind entries consumed by the
// store writer. Each message kind is a closed set of types; payloads are
// decoded strictly and validated at the boundary.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/market"
	"github.com/atmx/matching-engine/internal/model"
)

var (
	// ErrValidation is returned for malformed requests. No side effects
	// have happened when it is returned.
	ErrValidation = errors.New("protocol: validation error")

	// ErrUnknownRequestType is returned for a request type outside the
	// closed set below.
	ErrUnknownRequestType = errors.New("protocol: unknown request type")
)

// RequestType tags an inbound request.
type RequestType string

const (
	TypeCreateOrder   RequestType = "CREATE_ORDER"
	TypeCancelOrder   RequestType = "CANCEL_ORDER"
	TypeGetOpenOrders RequestType = "GET_OPEN_ORDER"
	TypeOnRamp        RequestType = "ON_RAMP"
)

// Request is the inbound envelope payload: {type, data}.
type Request struct {
	Type RequestType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CreateOrder places a limit order.
type CreateOrder struct {
	Market   string          `json:"market" validate:"required"`
	Price    decimal.Decimal `json:"price" validate:"gt=0"`
	Quantity decimal.Decimal `json:"quantity" validate:"gt=0"`
	Side     model.Side      `json:"side" validate:"required,oneof=buy sell"`
	UserID   string          `json:"userId" validate:"required"`
}

// CancelOrder removes a resident order owned by UserID.
type CancelOrder struct {
	OrderID string `json:"orderId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
}

// GetOpenOrders lists a user's resident orders, optionally for one market.
type GetOpenOrders struct {
	UserID string `json:"userId" validate:"required"`
	Market string `json:"market,omitempty"`
}

// OnRamp credits a user's balance directly.
type OnRamp struct {
	UserID string          `json:"userId" validate:"required"`
	Asset  string          `json:"asset" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

var validate = newValidator()

// newValidator registers decimal.Decimal as its sign so that `gt=0` on a
// decimal field means strictly positive.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if dec, ok := field.Interface().(decimal.Decimal); ok {
			return dec.Sign()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// NewRequest builds a request from a typed payload.
func NewRequest(t RequestType, payload interface{}) (Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Request{Type: t, Data: data}, nil
}

// MustRequest is NewRequest for payloads known to encode.
func MustRequest(t RequestType, payload interface{}) Request {
	req, err := NewRequest(t, payload)
	if err != nil {
		panic(err)
	}
	return req
}

// Decode returns the typed, validated payload of req: one of *CreateOrder,
// *CancelOrder, *GetOpenOrders or *OnRamp.
func Decode(req Request) (interface{}, error) {
	var payload interface{}
	switch req.Type {
	case TypeCreateOrder:
		payload = &CreateOrder{}
	case TypeCancelOrder:
		payload = &CancelOrder{}
	case TypeGetOpenOrders:
		payload = &GetOpenOrders{}
	case TypeOnRamp:
		payload = &OnRamp{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, req.Type)
	}

	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrValidation)
	}
	dec := json.NewDecoder(bytes.NewReader(req.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch p := payload.(type) {
	case *CreateOrder:
		if _, err := market.Parse(p.Market); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	case *GetOpenOrders:
		if p.Market != "" {
			if _, err := market.Parse(p.Market); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
	case *OnRamp:
		if err := market.ValidateAsset(p.Asset); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return payload, nil
}

// ReplyType tags a reply.
type ReplyType string

const (
	ReplyOrderExecuted        ReplyType = "ORDER_EXECUTED"
	ReplyOrderPartiallyFilled ReplyType = "ORDER_PARTIALLY_FILLED"
	ReplyOrderCanceled        ReplyType = "ORDER_CANCELED"
	ReplyOpenOrders           ReplyType = "OPEN_ORDERS"
	ReplyOnRampSuccess        ReplyType = "ON_RAMP_SUCCESS"
	ReplyError                ReplyType = "ERROR"
)

// Reply is the single response to a request.
type Reply struct {
	Type ReplyType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the reply data into out.
func (r Reply) Decode(out interface{}) error {
	return json.Unmarshal(r.Data, out)
}

// NewReply builds a reply from a typed payload.
func NewReply(t ReplyType, payload interface{}) Reply {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs of strings, decimals and times.
		data, _ = json.Marshal(ErrorResult{Code: CodeInternal, Message: err.Error()})
		return Reply{Type: ReplyError, Data: data}
	}
	return Reply{Type: t, Data: data}
}

// OrderResult answers CREATE_ORDER.
type OrderResult struct {
	OrderID           string            `json:"orderId"`
	Market            string            `json:"market"`
	Side              model.Side        `json:"side"`
	Price             decimal.Decimal   `json:"price"`
	Quantity          decimal.Decimal   `json:"quantity"`
	RemainingQuantity decimal.Decimal   `json:"remainingQuantity"`
	Status            model.OrderStatus `json:"status"`
	Trades            []model.Trade     `json:"trades"`
}

// CancelResult answers CANCEL_ORDER.
type CancelResult struct {
	OrderID string          `json:"orderId"`
	Asset   string          `json:"asset"`
	Refund  decimal.Decimal `json:"refund"`
	Balance decimal.Decimal `json:"balance"`
}

// OpenOrdersResult answers GET_OPEN_ORDER.
type OpenOrdersResult struct {
	Orders []model.Order `json:"orders"`
}

// OnRampResult answers ON_RAMP.
type OnRampResult struct {
	UserID  string          `json:"userId"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

// Error codes carried in ERROR replies.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeOrderNotFound      = "ORDER_NOT_FOUND"
	CodeUnknownRequestType = "UNKNOWN_REQUEST_TYPE"
	CodeInternal           = "INTERNAL"
)

// ErrorResult is the payload of an ERROR reply.
type ErrorResult struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EntryType tags a write-behind entry.
type EntryType string

const (
	EntryCreateOrder   EntryType = "CREATE_ORDER"
	EntryUpdateOrder   EntryType = "UPDATE_ORDER"
	EntryCreateTrade   EntryType = "CREATE_TRADE"
	EntryUpdateBalance EntryType = "UPDATE_BALANCE"
)

// Entry is a persistence intent: {type, data, timestamp}.
type Entry struct {
	Type      EntryType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// UpdateOrder changes the status and remaining quantity of a stored order.
type UpdateOrder struct {
	OrderID           string            `json:"orderId"`
	Status            model.OrderStatus `json:"status"`
	RemainingQuantity decimal.Decimal   `json:"remainingQuantity"`
}

// UpdateBalance sets a user's absolute balance of one asset. Absolute values
// make re-application after an at-least-once redelivery harmless.
type UpdateBalance struct {
	UserID  string          `json:"userId"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

// NewEntry builds a write-behind entry. CREATE_ORDER carries a model.Order,
// CREATE_TRADE a model.Trade.
func NewEntry(t EntryType, payload interface{}, at time.Time) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s entry: %w", t, err)
	}
	return Entry{Type: t, Data: data, Timestamp: at}, nil
}

// DecodeEntry returns the typed payload of e: *model.Order, *UpdateOrder,
// *model.Trade or *UpdateBalance.
func DecodeEntry(e Entry) (interface{}, error) {
	var payload interface{}
	switch e.Type {
	case EntryCreateOrder:
		payload = &model.Order{}
	case EntryUpdateOrder:
		payload = &UpdateOrder{}
	case EntryCreateTrade:
		payload = &model.Trade{}
	case EntryUpdateBalance:
		payload = &UpdateBalance{}
	default:
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Data, payload); err != nil {
		return nil, fmt.Errorf("%w: %s entry: %v", ErrValidation, e.Type, err)
	}
	return payload, nil
}
