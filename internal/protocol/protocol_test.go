package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/matching-engine/internal/model"
)

func raw(t RequestType, data string) Request {
	return Request{Type: t, Data: json.RawMessage(data)}
}

func TestDecode_CreateOrder(t *testing.T) {
	p, err := Decode(raw(TypeCreateOrder,
		`{"market":"1-yes-usd","price":"10","quantity":10,"side":"buy","userId":"A"}`))
	require.NoError(t, err)

	co, ok := p.(*CreateOrder)
	require.True(t, ok, "expected *CreateOrder, got %T", p)
	assert.Equal(t, "1-yes-usd", co.Market)
	assert.True(t, co.Price.Equal(decimal.NewFromInt(10)))
	assert.True(t, co.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, model.SideBuy, co.Side)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	cases := map[string]Request{
		"zero price":     raw(TypeCreateOrder, `{"market":"1-yes-usd","price":0,"quantity":1,"side":"buy","userId":"A"}`),
		"negative qty":   raw(TypeCreateOrder, `{"market":"1-yes-usd","price":1,"quantity":-1,"side":"buy","userId":"A"}`),
		"bad side":       raw(TypeCreateOrder, `{"market":"1-yes-usd","price":1,"quantity":1,"side":"hold","userId":"A"}`),
		"bad market":     raw(TypeCreateOrder, `{"market":"1-maybe-usd","price":1,"quantity":1,"side":"buy","userId":"A"}`),
		"missing user":   raw(TypeCreateOrder, `{"market":"1-yes-usd","price":1,"quantity":1,"side":"buy"}`),
		"unknown field":  raw(TypeCancelOrder, `{"orderId":"x","userId":"A","force":true}`),
		"missing data":   {Type: TypeCancelOrder},
		"not json":       raw(TypeOnRamp, `{`),
		"bad asset":      raw(TypeOnRamp, `{"userId":"A","asset":"EUR","amount":5}`),
		"zero amount":    raw(TypeOnRamp, `{"userId":"A","asset":"USD","amount":0}`),
		"bad filter mkt": raw(TypeGetOpenOrders, `{"userId":"A","market":"nope"}`),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode(raw("LIQUIDATE", `{}`))
	assert.True(t, errors.Is(err, ErrUnknownRequestType), "got %v", err)
}

func TestDecode_OptionalMarketFilter(t *testing.T) {
	p, err := Decode(raw(TypeGetOpenOrders, `{"userId":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, "", p.(*GetOpenOrders).Market)
}

func TestNewRequest_DecodesBack(t *testing.T) {
	req := MustRequest(TypeOnRamp, OnRamp{UserID: "A", Asset: "USD", Amount: decimal.NewFromInt(500)})
	p, err := Decode(req)
	require.NoError(t, err)
	assert.True(t, p.(*OnRamp).Amount.Equal(decimal.NewFromInt(500)))
}

func TestEntry_DecodeTyped(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e, err := NewEntry(EntryUpdateBalance, UpdateBalance{UserID: "A", Asset: "USD", Balance: decimal.NewFromInt(50)}, at)
	require.NoError(t, err)

	p, err := DecodeEntry(e)
	require.NoError(t, err)
	ub, ok := p.(*UpdateBalance)
	require.True(t, ok)
	assert.Equal(t, "A", ub.UserID)
	assert.True(t, ub.Balance.Equal(decimal.NewFromInt(50)))

	_, err = DecodeEntry(Entry{Type: "DROP_TABLE", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrValidation)
}
