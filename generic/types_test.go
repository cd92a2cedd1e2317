package generic_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/generic"
)

func TestAmount_RoundsHalfEven(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.125", "0.12"},
		{"0.135", "0.14"},
		{"2.675", "2.68"},
		{"10", "10.00"},
		{"-1.005", "-1.00"},
		{"33.333333", "33.33"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, amt(tt.in).String())
		})
	}
}

func TestAmount_Arithmetic(t *testing.T) {
	a := amt("100.00")

	assert.Equal(t, "70.00", a.Sub(amt("30")).String())
	assert.Equal(t, "100.10", a.Add(amt("0.10")).String())
	assert.Equal(t, "0.30", generic.Sum(amt("0.10"), amt("0.10"), amt("0.10")).String())
	assert.Equal(t, "30.00", amt("30").Min(amt("40")).String())
	assert.Equal(t, "0.00", amt("-5").Max(generic.Zero).String())

	// 10% of 123.45 is 12.345, banker's rounding keeps the even cent
	assert.Equal(t, "12.34", amt("123.45").Percent(decimal.NewFromInt(10)).String())
	assert.Equal(t, "7.50", amt("50").Percent(decimal.RequireFromString("15")).String())
}

func TestAmount_ParseInvalid(t *testing.T) {
	_, err := generic.ParseAmount("ten")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestAmount_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Amount generic.Amount `json:"amount"`
	}{amt("12.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.50"}`, string(b))

	var fromString, fromNumber generic.Amount
	require.NoError(t, json.Unmarshal([]byte(`"19.999"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`19.995`), &fromNumber))
	assert.Equal(t, "20.00", fromString.String())
	assert.Equal(t, "20.00", fromNumber.String())

	var bad generic.Amount
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
}

func TestEntry_CheckBalance(t *testing.T) {
	ok := generic.Entry{Status: generic.StatusPartiallyUsed, Amount: amt("10"), AmountUsed: amt("4"), AmountRemaining: amt("6")}
	assert.NoError(t, ok.CheckBalance())

	broken := ok
	broken.AmountRemaining = amt("7")
	assert.Error(t, broken.CheckBalance())

	voided := generic.Entry{Status: generic.StatusVoid, Amount: amt("10"), AmountUsed: generic.Zero, AmountRemaining: generic.Zero}
	assert.NoError(t, voided.CheckBalance())
	assert.Equal(t, "10.00", voided.VoidedAmount().String())
}

func TestCategory_Labels(t *testing.T) {
	c := generic.BasicCategory{ID: "x", Prefix: "XX", Labels: map[generic.Status]string{generic.StatusVoid: "CANCELLED"}}
	e := generic.Entry{Category: c, Status: generic.StatusVoid}
	assert.Equal(t, "CANCELLED", e.Label())
	e.Status = generic.StatusActive
	assert.Equal(t, "ACTIVE", e.Label())

	assert.Equal(t, "CR-00042", generic.FormatNumber("CR", 42))
	assert.Equal(t, "LE", generic.GetOrCreateCategory("unregistered").NumberPrefix())
}
