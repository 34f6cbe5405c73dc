package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBalanceLockUnlockKeepsTotal(t *testing.T) {
	b := NewBalance("ACC-1", "USDT")
	require.NoError(t, b.Credit(d("1000")))

	require.NoError(t, b.Lock(d("400")))
	assert.True(t, b.Available.Equal(d("600")))
	assert.True(t, b.Locked.Equal(d("400")))
	assert.True(t, b.Total.Equal(d("1000")))

	require.NoError(t, b.Unlock(d("150")))
	assert.True(t, b.Available.Equal(d("750")))
	assert.True(t, b.Locked.Equal(d("250")))
	assert.True(t, b.Total.Equal(d("1000")))
	assert.NoError(t, b.CheckInvariant())
}

func TestBalanceLockInsufficientFunds(t *testing.T) {
	b := NewBalance("ACC-1", "USDT")
	require.NoError(t, b.Credit(d("100")))

	err := b.Lock(d("100.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	// 失败操作不得改变余额
	assert.True(t, b.Available.Equal(d("100")))
	assert.True(t, b.Locked.IsZero())
}

func TestBalanceDebitInsufficientFunds(t *testing.T) {
	b := NewBalance("ACC-1", "USDT")
	require.NoError(t, b.Credit(d("50")))
	require.NoError(t, b.Lock(d("30")))

	// 冻结部分不可直接出账
	err := b.Debit(d("40"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, b.Total.Equal(d("50")))
}

func TestBalanceUnlockMoreThanLocked(t *testing.T) {
	b := NewBalance("ACC-1", "USDT")
	require.NoError(t, b.Credit(d("100")))
	require.NoError(t, b.Lock(d("10")))

	err := b.Unlock(d("20"))
	assert.ErrorIs(t, err, ErrLedgerInvariant)
}

func TestBalanceCorrect(t *testing.T) {
	b := NewBalance("ACC-1", "BTC")
	require.NoError(t, b.Credit(d("2")))

	require.NoError(t, b.Correct(d("1.5"), d("0.25")))
	assert.True(t, b.Available.Equal(d("1.5")))
	assert.True(t, b.Locked.Equal(d("0.25")))
	assert.True(t, b.Total.Equal(d("1.75")))
}

func TestBalanceRejectsNegativeAmounts(t *testing.T) {
	b := NewBalance("ACC-1", "USDT")
	assert.Error(t, b.Credit(d("-1")))
	assert.Error(t, b.Lock(d("-1")))
	assert.Error(t, b.Debit(d("-1")))
}

func TestAccountDailyLimitResetAcrossUTCDays(t *testing.T) {
	a := NewAccount("ACC-1", "U-1", "binance", d("10000"), d("5"))

	day1 := time.Date(2025, 3, 1, 23, 50, 0, 0, time.UTC)
	a.ConsumeDailyLimit(day1, d("6000"))
	assert.True(t, a.DailyRemaining(day1).Equal(d("4000")))

	// 跨 UTC 日自动清零
	day2 := day1.Add(time.Hour)
	assert.True(t, a.DailyRemaining(day2).Equal(d("10000")))
	a.ConsumeDailyLimit(day2, d("1000"))
	assert.True(t, a.DailyRemaining(day2).Equal(d("9000")))
}

func TestAccountStatusGatesMutations(t *testing.T) {
	a := NewAccount("ACC-1", "U-1", "binance", d("10000"), d("5"))
	assert.NoError(t, a.CanMutate())

	a.Suspend()
	assert.ErrorIs(t, a.CanMutate(), ErrAccountSuspended)

	a.Reactivate()
	assert.NoError(t, a.CanMutate())

	a.Close()
	assert.Error(t, a.CanMutate())
	// 已关闭账户不会被 Reactivate 复活
	a.Reactivate()
	assert.Equal(t, AccountStatusClosed, a.Status)
}
