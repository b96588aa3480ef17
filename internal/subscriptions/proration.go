package subscriptions

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proration is the result of switching price mid-period. Net may be negative.
type Proration struct {
	Ratio  decimal.Decimal
	Credit int64
	Charge int64
	Net    int64
}

// Prorate computes the unused share of the current period in both prices. When there is no next
// billing date or no fixed period the whole new price is due and nothing is credited.
func Prorate(oldPrice, newPrice int64, now time.Time, next *time.Time, period time.Duration) Proration {
	if next == nil || period <= 0 {
		return Proration{Ratio: decimal.Zero, Net: newPrice}
	}
	remaining := next.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	rem := decimal.NewFromInt(int64(remaining))
	per := decimal.NewFromInt(int64(period))
	credit := floorShare(oldPrice, rem, per)
	charge := floorShare(newPrice, rem, per)
	return Proration{
		Ratio:  rem.DivRound(per, 6),
		Credit: credit,
		Charge: charge,
		Net:    charge - credit,
	}
}

// floorShare is floor(price * num / den) computed exactly.
func floorShare(price int64, num, den decimal.Decimal) int64 {
	q, _ := decimal.NewFromInt(price).Mul(num).QuoRem(den, 0)
	return q.IntPart()
}
