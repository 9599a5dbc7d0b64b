package store

import "github.com/shopspring/decimal"

// Money columns hold whole nano-dollars (BIGINT) in both dialects so sums and
// upsert increments are exact integer arithmetic.
const nanoExp = 9

func toNanos(d decimal.Decimal) int64 {
	return d.Shift(nanoExp).Round(0).IntPart()
}

func fromNanos(n int64) decimal.Decimal {
	return decimal.New(n, -nanoExp)
}
