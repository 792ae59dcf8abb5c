// pluralize.go holds signed amount formatting used by the
// transaction history views.

package common

import "fmt"

// FormatCreditsAmount renders a signed amount with an explicit sign.
//
// Examples:
//
//	FormatCreditsAmount(100) → "+100 credits"
//	FormatCreditsAmount(-25) → "-25 credits"
//	FormatCreditsAmount(1)   → "+1 credit"
func FormatCreditsAmount(amount int64) string {
	if amount >= 0 {
		return fmt.Sprintf("+%d %s", amount, Pluralize(amount, "credit", "credits"))
	}
	return fmt.Sprintf("%d %s", amount, Pluralize(amount, "credit", "credits"))
}

// FormatNumber formats a number with thousands separators.
// Example: FormatNumber(2350) → "2,350"
func FormatNumber(n int64) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%s,%03d", FormatNumber(n/1000), n%1000)
}
