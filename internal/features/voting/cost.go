package voting

// MaxVotesPerCast is the largest batch whose cost fits in an int64.
const MaxVotesPerCast = 3_037_000_499

// Cost is the price of casting votes votes in one batch: votes².
// Panics on negative input.
func Cost(votes int64) int64 {
	if votes < 0 {
		panic("voting: negative vote count")
	}
	return votes * votes
}

// MaxAffordableVotes is the largest n with Cost(n) <= credits.
// Panics on negative input.
func MaxAffordableVotes(credits int64) int64 {
	if credits < 0 {
		panic("voting: negative credits")
	}
	return isqrt(credits)
}

// MarginalCost is Cost(current+1) - Cost(current). Panics on negative input.
func MarginalCost(current int64) int64 {
	if current < 0 {
		panic("voting: negative vote count")
	}
	return 2*current + 1
}

// isqrt is floor(sqrt(n)) by Newton's method on integers.
func isqrt(n int64) int64 {
	if n < 2 {
		return n
	}
	x := n
	y := x/2 + x%2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
