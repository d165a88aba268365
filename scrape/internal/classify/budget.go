package classify

// Budget caps how many times the same failure kind may be retried for an
// origin within one logical fetch. Each kind keeps its own counter.
//
// A Budget belongs to a single fetch and is not safe for concurrent use.
type Budget struct {
	max  int
	used map[budgetKey]int
}

type budgetKey struct {
	origin string
	kind   Kind
}

// NewBudget returns a budget allowing max retries per (origin, kind).
// max <= 0 disables retries entirely.
func NewBudget(max int) *Budget {
	return &Budget{max: max, used: make(map[budgetKey]int)}
}

// Consume records one failure of kind for origin and reports whether a retry
// is still allowed.
func (b *Budget) Consume(origin string, kind Kind) bool {
	k := budgetKey{origin, kind}
	b.used[k]++
	return b.used[k] <= b.max
}

// Used returns how many failures of kind have been recorded for origin.
func (b *Budget) Used(origin string, kind Kind) int {
	return b.used[budgetKey{origin, kind}]
}
