package orders

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusStockReserved Status = "STOCK_RESERVED"
	StatusPaid          Status = "PAID"
	StatusShipped       Status = "SHIPPED"
	StatusFailed        Status = "FAILED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:       {StatusStockReserved: true, StatusFailed: true},
	StatusStockReserved: {StatusPaid: true, StatusFailed: true},
	StatusPaid:          {StatusShipped: true},
	StatusShipped:       {},
	StatusFailed:        {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
