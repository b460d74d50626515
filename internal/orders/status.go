package orders

type Status int16

const (
	StatusUnpaid    Status = 1
	StatusPaid      Status = 2
	StatusUsed      Status = 3
	StatusCancelled Status = 4
	StatusRefunding Status = 5
	StatusRefunded  Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusUnpaid:
		return "UNPAID"
	case StatusPaid:
		return "PAID"
	case StatusUsed:
		return "USED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRefunding:
		return "REFUNDING"
	case StatusRefunded:
		return "REFUNDED"
	}
	return "UNKNOWN"
}
