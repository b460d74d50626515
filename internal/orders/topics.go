package orders

import "strconv"

const (
	TopicVoucherOrderCreated = "voucher.order.created"
)

// Partition key = order_id so all events of one order stay in order.
func PartitionKey(orderID int64) []byte { return []byte(strconv.FormatInt(orderID, 10)) }
