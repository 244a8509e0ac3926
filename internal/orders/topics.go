package orders

const (
	TopicWorkflowTasks = "order.workflow.tasks"
	TopicWorkflowRetry = "order.workflow.retry"
	TopicDeadLetter    = "order.workflow.dlq"
	TopicOrderEvents   = "order.events"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
