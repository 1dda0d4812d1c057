package queue

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueTypeQuorum makes the broker track redeliveries in x-delivery-count
const QueueTypeQuorum = "quorum"

const deliveryCountHeader = "x-delivery-count"

// Attempt returns the 1-based attempt number of a delivery. Quorum queues
// count failed deliveries in x-delivery-count; the task's own attempt_count
// covers republished tasks and classic queues.
func Attempt(d amqp.Delivery, task TaskMessage) int {
	attempt := deliveryCount(d.Headers) + 1
	if task.AttemptCount > attempt {
		attempt = task.AttemptCount
	}
	if d.Redelivered && attempt < 2 {
		attempt = 2
	}
	return attempt
}

func deliveryCount(headers amqp.Table) int {
	switch v := headers[deliveryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
