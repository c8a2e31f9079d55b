// Package rabbitmq is the AMQP transport for the message bus.
//
// Each bus queue is bound to one exchange with the queue name as routing key
// and dead-letters into a sibling "<queue>.dlq" through a shared DLX. When the
// exchange is of type x-delayed-message, envelope delivery times are honored
// through the x-delay header.
package rabbitmq
