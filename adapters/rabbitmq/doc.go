/*
Package rabbitmq carries events over a RabbitMQ topic exchange. The routing key
is the channel name; each accepting transport binds its own exclusive,
auto-deleted queue, so every running subscriber sees every event (pub/sub, not
work-queue semantics). Channel names containing '*' or '#' act as AMQP wildcards
when bound.

Publishing goes through an auto-reconnecting publisher and injects the caller's
trace context into the message headers.
*/
package rabbitmq
