/*
Package redis is the reference event transport: channels are Redis pub/sub
channels, payloads are JSON text. Delivery is at-most-once and fire-and-forget;
subscribers that are not connected when an event is published never see it.

The transport talks to Redis through the narrow Client interface. NewWithRedis
wires a pooled go-redis client from a connection URL:

	redis://[[user]:password@]host[:port][/db]
	rediss://[[user]:password@]host[:port][/db]
	unix://[[user]:password@]/path/to/socket[?db=N]
*/
package redis
