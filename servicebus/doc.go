/*
Package servicebus assembles a service from containers, an event transport and a
dispatcher. Exposed methods become callable by name; event handlers are
registered on the transport. Run drives the transport's receive loop on its own
goroutine and the dispatcher on the caller's goroutine, which is the owning
context every handler runs on.
*/
package servicebus
