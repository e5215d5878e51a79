// Package events provides the typed publish/subscribe bus that carries
// connectivity, queue, capture, and session notifications between agent
// components and out to the control API event stream.
//
// Topics are declared as package-level Topic[T] values so payload types are
// checked at compile time. Handlers run synchronously on the publishing
// goroutine in subscription order; a handler that needs to do slow work must
// hand it off to its own goroutine.
package events
