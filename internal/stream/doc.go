// Package stream fans readings out to live viewers.
//
// A Registry maps a device id to the set of Handles currently watching it.
// Each Handle owns a bounded buffer. Publish never blocks on a Handle: when
// a buffer is full the registry's OverflowPolicy decides between evicting
// the oldest buffered event and cutting the subscriber loose.
//
// A Session is the per-connection side. It subscribes, relays every event
// to a Sink as one frame, and unsubscribes on every exit path.
package stream
