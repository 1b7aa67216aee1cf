// Package mqtt connects the bridge to the message bus. It publishes
// metric values and agent topics, routes inbound messages on subscribed
// topics to handlers, and mirrors warning-level log records to the bus.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic and
// re-subscribes to all registered topic filters. A will message ensures
// the availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt
