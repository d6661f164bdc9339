// Package mqtt mirrors Spectra's operational events onto an MQTT
// broker and accepts a small set of operator commands.
//
// Every event published on the in-process bus is forwarded as JSON to
// <prefix>/<source>/<kind>, for example spectra/delivery/delivered.
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to
// <prefix>/availability and re-subscribes to <prefix>/command/+. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
