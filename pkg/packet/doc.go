// Package packet implements the typed messages exchanged between paired
// devices.
//
// # Wire Format
//
// Packets travel as newline-delimited UTF-8 JSON. Each line is one object
// with exactly three fields:
//
//	{"id":1700000000000,"type":"zentalk.ping","body":{"message":"hi"}}
//
//   - id: the sender's timestamp in milliseconds, assigned by Serialize
//   - type: dot-namespaced capability name, used as the dispatch key
//   - body: object whose shape is defined by type
//
// There is no length prefix; the newline is the message boundary.
//
// # Ownership
//
// Every constructor (New, FromText, FromValue, From, Clone) produces a deep,
// reference-free copy of its input. A packet handed to a channel's send
// queue must not be modified afterwards.
//
// # Identity
//
// The first packet on a new channel is the identity packet
// (TypeIdentity). Its body must carry a non-empty deviceId; everything
// else is opaque to the channel layer and consumed by the device.
package packet
