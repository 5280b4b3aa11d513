// Package transport carries MeshCore companion frames between this host
// and a companion radio.
//
// Two implementations exist:
//   - TCP: the wide-area transport. Frames are delimited with a one byte
//     direction marker and a little-endian uint16 length.
//   - BLE: the short-range transport, driving BlueZ over D-Bus. Frames map
//     one-to-one onto GATT writes and notifications of the Nordic UART
//     service. Needs a running BlueZ; elsewhere Connect fails with
//     ErrRadioUnavailable.
//
// Both report link loss and, for BLE, BlueZ background reconnects and
// adapter power changes as typed Events on a channel.
//
// # Frame Layout (TCP)
//
//	host -> radio:  '<' | len (u16 LE) | payload
//	radio -> host:  '>' | len (u16 LE) | payload
package transport
