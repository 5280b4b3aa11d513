// Package connection owns the connection lifecycle to a companion radio.
//
// A Manager drives one transport at a time, either the long-lived BLE
// transport or a TCP transport built per attempt, and layers a companion
// session and a service layer on top of it. The visible state is one of
// Disconnected, Connecting, Connected or Ready; only Ready carries a
// session and services.
//
// # Intent
//
// The user's wish is recorded separately from the state and persisted:
//
//	none              nothing requested yet
//	wantsConnection   connect and stay connected
//	userDisconnected  stay disconnected until asked again
//
// Recovery tasks only run while the intent wants a connection.
//
// # Connect walk
//
// A connect makes up to four attempts with exponential backoff starting
// at 300ms plus up to 10% jitter. Precondition failures (radio off or
// unauthorized) abort at once. Exhausting the attempts opens the circuit
// breaker, which rejects further connects for 30 seconds unless forced.
//
// # Recovery
//
//   - BLE: BlueZ reconnects bonded devices itself. The manager keeps the
//     transport, rebuilds the session when the link returns and gives up
//     after the auto-reconnect timeout.
//   - WiFi: a heartbeat probes the session. A drop starts a reconnect loop
//     with a 30 second budget, at most once per 35 seconds.
//   - Sync: a failed sync is retried three times, two seconds apart,
//     before the session is torn down.
//   - Watchdog: while disconnected with a wanted connection, retries at
//     30 seconds growing to 120.
//
// Only one of the BLE timeout, the WiFi loop and the watchdog runs at a
// time. Operation timeouts run on a clock that pauses while the
// application is in the background.
package connection
