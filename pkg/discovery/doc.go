// Package discovery finds TCP-reachable MeshCore companion radios with
// mDNS/DNS-SD.
//
// Companions advertise the service type _meshcore._tcp. The instance name
// is the radio name; TXT records carry:
//   - name: display name (falls back to the instance name)
//   - pk:   hex prefix of the radio public key
//   - fw:   firmware version string
//
// Browse aggregates announcements per instance across interfaces and
// reports additions, address changes and removals. Address changes feed
// the connection manager's wide-area endpoint tracking.
package discovery
