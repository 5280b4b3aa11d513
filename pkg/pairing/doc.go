// Package pairing manages bonded companion radios through BlueZ.
//
// It lists bonded devices that expose the MeshCore companion service,
// runs a scan-choose-pair flow (the choice is delegated to a Chooser, for
// example the interactive console), removes bonds and reports bonds that
// disappear outside of pocketmesh or fail to pair.
//
// Device identities are derived from the BLE address with
// companion.DeviceIDFromBLEAddress, so they are stable across restarts.
package pairing
