// Package persistence stores pocketmesh runtime state as JSON files.
//
// Two stores exist:
//   - LifecycleStore: the last connected device, the serialized connection
//     intent and the last disconnect diagnostic. Read on restart to decide
//     whether to reconnect automatically.
//   - DeviceStore: one record per known companion radio (identity, how to
//     reach it, firmware and radio parameters, last connect and sync).
//
// Writes go to a temporary file that is renamed into place.
package persistence
