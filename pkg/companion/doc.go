// Package companion implements the MeshCore companion protocol session
// that runs on top of a transport: the app-start handshake, the device
// capability query, clock access and the battery report.
//
// Frames are single command or response payloads; the first byte is the
// command or response code. Codes at or above 0x80 are pushes the radio
// sends on its own and are handed to Config.OnPush.
//
//	sess := companion.NewSession(link, companion.Config{})
//	self, err := sess.Start(ctx)
//	id := companion.DeviceIDFromPublicKey(self.PublicKey[:])
package companion
