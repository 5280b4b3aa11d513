package companion

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Namespaces for device identities.
var (
	publicKeyNamespace = uuid.MustParse("2f6c8e2a-4d1b-5a3e-9c7f-0b8d6e4a2c10")
	bleNamespace       = uuid.MustParse("a3c1e5b7-9d2f-5e4a-8b6c-1f3d5a7c9e20")
)

// DeviceIDFromPublicKey derives the stable identity of a radio from its
// public key. The same key always yields the same ID.
func DeviceIDFromPublicKey(publicKey []byte) uuid.UUID {
	return uuid.NewHash(sha3.New256(), publicKeyNamespace, publicKey, 5)
}

// DeviceIDFromBLEAddress derives the identity the pairing service assigns
// to a bonded BLE device.
func DeviceIDFromBLEAddress(addr string) uuid.UUID {
	return uuid.NewSHA1(bleNamespace, []byte(strings.ToUpper(addr)))
}
