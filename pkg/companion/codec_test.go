package companion

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeCommands(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"appStart", EncodeAppStart(""), append([]byte{0x01, 0x03}, []byte("      MCore")...)},
		{"appStart truncates client id", EncodeAppStart("PocketMesh"), append([]byte{0x01, 0x03}, []byte("      Pocke")...)},
		{"deviceQuery", EncodeDeviceQuery(), []byte{0x16, 0x03}},
		{"getBattery", EncodeGetBattery(), []byte{0x14}},
		{"getTime", EncodeGetTime(), []byte{0x05}},
		{"setTime", EncodeSetTime(time.Unix(1704067200, 0)), []byte{0x06, 0x80, 0x00, 0x92, 0x65}},
		{"setName", EncodeSetName("TestNode"), append([]byte{0x08}, []byte("TestNode")...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %x, want %x", tt.got, tt.want)
			}
		})
	}
}

func TestDecodeShortFrames(t *testing.T) {
	_, err := DecodeSelfInfo([]byte{RespSelfInfo, 1, 2})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeDeviceInfo([]byte{RespBattery, 1})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeCurrTime([]byte{RespCurrTime, 1})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeBattery([]byte{RespBattery})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestDecodeDeviceInfoOldFirmware(t *testing.T) {
	info, err := DecodeDeviceInfo([]byte{RespDeviceInfo, 2})
	assert.NoError(t, err)
	assert.Equal(t, uint8(2), info.FirmwareVersion)
	assert.Zero(t, info.MaxContacts)
	assert.Empty(t, info.Model)
}

func TestDecodeBatteryWithoutStorage(t *testing.T) {
	info, err := DecodeBattery([]byte{RespBattery, 0x74, 0x0E})
	assert.NoError(t, err)
	assert.Equal(t, uint16(3700), info.MilliVolts)
	assert.Zero(t, info.StorageTotalKB)
}

func TestProtocolErrorMessage(t *testing.T) {
	assert.Equal(t, "companion: radio error 4 (bad state)", (&ProtocolError{Code: ErrCodeBadState}).Error())
}

func TestDeviceIdentity(t *testing.T) {
	keyA := bytes.Repeat([]byte{0xA1}, 32)
	keyB := bytes.Repeat([]byte{0xB2}, 32)

	assert.Equal(t, DeviceIDFromPublicKey(keyA), DeviceIDFromPublicKey(keyA))
	assert.NotEqual(t, DeviceIDFromPublicKey(keyA), DeviceIDFromPublicKey(keyB))
	assert.Equal(t, 5, int(DeviceIDFromPublicKey(keyA).Version()))

	assert.Equal(t, DeviceIDFromBLEAddress("aa:bb:cc:dd:ee:ff"), DeviceIDFromBLEAddress("AA:BB:CC:DD:EE:FF"))
	assert.NotEqual(t, DeviceIDFromBLEAddress("AA:BB:CC:DD:EE:FF"), DeviceIDFromPublicKey(keyA))
}
