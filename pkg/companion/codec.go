package companion

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Command codes (host → radio).
const (
	CmdAppStart    byte = 0x01
	CmdGetTime     byte = 0x05
	CmdSetTime     byte = 0x06
	CmdSetName     byte = 0x08
	CmdGetBattery  byte = 0x14
	CmdDeviceQuery byte = 0x16
)

// Response codes (radio → host). Codes at or above PushCodeMin are
// unsolicited pushes.
const (
	RespOK         byte = 0x00
	RespErr        byte = 0x01
	RespSelfInfo   byte = 0x05
	RespCurrTime   byte = 0x09
	RespBattery    byte = 0x0C
	RespDeviceInfo byte = 0x0D

	PushCodeMin byte = 0x80
)

// Error codes carried by RespErr.
const (
	ErrCodeUnsupported byte = 1
	ErrCodeNotFound    byte = 2
	ErrCodeTableFull   byte = 3
	ErrCodeBadState    byte = 4
	ErrCodeFileIO      byte = 5
	ErrCodeIllegalArg  byte = 6
)

const (
	protocolVersion  byte = 0x03
	appStartReserved      = "      "
	defaultClientID       = "MCore"
	maxClientIDLen        = 5
	publicKeySize         = 32

	selfInfoFixedSize     = 1 + 3 + publicKeySize + 8 + 4 + 8 + 2
	deviceInfoMinSize     = 1 + 3
	deviceInfoBuildSize   = 12
	deviceInfoModelSize   = 40
	deviceInfoVersionSize = 20
	batteryMinSize        = 3
	currTimeSize          = 5
)

// ErrShortFrame is returned when a response is shorter than its layout.
var ErrShortFrame = errors.New("companion: response frame too short")

// ProtocolError is a RespErr reply from the radio.
type ProtocolError struct {
	Code byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("companion: radio error %d (%s)", e.Code, errCodeName(e.Code))
}

func errCodeName(code byte) string {
	switch code {
	case ErrCodeUnsupported:
		return "unsupported command"
	case ErrCodeNotFound:
		return "not found"
	case ErrCodeTableFull:
		return "table full"
	case ErrCodeBadState:
		return "bad state"
	case ErrCodeFileIO:
		return "file io"
	case ErrCodeIllegalArg:
		return "illegal argument"
	default:
		return "unknown"
	}
}

// EncodeAppStart builds the handshake command.
func EncodeAppStart(clientID string) []byte {
	if clientID == "" {
		clientID = defaultClientID
	}
	if len(clientID) > maxClientIDLen {
		clientID = clientID[:maxClientIDLen]
	}
	buf := make([]byte, 0, 2+len(appStartReserved)+len(clientID))
	buf = append(buf, CmdAppStart, protocolVersion)
	buf = append(buf, appStartReserved...)
	return append(buf, clientID...)
}

// EncodeDeviceQuery builds the capability query.
func EncodeDeviceQuery() []byte { return []byte{CmdDeviceQuery, protocolVersion} }

// EncodeGetBattery builds the battery query.
func EncodeGetBattery() []byte { return []byte{CmdGetBattery} }

// EncodeGetTime builds the clock query.
func EncodeGetTime() []byte { return []byte{CmdGetTime} }

// EncodeSetTime builds the clock update command.
func EncodeSetTime(t time.Time) []byte {
	buf := make([]byte, 5)
	buf[0] = CmdSetTime
	binary.LittleEndian.PutUint32(buf[1:], uint32(t.Unix()))
	return buf
}

// EncodeSetName builds the advertised name command.
func EncodeSetName(name string) []byte {
	return append([]byte{CmdSetName}, name...)
}

// SelfInfo is the radio's self description returned by the handshake.
type SelfInfo struct {
	AdvType    uint8
	TxPower    uint8
	MaxTxPower uint8
	PublicKey  [publicKeySize]byte
	Latitude   float64
	Longitude  float64

	MultiAcks         uint8
	AdvertLocPolicy   uint8
	TelemetryModes    uint8
	ManualAddContacts bool

	// Frequency in MHz, Bandwidth in kHz.
	Frequency       float64
	Bandwidth       float64
	SpreadingFactor uint8
	CodingRate      uint8

	Name string
}

// DecodeSelfInfo parses a RespSelfInfo frame.
func DecodeSelfInfo(frame []byte) (*SelfInfo, error) {
	if len(frame) < selfInfoFixedSize || frame[0] != RespSelfInfo {
		return nil, fmt.Errorf("%w: self info (%d bytes)", ErrShortFrame, len(frame))
	}
	le := binary.LittleEndian
	info := &SelfInfo{
		AdvType:    frame[1],
		TxPower:    frame[2],
		MaxTxPower: frame[3],
	}
	off := 4
	copy(info.PublicKey[:], frame[off:off+publicKeySize])
	off += publicKeySize
	info.Latitude = float64(int32(le.Uint32(frame[off:]))) / 1e6
	info.Longitude = float64(int32(le.Uint32(frame[off+4:]))) / 1e6
	off += 8
	info.MultiAcks = frame[off]
	info.AdvertLocPolicy = frame[off+1]
	info.TelemetryModes = frame[off+2]
	info.ManualAddContacts = frame[off+3] != 0
	off += 4
	info.Frequency = float64(le.Uint32(frame[off:])) / 1000
	info.Bandwidth = float64(le.Uint32(frame[off+4:])) / 1000
	off += 8
	info.SpreadingFactor = frame[off]
	info.CodingRate = frame[off+1]
	off += 2
	info.Name = cString(frame[off:])
	return info, nil
}

// DeviceInfo is the radio's capability description.
type DeviceInfo struct {
	FirmwareVersion uint8
	MaxContacts     int
	MaxChannels     int
	BLEPin          uint32
	BuildDate       string
	Model           string
	Version         string
}

// DecodeDeviceInfo parses a RespDeviceInfo frame. Older firmware sends only
// the version byte; missing trailing fields stay zero.
func DecodeDeviceInfo(frame []byte) (*DeviceInfo, error) {
	if len(frame) < 2 || frame[0] != RespDeviceInfo {
		return nil, fmt.Errorf("%w: device info (%d bytes)", ErrShortFrame, len(frame))
	}
	info := &DeviceInfo{FirmwareVersion: frame[1]}
	if len(frame) < deviceInfoMinSize {
		return info, nil
	}
	info.MaxContacts = int(frame[2]) * 2
	info.MaxChannels = int(frame[3])
	rest := frame[deviceInfoMinSize:]
	if len(rest) >= 4 {
		info.BLEPin = binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
	}
	info.BuildDate, rest = fixedString(rest, deviceInfoBuildSize)
	info.Model, rest = fixedString(rest, deviceInfoModelSize)
	info.Version, _ = fixedString(rest, deviceInfoVersionSize)
	return info, nil
}

// BatteryInfo is the battery and storage report.
type BatteryInfo struct {
	MilliVolts     uint16
	StorageUsedKB  uint32
	StorageTotalKB uint32
}

// DecodeBattery parses a RespBattery frame.
func DecodeBattery(frame []byte) (*BatteryInfo, error) {
	if len(frame) < batteryMinSize || frame[0] != RespBattery {
		return nil, fmt.Errorf("%w: battery (%d bytes)", ErrShortFrame, len(frame))
	}
	le := binary.LittleEndian
	info := &BatteryInfo{MilliVolts: le.Uint16(frame[1:])}
	if len(frame) >= batteryMinSize+8 {
		info.StorageUsedKB = le.Uint32(frame[3:])
		info.StorageTotalKB = le.Uint32(frame[7:])
	}
	return info, nil
}

// DecodeCurrTime parses a RespCurrTime frame.
func DecodeCurrTime(frame []byte) (time.Time, error) {
	if len(frame) < currTimeSize || frame[0] != RespCurrTime {
		return time.Time{}, fmt.Errorf("%w: time (%d bytes)", ErrShortFrame, len(frame))
	}
	return time.Unix(int64(binary.LittleEndian.Uint32(frame[1:])), 0), nil
}

// decodeErr extracts the error code of a RespErr frame.
func decodeErr(frame []byte) *ProtocolError {
	if len(frame) < 2 {
		return &ProtocolError{}
	}
	return &ProtocolError{Code: frame[1]}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func fixedString(b []byte, n int) (string, []byte) {
	if len(b) < n {
		return cString(b), nil
	}
	return cString(b[:n]), b[n:]
}
