package log

import "time"

// MaxFrameDataSize bounds the payload bytes copied into a frame event.
const MaxFrameDataSize = 256

// FrameRecord builds a transport-layer frame event. The payload is copied
// (and truncated to MaxFrameDataSize) so callers may reuse their buffer.
func FrameRecord(transport string, dir Direction, payload []byte) Event {
	data := payload
	truncated := false
	if len(data) > MaxFrameDataSize {
		data = data[:MaxFrameDataSize]
		truncated = true
	}
	var code uint8
	if len(payload) > 0 {
		code = payload[0]
	}
	return Event{
		Timestamp: time.Now(),
		Transport: transport,
		Layer:     LayerTransport,
		Category:  CategoryFrame,
		Direction: dir,
		Frame: &FrameEvent{
			Code:      code,
			Size:      len(payload),
			Data:      append([]byte(nil), data...),
			Truncated: truncated,
		},
	}
}
