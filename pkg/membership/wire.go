package membership

import (
	"encoding/binary"
	"errors"
)

// Wire format: all multi-byte integers are little-endian.
//
// Frame header (fixed, 76 bytes):
//
//	version    u8
//	type       u8
//	payload_len u16
//	seq        u32
//	sender_id  [64]byte (NUL-padded)
//	incarnation u32
const (
	wireVersion = 1

	idFieldLen = 64

	headerLen = 1 + 1 + 2 + 4 + idFieldLen + 4
)

// MsgType identifies one of the five frame kinds.
type MsgType uint8

const (
	MsgPing MsgType = iota + 1
	MsgPingReq
	MsgAck
	MsgSync
	MsgCompound
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPingReq:
		return "ping-req"
	case MsgAck:
		return "ack"
	case MsgSync:
		return "sync"
	case MsgCompound:
		return "compound"
	default:
		return "unknown"
	}
}

var (
	errFrameTooShort     = errors.New("membership: frame shorter than header")
	errPayloadTruncated  = errors.New("membership: declared payload_len exceeds datagram length")
	errSyncCountMismatch = errors.New("membership: sync node_count exceeds declared payload")
	errIDTooLong         = errors.New("membership: id exceeds 63 bytes")
	errUnsupportedVersion = errors.New("membership: unsupported wire version")
)

// header is the fixed portion of every frame.
type header struct {
	Version     uint8
	Type        MsgType
	PayloadLen  uint16
	Seq         uint32
	SenderID    string
	Incarnation uint32
}

// frame is a fully decoded datagram: the fixed header plus a type-specific
// payload.
type frame struct {
	header

	// Present for Ping, Ack.
	TargetID string
	// Present for PingReq, alongside TargetID.
	SourceID string
	// Present for Sync.
	Updates []syncRecord
	// Present for Compound: opaque application bytes, unframed beyond the header.
	AppPayload []byte
}

// syncRecord is one fixed-width anti-entropy record.
type syncRecord struct {
	ID          string
	Address     string
	Port        uint16
	State       State
	Incarnation uint32
	IsMain      bool
}

const syncRecordLen = idFieldLen + idFieldLen + 2 + 1 + 4 + 1

func putFixedString(buf []byte, s string) error {
	if len(s) > maxIDLen {
		return errIDTooLong
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, s)
	return nil
}

func getFixedString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// encodeHeader writes the fixed header into buf[0:headerLen]. It returns an
// error when SenderID is longer than maxIDLen.
func encodeHeader(buf []byte, h header) error {
	buf[0] = wireVersion
	buf[1] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.Seq)
	if err := putFixedString(buf[8:8+idFieldLen], h.SenderID); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[8+idFieldLen:headerLen], h.Incarnation)
	return nil
}

func decodeHeader(data []byte) (header, error) {
	if len(data) < headerLen {
		return header{}, errFrameTooShort
	}
	h := header{
		Version:     data[0],
		Type:        MsgType(data[1]),
		PayloadLen:  binary.LittleEndian.Uint16(data[2:4]),
		Seq:         binary.LittleEndian.Uint32(data[4:8]),
		SenderID:    getFixedString(data[8 : 8+idFieldLen]),
		Incarnation: binary.LittleEndian.Uint32(data[8+idFieldLen : headerLen]),
	}
	if h.Version != wireVersion {
		return header{}, errUnsupportedVersion
	}
	if int(h.PayloadLen) > len(data)-headerLen {
		return header{}, errPayloadTruncated
	}
	return h, nil
}

// encodeFrame serializes f to its wire representation.
func encodeFrame(f frame) ([]byte, error) {
	var payload []byte

	switch f.Type {
	case MsgPing, MsgAck:
		payload = make([]byte, idFieldLen)
		if err := putFixedString(payload, f.TargetID); err != nil {
			return nil, err
		}
	case MsgPingReq:
		payload = make([]byte, idFieldLen*2)
		if err := putFixedString(payload[:idFieldLen], f.TargetID); err != nil {
			return nil, err
		}
		if err := putFixedString(payload[idFieldLen:], f.SourceID); err != nil {
			return nil, err
		}
	case MsgSync:
		payload = make([]byte, 4+len(f.Updates)*syncRecordLen)
		binary.LittleEndian.PutUint32(payload[0:4], uint32(len(f.Updates)))
		off := 4
		for _, u := range f.Updates {
			if err := encodeSyncRecord(payload[off:off+syncRecordLen], u); err != nil {
				return nil, err
			}
			off += syncRecordLen
		}
	case MsgCompound:
		payload = f.AppPayload
	default:
		payload = nil
	}

	buf := make([]byte, headerLen+len(payload))
	h := f.header
	h.PayloadLen = uint16(len(payload))
	if err := encodeHeader(buf, h); err != nil {
		return nil, err
	}
	copy(buf[headerLen:], payload)
	return buf, nil
}

// decodeFrame parses a raw datagram into a frame. Malformed datagrams
// (short header, declared length exceeding the actual datagram, or a Sync
// whose node_count doesn't fit) return an error; callers must drop the
// datagram silently.
func decodeFrame(data []byte) (frame, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return frame{}, err
	}
	payload := data[headerLen : headerLen+int(h.PayloadLen)]

	f := frame{header: h}
	switch h.Type {
	case MsgPing, MsgAck:
		if len(payload) < idFieldLen {
			return frame{}, errPayloadTruncated
		}
		f.TargetID = getFixedString(payload[:idFieldLen])
	case MsgPingReq:
		if len(payload) < idFieldLen*2 {
			return frame{}, errPayloadTruncated
		}
		f.TargetID = getFixedString(payload[:idFieldLen])
		f.SourceID = getFixedString(payload[idFieldLen:])
	case MsgSync:
		if len(payload) < 4 {
			return frame{}, errPayloadTruncated
		}
		count := binary.LittleEndian.Uint32(payload[0:4])
		need := 4 + int(count)*syncRecordLen
		if need > len(payload) {
			return frame{}, errSyncCountMismatch
		}
		updates := make([]syncRecord, count)
		off := 4
		for i := range updates {
			rec, err := decodeSyncRecord(payload[off : off+syncRecordLen])
			if err != nil {
				return frame{}, err
			}
			updates[i] = rec
			off += syncRecordLen
		}
		f.Updates = updates
	case MsgCompound:
		f.AppPayload = append([]byte(nil), payload...)
	default:
		// Unknown/reserved type: header is valid but we don't interpret the body.
	}
	return f, nil
}

func encodeSyncRecord(buf []byte, r syncRecord) error {
	if err := putFixedString(buf[0:idFieldLen], r.ID); err != nil {
		return err
	}
	if err := putFixedString(buf[idFieldLen:idFieldLen*2], r.Address); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(buf[idFieldLen*2:idFieldLen*2+2], r.Port)
	buf[idFieldLen*2+2] = byte(r.State)
	binary.LittleEndian.PutUint32(buf[idFieldLen*2+3:idFieldLen*2+7], r.Incarnation)
	if r.IsMain {
		buf[idFieldLen*2+7] = 1
	} else {
		buf[idFieldLen*2+7] = 0
	}
	return nil
}

func decodeSyncRecord(buf []byte) (syncRecord, error) {
	if len(buf) < syncRecordLen {
		return syncRecord{}, errPayloadTruncated
	}
	return syncRecord{
		ID:          getFixedString(buf[0:idFieldLen]),
		Address:     getFixedString(buf[idFieldLen : idFieldLen*2]),
		Port:        binary.LittleEndian.Uint16(buf[idFieldLen*2 : idFieldLen*2+2]),
		State:       State(buf[idFieldLen*2+2]),
		Incarnation: binary.LittleEndian.Uint32(buf[idFieldLen*2+3 : idFieldLen*2+7]),
		IsMain:      buf[idFieldLen*2+7] != 0,
	}, nil
}
