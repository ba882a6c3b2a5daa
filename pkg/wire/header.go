// Package wire implements the SOME/IP wire codec: the fixed 16-byte
// message header, the Service Discovery header/entries/options, and the
// SOME/IP-TP segmentation sub-header. All encode/decode here is pure
// (no I/O) and must be bit-exact with peers written in other languages.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size in bytes of a SOME/IP message header.
const HeaderSize = 16

// ProtocolVersion is the only protocol_version value ever emitted or accepted.
const ProtocolVersion uint8 = 0x01

// MessageType is the tagged wire enum in byte 14 of the header.
type MessageType uint8

const (
	Request           MessageType = 0x00
	RequestNoReturn   MessageType = 0x01
	Notification      MessageType = 0x02
	Response          MessageType = 0x80
	Error             MessageType = 0x81
	RequestTP         MessageType = 0x20
	RequestNoReturnTP MessageType = 0x21
	NotificationTP    MessageType = 0x22
	ResponseTP        MessageType = 0xA0
	ErrorTP           MessageType = 0xA1
)

// tpBit is ORed into a base message type to produce its TP variant.
const tpBit = 0x20

// HasTP reports whether m carries the SOME/IP-TP segmentation flag.
func (m MessageType) HasTP() bool {
	switch m {
	case RequestTP, RequestNoReturnTP, NotificationTP, ResponseTP, ErrorTP:
		return true
	default:
		return false
	}
}

// WithTP returns the TP variant of m. Panics if m has no TP variant
// (callers only ever call this on Request/RequestNoReturn/Notification/
// Response/Error, enumerated in baseToTP).
func (m MessageType) WithTP() MessageType {
	if tp, ok := baseToTP[m]; ok {
		return tp
	}
	panic(fmt.Sprintf("wire: message type %#x has no TP variant", uint8(m)))
}

// Base strips the TP flag, returning the non-segmented message type.
func (m MessageType) Base() MessageType {
	if base, ok := tpToBase[m]; ok {
		return base
	}
	return m
}

var baseToTP = map[MessageType]MessageType{
	Request:         RequestTP,
	RequestNoReturn: RequestNoReturnTP,
	Notification:    NotificationTP,
	Response:        ResponseTP,
	Error:           ErrorTP,
}

var tpToBase = map[MessageType]MessageType{
	RequestTP:         Request,
	RequestNoReturnTP: RequestNoReturn,
	NotificationTP:    Notification,
	ResponseTP:        Response,
	ErrorTP:            Error,
}

func (m MessageType) String() string {
	switch m {
	case Request:
		return "REQUEST"
	case RequestNoReturn:
		return "REQUEST_NO_RETURN"
	case Notification:
		return "NOTIFICATION"
	case Response:
		return "RESPONSE"
	case Error:
		return "ERROR"
	case RequestTP:
		return "REQUEST_TP"
	case RequestNoReturnTP:
		return "REQUEST_NO_RETURN_TP"
	case NotificationTP:
		return "NOTIFICATION_TP"
	case ResponseTP:
		return "RESPONSE_TP"
	case ErrorTP:
		return "ERROR_TP"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint8(m))
	}
}

// ReturnCode is the disjoint wire enum in byte 15 of the header.
type ReturnCode uint8

const (
	EOk                     ReturnCode = 0x00
	ENotOk                  ReturnCode = 0x01
	EUnknownService         ReturnCode = 0x02
	EUnknownMethod          ReturnCode = 0x03
	ENotReady               ReturnCode = 0x04
	ENotReachable           ReturnCode = 0x05
	ETimeout                ReturnCode = 0x06
	EWrongProtocolVersion   ReturnCode = 0x07
	EWrongInterfaceVersion  ReturnCode = 0x08
	EMalformedMessage       ReturnCode = 0x09
	EWrongMessageType       ReturnCode = 0x0A
	EE2ERepeated            ReturnCode = 0x0B
	EE2EWrongSequence       ReturnCode = 0x0C
	EE2E                    ReturnCode = 0x0D
	EE2ENotAvailable        ReturnCode = 0x0E
)

var returnCodeDescription = map[ReturnCode]string{
	EOk:                    "Ok",
	ENotOk:                 "Not Ok",
	EUnknownService:        "Unknown Service",
	EUnknownMethod:         "Unknown Method",
	ENotReady:              "Not Ready",
	ENotReachable:          "Not Reachable",
	ETimeout:               "Timeout",
	EWrongProtocolVersion:  "Wrong Protocol Version",
	EWrongInterfaceVersion: "Wrong Interface Version",
	EMalformedMessage:      "Malformed Message",
	EWrongMessageType:      "Wrong Message Type",
	EE2ERepeated:           "E2E Repeated",
	EE2EWrongSequence:      "E2E Wrong Sequence",
	EE2E:                   "E2E Error",
	EE2ENotAvailable:       "E2E Not Available",
}

func (r ReturnCode) String() string {
	if s, ok := returnCodeDescription[r]; ok {
		return s
	}
	return fmt.Sprintf("RESERVED(%#x)", uint8(r))
}

// Header is the decoded form of the fixed 16-byte SOME/IP message header.
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	ClientID         uint16
	SessionID        uint16
	ProtocolVersion  uint8
	InterfaceVersion uint8
	Type             MessageType
	ReturnCode       ReturnCode
	// Length is the wire length field: byte count from ClientID onward,
	// i.e. 8 (ClientID..ReturnCode) + len(payload), plus TPHeaderSize for
	// TP message types.
	Length uint32
}

// EventBit marks method_id's top bit, indicating an event/notification method.
const EventBit uint16 = 0x8000

// IsEvent reports whether the method id's top bit (event/notification) is set.
func (h Header) IsEvent() bool {
	return h.MethodID&EventBit != 0
}

var (
	ErrMalformedHeader = errors.New("wire: fewer than 16 bytes available for header")
	ErrMalformedLength = errors.New("wire: length field requires reading past buffer")
)

// PayloadSize returns the number of payload bytes implied by Length,
// excluding any TP sub-header that may precede the payload on the wire.
func (h Header) PayloadSize() uint32 {
	overhead := uint32(0)
	if h.Type.HasTP() {
		overhead = TPHeaderSize
	}
	if h.Length < 8+overhead {
		return 0
	}
	return h.Length - 8 - overhead
}

// EncodeHeader writes h followed by payload into a new byte slice and
// returns it. h.Length is written as is (NewHeader computes it);
// EncodeHeader does not recompute it, so callers that change payload
// after building h must keep Length in sync.
func EncodeHeader(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.ServiceID)
	binary.BigEndian.PutUint16(buf[2:4], h.MethodID)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	binary.BigEndian.PutUint16(buf[8:10], h.ClientID)
	binary.BigEndian.PutUint16(buf[10:12], h.SessionID)
	buf[12] = h.ProtocolVersion
	buf[13] = h.InterfaceVersion
	buf[14] = uint8(h.Type)
	buf[15] = uint8(h.ReturnCode)
	copy(buf[HeaderSize:], payload)
	return buf
}

// NewHeader builds a Header with Length computed from len(payload) and
// the TP-overhead implied by msgType, and ProtocolVersion fixed at 0x01.
func NewHeader(serviceID, methodID, clientID, sessionID uint16, msgType MessageType, rc ReturnCode, interfaceVersion uint8, payloadLen int) Header {
	overhead := 0
	if msgType.HasTP() {
		overhead = TPHeaderSize
	}
	return Header{
		ServiceID:        serviceID,
		MethodID:         methodID,
		ClientID:         clientID,
		SessionID:        sessionID,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: interfaceVersion,
		Type:             msgType,
		ReturnCode:       rc,
		Length:           uint32(8 + overhead + payloadLen),
	}
}

// DecodeHeader parses the fixed header from the front of buf and
// returns it along with the Length-8 bytes that follow it (the TP
// sub-header included, for TP types); bytes beyond those are not
// returned. When Length is below 8 or buf holds fewer bytes than Length
// requires, it returns the decoded header, the rest of buf, and
// ErrMalformedLength.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrMalformedHeader
	}
	h := Header{
		ServiceID:        binary.BigEndian.Uint16(buf[0:2]),
		MethodID:         binary.BigEndian.Uint16(buf[2:4]),
		Length:           binary.BigEndian.Uint32(buf[4:8]),
		ClientID:         binary.BigEndian.Uint16(buf[8:10]),
		SessionID:        binary.BigEndian.Uint16(buf[10:12]),
		ProtocolVersion:  buf[12],
		InterfaceVersion: buf[13],
		Type:             MessageType(buf[14]),
		ReturnCode:       ReturnCode(buf[15]),
	}
	rest := buf[HeaderSize:]
	need := int(h.Length) - 8
	if need < 0 || need > len(rest) {
		return h, rest, ErrMalformedLength
	}
	return h, rest[:need], nil
}
