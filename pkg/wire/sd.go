package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Fixed SD framing identifiers (§4.1): an SD packet is a SOME/IP
// message with these service/method ids and message type.
const (
	SDServiceID   uint16      = 0xFFFF
	SDMethodID    uint16      = 0x8100
	SDMessageType MessageType = Notification
)

// RebootFlag is bit 7 of the SD flags byte.
const RebootFlag uint8 = 0x80

// SDMessage is the decoded payload of an SD packet: flags plus the
// parsed entries and options arrays (options not yet resolved against
// entries - see ResolveOptions).
type SDMessage struct {
	Reboot  bool
	Entries []SDEntry
	Options []SDOption
}

// SDEntryType is the fixed type byte of an SD entry.
type SDEntryType uint8

const (
	EntryFindService            SDEntryType = 0x00
	EntryOfferService           SDEntryType = 0x01
	EntrySubscribeEventgroup    SDEntryType = 0x06
	EntrySubscribeEventgroupAck SDEntryType = 0x07
)

const sdEntrySize = 16

// SDEntry is a decoded fixed-size (16 byte) SD entry.
type SDEntry struct {
	Type             SDEntryType
	IndexFirstOption uint8
	IndexSecondOption uint8
	NumFirstOptions  uint8 // high nibble of the option-counts byte
	NumSecondOptions uint8 // low nibble of the option-counts byte
	ServiceID        uint16
	InstanceID       uint16
	MajorVersion     uint8
	TTL              uint32 // low 24 bits of the packed (major,ttl) word
	// MinorVersion is valid for service entries (Find/Offer).
	MinorVersion uint32
	// EventgroupID is valid for eventgroup entries (Subscribe/Ack), low 16 bits of the 4th word.
	EventgroupID uint16
}

// IsServiceEntry reports whether e is a FindService/OfferService entry
// (4th word carries MinorVersion rather than EventgroupID).
func (e SDEntry) IsServiceEntry() bool {
	return e.Type == EntryFindService || e.Type == EntryOfferService
}

// IsStop reports whether e is an Offer/Subscribe with TTL=0
// (Stop-Offer / unsubscribe).
func (e SDEntry) IsStop() bool {
	return e.TTL == 0
}

// TTLNoExpire is the sentinel TTL value meaning "does not expire".
const TTLNoExpire uint32 = 0xFFFFFF

func encodeSDEntry(e SDEntry) [sdEntrySize]byte {
	var buf [sdEntrySize]byte
	buf[0] = uint8(e.Type)
	buf[1] = e.IndexFirstOption
	buf[2] = e.IndexSecondOption
	buf[3] = (e.NumFirstOptions << 4) | (e.NumSecondOptions & 0x0F)
	binary.BigEndian.PutUint16(buf[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(buf[6:8], e.InstanceID)
	majorTTL := (uint32(e.MajorVersion) << 24) | (e.TTL & 0x00FFFFFF)
	binary.BigEndian.PutUint32(buf[8:12], majorTTL)
	if e.IsServiceEntry() {
		binary.BigEndian.PutUint32(buf[12:16], e.MinorVersion)
	} else {
		binary.BigEndian.PutUint32(buf[12:16], uint32(e.EventgroupID))
	}
	return buf
}

func decodeSDEntry(buf []byte) (SDEntry, error) {
	if len(buf) < sdEntrySize {
		return SDEntry{}, fmt.Errorf("wire: SD entry truncated: need %d bytes, have %d", sdEntrySize, len(buf))
	}
	e := SDEntry{
		Type:              SDEntryType(buf[0]),
		IndexFirstOption:  buf[1],
		IndexSecondOption: buf[2],
		NumFirstOptions:   buf[3] >> 4,
		NumSecondOptions:  buf[3] & 0x0F,
		ServiceID:         binary.BigEndian.Uint16(buf[4:6]),
		InstanceID:        binary.BigEndian.Uint16(buf[6:8]),
	}
	majorTTL := binary.BigEndian.Uint32(buf[8:12])
	e.MajorVersion = uint8(majorTTL >> 24)
	e.TTL = majorTTL & 0x00FFFFFF
	word4 := binary.BigEndian.Uint32(buf[12:16])
	if e.IsServiceEntry() {
		e.MinorVersion = word4
	} else {
		e.EventgroupID = uint16(word4 & 0xFFFF)
	}
	return e, nil
}

// SDOptionType is the fixed type byte of an SD option.
type SDOptionType uint8

const (
	OptionIPv4Endpoint          SDOptionType = 0x04
	OptionIPv6Endpoint          SDOptionType = 0x06
	OptionIPv4MulticastEndpoint SDOptionType = 0x14
	OptionIPv6MulticastEndpoint SDOptionType = 0x16
)

// L4Protocol identifies UDP or TCP in an endpoint option.
type L4Protocol uint8

const (
	ProtoUDP L4Protocol = 0x11
	ProtoTCP L4Protocol = 0x06
)

// ErrUnknownOption is returned when an option's length does not match
// any defined endpoint-option type.
var ErrUnknownOption = errors.New("wire: unknown SD option type/length")

// SDOption is a decoded SD endpoint option (IPv4/IPv6, unicast or
// multicast). Non-endpoint option types are represented with Type 0
// and are skipped by the parser per §4.1 ("decoders tolerate unknown
// option types by skipping past their advertised length").
type SDOption struct {
	Type     SDOptionType
	IP       net.IP
	Port     uint16
	Protocol L4Protocol
	// Multicast reports whether Type is one of the *MulticastEndpoint variants.
	Multicast bool
}

// encodeSDOption returns the option's wire bytes INCLUDING its leading
// 2-byte length field, per §4.1 ("on the wire, the option is preceded
// by its 2-byte length field").
func encodeSDOption(o SDOption) ([]byte, error) {
	switch o.Type {
	case OptionIPv4Endpoint, OptionIPv4MulticastEndpoint:
		ip4 := o.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("wire: option type %#x requires an IPv4 address, got %v", o.Type, o.IP)
		}
		buf := make([]byte, 2+1+9)
		binary.BigEndian.PutUint16(buf[0:2], 10)
		buf[2] = uint8(o.Type)
		// buf[3] reserved
		copy(buf[4:8], ip4)
		// buf[8] reserved
		buf[9] = uint8(o.Protocol)
		binary.BigEndian.PutUint16(buf[10:12], o.Port)
		return buf, nil
	case OptionIPv6Endpoint, OptionIPv6MulticastEndpoint:
		ip6 := o.IP.To16()
		if ip6 == nil || o.IP.To4() != nil {
			return nil, fmt.Errorf("wire: option type %#x requires an IPv6 address, got %v", o.Type, o.IP)
		}
		buf := make([]byte, 2+1+21)
		binary.BigEndian.PutUint16(buf[0:2], 22)
		buf[2] = uint8(o.Type)
		// buf[3] reserved
		copy(buf[4:20], ip6)
		// buf[20] reserved
		buf[21] = uint8(o.Protocol)
		binary.BigEndian.PutUint16(buf[22:24], o.Port)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: cannot encode option type %#x", o.Type)
	}
}

// decodeSDOption parses one option (including its 2-byte length
// prefix) from the front of buf, returning the option (Type 0 for an
// unknown type, so it can still be counted and keeps its index) and the
// total wire size consumed (2 + length, per §9 Open Question (a)).
func decodeSDOption(buf []byte) (opt SDOption, consumed int, err error) {
	if len(buf) < 3 {
		return SDOption{}, 0, fmt.Errorf("%w: truncated option header", ErrUnknownOption)
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	consumed = 2 + length
	if consumed > len(buf) {
		return SDOption{}, 0, fmt.Errorf("%w: option claims %d bytes, have %d", ErrUnknownOption, consumed, len(buf))
	}
	optType := SDOptionType(buf[2])
	body := buf[3:consumed]
	switch optType {
	case OptionIPv4Endpoint, OptionIPv4MulticastEndpoint:
		if length != 10 || len(body) < 8 {
			return SDOption{}, consumed, fmt.Errorf("%w: IPv4 endpoint option length %d", ErrUnknownOption, length)
		}
		ip := net.IPv4(body[1], body[2], body[3], body[4])
		proto := L4Protocol(body[6])
		port := binary.BigEndian.Uint16(body[7:9])
		return SDOption{Type: optType, IP: ip, Protocol: proto, Port: port, Multicast: optType == OptionIPv4MulticastEndpoint}, consumed, nil
	case OptionIPv6Endpoint, OptionIPv6MulticastEndpoint:
		if length != 22 || len(body) < 20 {
			return SDOption{}, consumed, fmt.Errorf("%w: IPv6 endpoint option length %d", ErrUnknownOption, length)
		}
		ip := make(net.IP, 16)
		copy(ip, body[1:17])
		proto := L4Protocol(body[18])
		port := binary.BigEndian.Uint16(body[19:21])
		return SDOption{Type: optType, IP: ip, Protocol: proto, Port: port, Multicast: optType == OptionIPv6MulticastEndpoint}, consumed, nil
	default:
		// Unknown option type: tolerated, skipped past its advertised length.
		return SDOption{Type: 0}, consumed, nil
	}
}

// EncodeSDMessage serializes an SD payload: 1-byte flags, 3 reserved
// bytes, 4-byte entries length, entries, 4-byte options length, options.
func EncodeSDMessage(msg SDMessage) ([]byte, error) {
	var entriesBuf []byte
	for _, e := range msg.Entries {
		enc := encodeSDEntry(e)
		entriesBuf = append(entriesBuf, enc[:]...)
	}
	var optionsBuf []byte
	for _, o := range msg.Options {
		enc, err := encodeSDOption(o)
		if err != nil {
			return nil, err
		}
		optionsBuf = append(optionsBuf, enc...)
	}
	out := make([]byte, 4, 4+4+len(entriesBuf)+4+len(optionsBuf))
	if msg.Reboot {
		out[0] = RebootFlag
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entriesBuf)))
	out = append(out, lenBuf[:]...)
	out = append(out, entriesBuf...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(optionsBuf)))
	out = append(out, lenBuf[:]...)
	out = append(out, optionsBuf...)
	return out, nil
}

// DecodeSDMessage parses an SD payload: entries first, then options,
// in a single pass each (per §9, one parsing site referenced by
// position, never a per-handler duplicate).
func DecodeSDMessage(buf []byte) (SDMessage, error) {
	if len(buf) < 8 {
		return SDMessage{}, fmt.Errorf("wire: SD payload truncated: need at least 8 bytes, have %d", len(buf))
	}
	msg := SDMessage{Reboot: buf[0]&RebootFlag != 0}
	entriesLen := binary.BigEndian.Uint32(buf[4:8])
	pos := 8
	if pos+int(entriesLen) > len(buf) {
		return SDMessage{}, fmt.Errorf("wire: SD entries length %d exceeds buffer", entriesLen)
	}
	entriesEnd := pos + int(entriesLen)
	for pos+sdEntrySize <= entriesEnd {
		e, err := decodeSDEntry(buf[pos:entriesEnd])
		if err != nil {
			return SDMessage{}, err
		}
		msg.Entries = append(msg.Entries, e)
		pos += sdEntrySize
	}
	pos = entriesEnd
	if pos+4 > len(buf) {
		return SDMessage{}, fmt.Errorf("wire: SD payload truncated before options length")
	}
	optionsLen := binary.BigEndian.Uint32(buf[pos : pos+4])
	pos += 4
	if pos+int(optionsLen) > len(buf) {
		return SDMessage{}, fmt.Errorf("wire: SD options length %d exceeds buffer", optionsLen)
	}
	optionsEnd := pos + int(optionsLen)
	for pos < optionsEnd {
		opt, consumed, err := decodeSDOption(buf[pos:optionsEnd])
		if err != nil {
			return SDMessage{}, err
		}
		if consumed <= 0 {
			return SDMessage{}, fmt.Errorf("wire: SD option parser made no progress at offset %d", pos)
		}
		msg.Options = append(msg.Options, opt)
		pos += consumed
	}
	return msg, nil
}

// ResolveOptions returns the options referenced by entry e out of the
// full options table parsed from the same SD packet, per
// index_of_1st_option/index_of_2nd_option + option-counts.
func ResolveOptions(options []SDOption, e SDEntry) []SDOption {
	var out []SDOption
	collect := func(start int, count uint8) {
		for i := 0; i < int(count); i++ {
			idx := start + i
			if idx >= 0 && idx < len(options) {
				out = append(out, options[idx])
			}
		}
	}
	collect(int(e.IndexFirstOption), e.NumFirstOptions)
	collect(int(e.IndexSecondOption), e.NumSecondOptions)
	return out
}
