package pcap

// Link-layer unwrapping: Ethernet -> IPv4 -> TCP, straight from frame bytes.
//
// Every header length is checked against the bytes that remain before it
// is used, so a corrupt frame yields a skip reason instead of an
// out-of-range read.

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// SkipReason says why a frame did not yield a TCP payload.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipLinkType
	SkipShortFrame
	SkipEtherType
	SkipIPVersion
	SkipIPHeader
	SkipFragment
	SkipNotTCP
	SkipTCPHeader
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipLinkType:
		return "unsupported_link_type"
	case SkipShortFrame:
		return "short_frame"
	case SkipEtherType:
		return "not_ipv4_ethertype"
	case SkipIPVersion:
		return "ip_version"
	case SkipIPHeader:
		return "bad_ipv4_header"
	case SkipFragment:
		return "ip_fragment"
	case SkipNotTCP:
		return "not_tcp"
	case SkipTCPHeader:
		return "bad_tcp_header"
	default:
		return "unknown"
	}
}

const (
	ethernetHeaderLen = 14
	linuxSLLHeaderLen = 16
	etherTypeIPv4     = 0x0800
	ipv4MinHeaderLen  = 20
	tcpMinHeaderLen   = 20
	ipProtocolTCP     = 6
)

// Payload locates the TCP payload inside a frame.
type Payload struct {
	Offset  int
	Length  int
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Skip    SkipReason
}

// Bytes returns the payload slice of frame.
func (p Payload) Bytes(frame []byte) []byte {
	return frame[p.Offset : p.Offset+p.Length]
}

// Src returns the source endpoint.
func (p Payload) Src() netip.AddrPort {
	return netip.AddrPortFrom(p.SrcIP, p.SrcPort)
}

// Dst returns the destination endpoint.
func (p Payload) Dst() netip.AddrPort {
	return netip.AddrPortFrom(p.DstIP, p.DstPort)
}

// Unwrap finds the TCP payload of an Ethernet, Linux cooked (SLL) or
// raw-IPv4 frame. ok is
// false when the frame is not Ethernet/IPv4/TCP or a header length is
// inconsistent; Payload.Skip then carries the reason. A valid segment with
// no payload returns ok with Length 0.
func Unwrap(data []byte, linkType uint16) (Payload, bool) {
	if linkType > 0xFF {
		// layers.LinkType is 8 bits wide; larger values would alias.
		return skip(SkipLinkType)
	}
	var ipStart int
	switch layers.LinkType(linkType) {
	case layers.LinkTypeEthernet:
		if len(data) < ethernetHeaderLen {
			return skip(SkipShortFrame)
		}
		if binary.BigEndian.Uint16(data[12:14]) != etherTypeIPv4 {
			return skip(SkipEtherType)
		}
		ipStart = ethernetHeaderLen
	case layers.LinkTypeLinuxSLL:
		if len(data) < linuxSLLHeaderLen {
			return skip(SkipShortFrame)
		}
		if binary.BigEndian.Uint16(data[14:16]) != etherTypeIPv4 {
			return skip(SkipEtherType)
		}
		ipStart = linuxSLLHeaderLen
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		ipStart = 0
	default:
		return skip(SkipLinkType)
	}

	if len(data) < ipStart+ipv4MinHeaderLen {
		return skip(SkipShortFrame)
	}
	ip := data[ipStart:]
	if ip[0]>>4 != 4 {
		return skip(SkipIPVersion)
	}
	ihl := int(ip[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen || ihl > len(ip) {
		return skip(SkipIPHeader)
	}

	// Total length trims link-layer padding. Zero (segmentation offload)
	// or a value past the capture leaves the captured end in place.
	end := len(ip)
	total := int(binary.BigEndian.Uint16(ip[2:4]))
	if total != 0 {
		if total < ihl {
			return skip(SkipIPHeader)
		}
		if total < end {
			end = total
		}
	}

	flagsFrag := binary.BigEndian.Uint16(ip[6:8])
	if flagsFrag&0x2000 != 0 || flagsFrag&0x1FFF != 0 {
		return skip(SkipFragment)
	}
	if ip[9] != ipProtocolTCP {
		return skip(SkipNotTCP)
	}

	if ihl+tcpMinHeaderLen > end {
		return skip(SkipTCPHeader)
	}
	tcp := ip[ihl:end]
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset < tcpMinHeaderLen || dataOffset > len(tcp) {
		return skip(SkipTCPHeader)
	}

	return Payload{
		Offset:  ipStart + ihl + dataOffset,
		Length:  len(tcp) - dataOffset,
		SrcIP:   netip.AddrFrom4([4]byte(ip[12:16])),
		DstIP:   netip.AddrFrom4([4]byte(ip[16:20])),
		SrcPort: binary.BigEndian.Uint16(tcp[0:2]),
		DstPort: binary.BigEndian.Uint16(tcp[2:4]),
	}, true
}

func skip(reason SkipReason) (Payload, bool) {
	return Payload{Skip: reason}, false
}
