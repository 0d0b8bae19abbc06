package pcap

// Hex dump utilities for payload inspection

import (
	"fmt"
	"strings"

	"github.com/tturner/mbmap/internal/modbus"
)

// HexDump creates a hex dump of data
func HexDump(data []byte, width int) string {
	if width <= 0 {
		width = 16
	}

	var sb strings.Builder
	for i := 0; i < len(data); i += width {
		fmt.Fprintf(&sb, "%04x: ", i)

		for j := 0; j < width; j++ {
			if i+j < len(data) {
				fmt.Fprintf(&sb, "%02x ", data[i+j])
			} else {
				sb.WriteString("   ")
			}
		}

		sb.WriteString(" |")
		for j := 0; j < width && i+j < len(data); j++ {
			b := data[i+j]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}

	return sb.String()
}

// FormatPacketHex formats a Modbus TCP payload as hex. With annotate set the
// MBAP header is decoded and shown apart from the PDU.
func FormatPacketHex(data []byte, annotate bool) string {
	if !annotate {
		var sb strings.Builder
		for i, b := range data {
			if i > 0 && i%16 == 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "%02x ", b)
		}
		return sb.String()
	}

	hdr, err := modbus.DecodeMBAPHeader(data)
	if err != nil {
		return HexDump(data, 16)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MBAP Header (tx=%d proto=%d len=%d unit=%d):\n",
		hdr.TransactionID, hdr.ProtocolID, hdr.Length, hdr.UnitID)
	sb.WriteString(HexDump(data[:modbus.MBAPHeaderSize], 16))

	if len(data) > modbus.MBAPHeaderSize {
		pdu := data[modbus.MBAPHeaderSize:]
		fmt.Fprintf(&sb, "\nPDU (%s):\n", modbus.FunctionCode(pdu[0]))
		sb.WriteString(HexDump(pdu, 16))
	}

	return sb.String()
}
