package modbus

// Direction inference from transport ports.
//
// A single ADU is ambiguous for FC 1-4 when both the request and the
// response shapes fit its length. The TCP port pair is the stronger signal:
// traffic towards a known server port is a request, traffic from it is a
// response. The codec accepts this as a hint but never computes it itself.

import "slices"

// DefaultPort is the registered Modbus TCP port.
const DefaultPort = 502

// GatewayPort is the port the serial gateway in the field deployment listens on.
const GatewayPort = 505

// DefaultServerPorts lists the ports treated as Modbus servers when no
// configuration overrides them.
var DefaultServerPorts = []uint16{DefaultPort, GatewayPort}

// DirectionFromPorts returns DirRequest when dst is a server port,
// DirResponse when src is, and DirUnknown otherwise (including when both
// are server ports).
func DirectionFromPorts(src, dst uint16, serverPorts []uint16) Direction {
	srcServer := slices.Contains(serverPorts, src)
	dstServer := slices.Contains(serverPorts, dst)
	switch {
	case dstServer && !srcServer:
		return DirRequest
	case srcServer && !dstServer:
		return DirResponse
	default:
		return DirUnknown
	}
}

// IsServerPort reports whether either port is a configured server port.
func IsServerPort(src, dst uint16, serverPorts []uint16) bool {
	return slices.Contains(serverPorts, src) || slices.Contains(serverPorts, dst)
}
