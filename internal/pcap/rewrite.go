package pcap

// Capture filtering: copy only the Modbus frames of a capture into a new
// legacy pcap file, optionally replacing the endpoint addresses.

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/tturner/mbmap/internal/modbus"
)

// RewriteOptions configures RewritePCAP.
type RewriteOptions struct {
	ServerPorts []uint16
	// ClientIP and ServerIP replace the IPv4 addresses of the client and
	// server side when set.
	ClientIP           net.IP
	ServerIP           net.IP
	RecomputeChecksums bool
}

// RewriteStats counts what RewritePCAP did.
type RewriteStats struct {
	Total     int `json:"total"`
	Written   int `json:"written"`
	Rewritten int `json:"rewritten"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RewritePCAP writes the frames of inputPath that carry Modbus server-port
// traffic to outputPath. The output uses the link type of the first frame;
// frames of any other link type are skipped.
func RewritePCAP(inputPath, outputPath string, opts RewriteOptions) (RewriteStats, error) {
	in, err := OpenFile(inputPath)
	if err != nil {
		return RewriteStats{}, err
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return RewriteStats{}, fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	return rewriteFrames(in.Reader, out, opts)
}

func rewriteFrames(rd *Reader, out io.Writer, opts RewriteOptions) (RewriteStats, error) {
	if len(opts.ServerPorts) == 0 {
		opts.ServerPorts = modbus.DefaultServerPorts
	}
	writer := pcapgo.NewWriter(out)
	var (
		stats     RewriteStats
		linkType  uint16
		headerOut bool
	)

	for {
		frame, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Total++

		p, ok := Unwrap(frame.Data, frame.LinkType)
		if !ok || !modbus.IsServerPort(p.SrcPort, p.DstPort, opts.ServerPorts) {
			stats.Skipped++
			continue
		}
		if !headerOut {
			linkType = frame.LinkType
			if err := writer.WriteFileHeader(65535, layers.LinkType(linkType)); err != nil {
				return stats, fmt.Errorf("write pcap header: %w", err)
			}
			headerOut = true
		}
		if frame.LinkType != linkType {
			stats.Skipped++
			continue
		}

		data := frame.Data
		if opts.ClientIP != nil || opts.ServerIP != nil {
			rewritten, err := RewritePacket(frame.Data, frame.LinkType, p, opts)
			if err != nil {
				stats.Errors++
			} else {
				data = rewritten
				stats.Rewritten++
			}
		}

		ci := gopacket.CaptureInfo{
			Timestamp:     frame.Timestamp,
			CaptureLength: len(data),
			Length:        len(data) + int(frame.OriginalLen) - int(frame.CapturedLen),
		}
		if err := writer.WritePacket(ci, data); err != nil {
			return stats, fmt.Errorf("write packet: %w", err)
		}
		stats.Written++
	}
}

// RewritePacket replaces the client and server addresses of one
// Ethernet or raw IPv4 frame.
func RewritePacket(data []byte, linkType uint16, p Payload, opts RewriteOptions) ([]byte, error) {
	packet := gopacket.NewPacket(data, layers.LinkType(linkType), gopacket.Default)

	var layersOut []gopacket.SerializableLayer
	if ethLayer := packet.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		eth := *(ethLayer.(*layers.Ethernet))
		layersOut = append(layersOut, &eth)
	}

	ip4Layer := packet.Layer(layers.LayerTypeIPv4)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if ip4Layer == nil || tcpLayer == nil {
		return nil, fmt.Errorf("no IPv4/TCP layers")
	}
	ip4 := *(ip4Layer.(*layers.IPv4))
	clientIsSrc := modbus.DirectionFromPorts(p.SrcPort, p.DstPort, opts.ServerPorts) != modbus.DirResponse
	if ip := opts.ClientIP.To4(); ip != nil {
		if clientIsSrc {
			ip4.SrcIP = ip
		} else {
			ip4.DstIP = ip
		}
	}
	if ip := opts.ServerIP.To4(); ip != nil {
		if clientIsSrc {
			ip4.DstIP = ip
		} else {
			ip4.SrcIP = ip
		}
	}
	layersOut = append(layersOut, &ip4)

	tcp := *(tcpLayer.(*layers.TCP))
	tcp.SetNetworkLayerForChecksum(&ip4)
	layersOut = append(layersOut, &tcp, gopacket.Payload(tcp.Payload))

	buffer := gopacket.NewSerializeBuffer()
	optsSerialize := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: opts.RecomputeChecksums,
	}
	if err := gopacket.SerializeLayers(buffer, optsSerialize, layersOut...); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// ParseIP parses an optional IPv4 address flag value.
func ParseIP(input string) (net.IP, error) {
	if input == "" {
		return nil, nil
	}
	ip := net.ParseIP(input).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address '%s'", input)
	}
	return ip, nil
}
