package report

import (
	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/pcap"
	"github.com/tturner/mbmap/internal/value"
)

func floatPtr(v float64) *float64 { return &v }

// sampleMap is a two-unit map with one documented register.
func sampleMap() analysis.RegisterMap {
	return analysis.RegisterMap{
		247: {
			8061: {
				Width: 1, WidthKind: analysis.WidthSingle, Type: value.TypeUint16,
				Access: analysis.AccessRead, Category: "Weather_Station", AccessCount: 4,
				Requests: 2, SampleRaw: "1964", SampleValue: floatPtr(9.99), UnitLabel: "%",
				Name: "relative_humidity", Documented: true,
			},
			8070: {
				Width: 2, WidthKind: analysis.WidthDouble, Type: value.TypeFloat32,
				Access: analysis.AccessReadWrite, Category: "Weather_Station", AccessCount: 1,
				SampleRaw: "41200000", SampleValue: floatPtr(10),
			},
		},
		1: {
			0: {
				Width: 8, WidthKind: analysis.WidthVariable, Type: value.TypeString,
				Access: analysis.AccessRead, Category: "Inverter_Info", AccessCount: 1,
				SampleText: "SG10RT",
			},
		},
	}
}

func sampleStats() *pcap.Stats {
	return &pcap.Stats{
		Frames:          12,
		TCPPayloads:     10,
		Streams:         2,
		Requests:        5,
		Responses:       5,
		Units:           []int{1, 247},
		FunctionCounts:  map[string]int{"0x03": 8, "0x10": 2},
		ContainerFormat: "pcapng",
	}
}
