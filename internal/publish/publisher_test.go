package publish

import (
	"encoding/json"
	"testing"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/report"
)

func TestEncode(t *testing.T) {
	m := analysis.RegisterMap{1: {8063: {Width: 1, AccessCount: 2, Name: "air_temperature"}}}
	data, err := Encode(report.BuildRegisterReport(m, nil, nil, []string{"live"}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded report.RegisterReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("payload is not a register report: %v", err)
	}
	if e, ok := decoded.Units.Lookup(1, 8063); !ok || e.Name != "air_temperature" {
		t.Errorf("decoded entry = %+v", e)
	}
}

func TestNewPublisherErrors(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		subject string
	}{
		{"missing subject", "nats://127.0.0.1:4222", ""},
		{"unreachable server", "nats://127.0.0.1:1", "mbmap.snapshot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPublisher(tt.url, tt.subject, logging.Discard())
			if err == nil {
				p.Close()
				t.Fatal("NewPublisher() succeeded, want error")
			}
		})
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	if err := (&Publisher{}).Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
