package endpoint_test

import (
	"testing"

	"github.com/edgectl/dispatcher/internal/endpoint"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name      string
		pattern   endpoint.Endpoint
		candidate endpoint.Endpoint
		want      bool
	}{
		{
			name:      "any matches everything",
			pattern:   endpoint.MakeAny(),
			candidate: endpoint.Make(endpoint.Service, "pumpA"),
			want:      true,
		},
		{
			name:      "exact service match",
			pattern:   endpoint.Make(endpoint.Service, "pumpA"),
			candidate: endpoint.Make(endpoint.Service, "pumpA"),
			want:      true,
		},
		{
			name:      "service name mismatch",
			pattern:   endpoint.Make(endpoint.Service, "pumpA"),
			candidate: endpoint.Make(endpoint.Service, "pumpB"),
			want:      false,
		},
		{
			name:      "kind mismatch",
			pattern:   endpoint.Make(endpoint.Service, "pumpA"),
			candidate: endpoint.Make(endpoint.Asset, "pumpA"),
			want:      false,
		},
		{
			name:      "unnamed pattern matches any name of its kind",
			pattern:   endpoint.Make(endpoint.Service, ""),
			candidate: endpoint.Make(endpoint.Service, "pumpB"),
			want:      true,
		},
		{
			name:      "broadcast matches broadcast",
			pattern:   endpoint.Make(endpoint.Broadcast, ""),
			candidate: endpoint.Make(endpoint.Broadcast, ""),
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pattern.Match(tt.candidate); got != tt.want {
				t.Errorf("Match(%v, %v) = %v, want %v", tt.pattern, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestKindFromName(t *testing.T) {
	tests := []struct {
		name string
		want endpoint.Kind
	}{
		{"Any", endpoint.Any},
		{"Service", endpoint.Service},
		{"API", endpoint.API},
		{"Notification", endpoint.Notification},
		{"Schedule", endpoint.Schedule},
		{"Script", endpoint.Script},
		{"Broadcast", endpoint.Broadcast},
		{"Asset", endpoint.Asset},
		{"bogus", endpoint.Undefined},
	}
	for _, tt := range tests {
		if got := endpoint.KindFromName(tt.name); got != tt.want {
			t.Errorf("KindFromName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
