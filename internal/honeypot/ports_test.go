package honeypot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/honeyport/honeyport/internal/config"
)

func TestResolvePorts(t *testing.T) {
	tests := []struct {
		name  string
		ports config.PortsConfig
		want  []int
	}{
		{
			name:  "specific minus excluded",
			ports: config.PortsConfig{Specific: []int{8000, 8001, 8002}, Exclude: []int{8001}},
			want:  []int{8000, 8002},
		},
		{
			name: "range plus specific",
			ports: config.PortsConfig{
				Range:    config.PortRange{Start: 100, End: 103},
				Specific: []int{22},
				Exclude:  []int{101},
			},
			want: []int{22, 100, 102, 103},
		},
		{
			name:  "disabled range",
			ports: config.PortsConfig{Range: config.PortRange{Start: -1, End: 200}, Specific: []int{7}},
			want:  []int{7},
		},
		{
			name:  "duplicates collapse",
			ports: config.PortsConfig{Specific: []int{23, 23, 21}},
			want:  []int{21, 23},
		},
		{
			name:  "everything excluded",
			ports: config.PortsConfig{Specific: []int{23}, Exclude: []int{23}},
			want:  []int{},
		},
		{
			name:  "nothing configured",
			ports: config.PortsConfig{},
			want:  []int{},
		},
		{
			name:  "range at upper bound",
			ports: config.PortsConfig{Range: config.PortRange{Start: 65534, End: 65535}},
			want:  []int{65534, 65535},
		},
		{
			name:  "out of range dropped",
			ports: config.PortsConfig{Specific: []int{0, 70000, 443}},
			want:  []int{443},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePorts(tt.ports))
		})
	}
}
