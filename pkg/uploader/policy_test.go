package uploader

import (
	"errors"
	"net"
	"testing"

	"github.com/illmade-knight/go-stumbler/pkg/reportstore"
	"github.com/illmade-knight/go-stumbler/pkg/stats"
	"github.com/illmade-knight/go-stumbler/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy_Headers(t *testing.T) {
	p := NewDefaultPolicy("", reportstore.LZ4Compressor{})
	first := p.Headers(&reportstore.Batch{})
	second := p.Headers(&reportstore.Batch{})

	assert.Equal(t, "application/json", first[transport.HeaderContentType])
	assert.Equal(t, "lz4", first[transport.HeaderContentEncoding])
	assert.Equal(t, DefaultUserAgent, first[transport.HeaderUserAgent])
	assert.NotEmpty(t, first[transport.HeaderRequestID])
	assert.NotEqual(t, first[transport.HeaderRequestID], second[transport.HeaderRequestID], "every submission gets its own request ID")
}

func TestDefaultPolicy_Tally(t *testing.T) {
	b := &reportstore.Batch{Payload: make([]byte, 42), RecordCount: 50, WifiCount: 312, CellCount: 4}

	full := NewDefaultPolicy("ua", reportstore.GzipCompressor{})
	assert.Equal(t, stats.Delta{Bytes: 42, Observations: 50, Cells: 4, Wifis: 312}, full.Tally(b, &transport.Response{StatusCode: 200}))
	assert.Equal(t, int64(99), full.Tally(b, &transport.Response{StatusCode: 200, BytesSent: 99}).Bytes)

	obsOnly := full
	obsOnly.ObservationsOnly = true
	assert.Equal(t, stats.Delta{Bytes: 42, Observations: 50}, obsOnly.Tally(b, nil))
}

func TestInterfaceNetworkPolicy(t *testing.T) {
	addr := []net.Addr{&net.IPNet{IP: net.IPv4(192, 168, 1, 10), Mask: net.CIDRMask(24, 32)}}
	testCases := []struct {
		name   string
		ifaces []net.Interface
		err    error
		addrs  []net.Addr
		want   bool
	}{
		{"wifi up", []net.Interface{{Name: "wlan0", Flags: net.FlagUp}}, nil, addr, true},
		{"wifi down", []net.Interface{{Name: "wlan0"}}, nil, addr, false},
		{"wifi without address", []net.Interface{{Name: "wlp2s0", Flags: net.FlagUp}}, nil, nil, false},
		{"ethernet only", []net.Interface{{Name: "eth0", Flags: net.FlagUp}}, nil, addr, false},
		{"mac wired port", []net.Interface{{Name: "en0", Flags: net.FlagUp}}, nil, addr, false},
		{"windows wifi", []net.Interface{{Name: "Wi-Fi", Flags: net.FlagUp}}, nil, addr, true},
		{"loopback", []net.Interface{{Name: "wl-lo", Flags: net.FlagUp | net.FlagLoopback}}, nil, addr, false},
		{"listing fails", nil, errors.New("boom"), nil, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewInterfaceNetworkPolicy(nil, zerolog.Nop())
			p.interfaces = func() ([]net.Interface, error) { return tc.ifaces, tc.err }
			p.addrs = func(net.Interface) ([]net.Addr, error) { return tc.addrs, nil }
			assert.Equal(t, tc.want, p.IsConstrainedNetworkAvailable())
		})
	}

	assert.True(t, StaticNetworkPolicy(true).IsConstrainedNetworkAvailable())
	assert.False(t, StaticNetworkPolicy(false).IsConstrainedNetworkAvailable())
}
