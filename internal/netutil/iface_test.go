package netutil

import (
	"net"
	"testing"
)

func TestBroadcastAddr(t *testing.T) {
	cases := []struct {
		cidr string
		want string
	}{
		{"192.168.1.37/24", "192.168.1.255"},
		{"10.0.0.5/8", "10.255.255.255"},
		{"172.16.4.9/20", "172.16.15.255"},
		{"192.168.0.1/32", "192.168.0.1"},
	}

	for _, tc := range cases {
		_, ipnet, err := net.ParseCIDR(tc.cidr)
		if err != nil {
			t.Fatalf("bad cidr %s: %v", tc.cidr, err)
		}
		got := BroadcastAddr(ipnet)
		if got.String() != tc.want {
			t.Errorf("BroadcastAddr(%s) = %s, want %s", tc.cidr, got, tc.want)
		}
	}
}

func TestLimitedBroadcastIsIPv4(t *testing.T) {
	if LimitedBroadcast.To4() == nil {
		t.Error("limited broadcast must be an IPv4 address")
	}
}
