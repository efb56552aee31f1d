// Package netutil resolves the node's outbound-preferred IPv4 address and
// the broadcast address of the interface that carries it.
package netutil

import (
	"fmt"
	"net"
)

// probeAddr is a well-known public endpoint. No packet is ever sent to it;
// dialing an unconnected UDP socket only asks the kernel for a route.
const probeAddr = "8.8.8.8:80"

// LimitedBroadcast is the fallback destination when the interface broadcast
// cannot be determined.
var LimitedBroadcast = net.IPv4(255, 255, 255, 255)

// Interfaces describes the addresses the node operates with.
type Interfaces struct {
	PreferredIP net.IP // outbound-preferred IPv4
	BroadcastIP net.IP // subnet broadcast of PreferredIP, or the limited broadcast
}

// Discover picks the source IPv4 the OS would use to reach a public
// endpoint, then walks the interface table to find that address's subnet
// broadcast. Failure to find a broadcast falls back to 255.255.255.255;
// failure to find a preferred address is an error and disables discovery.
func Discover() (Interfaces, error) {
	ip, err := preferredIP()
	if err != nil {
		return Interfaces{}, fmt.Errorf("failed to determine preferred address: %w", err)
	}

	bcast, err := broadcastFor(ip)
	if err != nil {
		bcast = LimitedBroadcast
	}

	return Interfaces{PreferredIP: ip, BroadcastIP: bcast}, nil
}

// preferredIP returns the local IPv4 the kernel binds for outbound traffic.
func preferredIP() (net.IP, error) {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return nil, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	ip := local.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("preferred address %v is not IPv4", local.IP)
	}
	return ip, nil
}

// broadcastFor enumerates interface addresses looking for the network that
// contains ip, and returns that network's directed broadcast.
func broadcastFor(ip net.IP) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if !ipnet.Contains(ip) || ipnet.IP.To4() == nil {
				continue
			}
			return BroadcastAddr(ipnet), nil
		}
	}
	return nil, fmt.Errorf("no broadcast-capable interface holds %v", ip)
}

// BroadcastAddr computes the directed broadcast address of an IPv4 network.
func BroadcastAddr(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP.To4()
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	bcast := make(net.IP, net.IPv4len)
	for i := 0; i < net.IPv4len; i++ {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
