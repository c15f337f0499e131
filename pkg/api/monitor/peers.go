package monitor

import (
	"net"
	"strconv"
)

// PeerKey formats the ip:port identity of a peer, bracketing IPv6 hosts
func PeerKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
