package audit

import (
	"net"
)

// AnonymizeIP drops the host part of a client address before it is
// stored: the last octet for IPv4, the last 80 bits for IPv6. Invalid
// input yields "".
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
