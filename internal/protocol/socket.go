package protocol

import (
	"net"
	"strings"
)

// DefaultListenAddr is where ahqd listens when nothing else is configured.
const DefaultListenAddr = ":6699"

// BaseURL turns a listen address into the URL clients dial. A bare port or
// an unspecified host means the local machine; a value that already has a
// scheme is returned unchanged.
func BaseURL(addr string) string {
	if addr == "" {
		addr = DefaultListenAddr
	}
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
