package node

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/clawmesh/clawmesh/internal/transport"
)

// mustJSON marshals v, returning nil on failure rather than panicking
// the event loop (propagator broadcasts are best-effort per the
// transport's error-propagation policy).
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// splitListenAddr extracts the advertised host and port from a
// "host:port" listen address, for handing to the mDNS advertiser.
func splitListenAddr(addr string) (host string, port int) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return h, 0
	}
	return h, portNum
}

// encodeRequestFrame builds a wire-ready req Frame for a method call
// with no parameters, for callers driving session.Registry.Invoke
// directly (e.g. tests exercising the transport end to end).
func encodeRequestFrame(id, method string) ([]byte, error) {
	return transport.Encode(transport.Frame{Type: transport.FrameRequest, ID: id, Method: method})
}
