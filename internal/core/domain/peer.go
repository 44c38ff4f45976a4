package domain

import (
	"fmt"
	"net"
	"strconv"
)

type SessionID string

// Endpoint is the host and listening port a peer accepts control
// connections on. Its video listener is always Port+1.
type Endpoint struct {
	Host string `json:"ip"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Video returns the endpoint of the peer's video listener.
func (e Endpoint) Video() Endpoint {
	return Endpoint{Host: e.Host, Port: e.Port + 1}
}

func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// PeerRecord is what the tracker knows about one announced peer. There is
// at most one record per endpoint.
type PeerRecord struct {
	Endpoint
	Username  string    `json:"username"`
	SessionID SessionID `json:"session_id"`
	Visitor   bool      `json:"visitor"`
	Invisible bool      `json:"invisible"`
	Online    bool      `json:"online"`
}

// Reachable reports whether the record should receive notifications.
func (p PeerRecord) Reachable() bool {
	return p.Online && !p.Invisible
}

// PeerStatus is the presence mode a client chooses for itself.
type PeerStatus string

const (
	StatusOnline    PeerStatus = "online"
	StatusOffline   PeerStatus = "offline"
	StatusInvisible PeerStatus = "invisible"
)
