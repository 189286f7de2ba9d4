package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol is the transport a device exposes on an assigned port.
type Protocol uint8

const (
	// ProtocolTCP is raw TCP, routed by SNI.
	ProtocolTCP Protocol = iota + 1
	// ProtocolUDP is raw UDP.
	ProtocolUDP
	// ProtocolHTTP is plain HTTP behind a TLS-terminating virtual host.
	ProtocolHTTP
	// ProtocolHTTPS is HTTPS behind a TLS-terminating virtual host.
	ProtocolHTTPS
)

// Protocols lists every valid protocol in declaration order.
var Protocols = []Protocol{ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "Tcp"
	case ProtocolUDP:
		return "Udp"
	case ProtocolHTTP:
		return "Http"
	case ProtocolHTTPS:
		return "Https"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// Valid reports whether p is one of the declared protocols.
func (p Protocol) Valid() bool {
	return p >= ProtocolTCP && p <= ProtocolHTTPS
}

// ParseProtocol parses a protocol name case-insensitively ("Tcp", "TCP", "tcp").
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	}
	return 0, fmt.Errorf("invalid protocol: %q", s)
}

// MarshalJSON encodes the protocol by name.
func (p Protocol) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid protocol: %d", uint8(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a protocol name.
func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("protocol must be a string: %w", err)
	}
	parsed, err := ParseProtocol(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Bucket is a section of the routing document.
type Bucket uint8

const (
	BucketHTTP Bucket = iota
	BucketTCP
	BucketUDP
)

// Bucket returns the routing section the protocol is rendered into.
func (p Protocol) Bucket() (Bucket, error) {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS:
		return BucketHTTP, nil
	case ProtocolTCP:
		return BucketTCP, nil
	case ProtocolUDP:
		return BucketUDP, nil
	}
	return 0, fmt.Errorf("invalid protocol: %d", uint8(p))
}

// Device represents a registered device, keyed by hardware address
type Device struct {
	HardwareAddress string    `json:"address_mac"`
	Credential      string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Assignment is one allocated port and the protocol it serves.
type Assignment struct {
	Port     uint16   `json:"port"`
	Protocol Protocol `json:"protocol"`
}

// PortAssignment is a persisted assignment row. Port numbers are unique
// across all devices.
type PortAssignment struct {
	HardwareAddress string   `json:"address_mac"`
	Port            uint16   `json:"port"`
	Protocol        Protocol `json:"protocol"`
	Provisioned     bool     `json:"provisioned"` // reserved, not acted on yet
}

// DeviceAssignments groups every assignment owned by one device.
type DeviceAssignments struct {
	HardwareAddress string       `json:"address_mac"`
	Ports           []Assignment `json:"ports"`
}

// PortRequest asks for one port of the given protocol.
type PortRequest struct {
	Protocol Protocol `json:"protocol"`
}

// RegisterRequest is the registration body sent by a device.
type RegisterRequest struct {
	AddressMAC string        `json:"address_mac"`
	SSHKey     string        `json:"ssh_key"`
	Ports      []PortRequest `json:"ports"`
}

// Protocols returns the requested protocols in request order.
func (r RegisterRequest) Protocols() []Protocol {
	out := make([]Protocol, 0, len(r.Ports))
	for _, p := range r.Ports {
		out = append(out, p.Protocol)
	}
	return out
}

// PortNumbers extracts port numbers, keeping order.
func PortNumbers(assignments []Assignment) []uint16 {
	out := make([]uint16, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, a.Port)
	}
	return out
}
