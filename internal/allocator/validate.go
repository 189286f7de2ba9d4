package allocator

import (
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"portreg/internal/errdefs"
	"portreg/internal/models"
)

const maxCredentialLen = 16 << 10

// NormalizeHardwareAddress parses an EUI-48 or EUI-64 address in any form
// net.ParseMAC accepts and returns it in lowercase colon notation.
func NormalizeHardwareAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errdefs.InvalidInput("address_mac is required")
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", errdefs.InvalidInput("address_mac %q is not a hardware address", s)
	}
	if len(hw) != 6 && len(hw) != 8 {
		return "", errdefs.InvalidInput("address_mac %q must be EUI-48 or EUI-64", s)
	}
	return hw.String(), nil
}

// validateCredential rejects credentials that cannot be appended to an
// authorized keys file as a single entry.
func (e *Engine) validateCredential(credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", errdefs.InvalidInput("ssh_key is required")
	}
	if len(credential) > maxCredentialLen {
		return "", errdefs.InvalidInput("ssh_key exceeds %d bytes", maxCredentialLen)
	}
	if strings.ContainsAny(credential, "\r\n\x00") {
		return "", errdefs.InvalidInput("ssh_key must be a single line")
	}
	if e.opts.StrictSSHKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(credential)); err != nil {
			return "", errdefs.InvalidInput("ssh_key is not an authorized key: %v", err)
		}
	}
	return credential, nil
}

func (e *Engine) validateProtocols(protocols []models.Protocol) error {
	if len(protocols) > e.opts.MaxPortsPerDevice {
		return errdefs.InvalidInput("%d ports requested, at most %d allowed", len(protocols), e.opts.MaxPortsPerDevice)
	}
	for i, p := range protocols {
		if !p.Valid() {
			return errdefs.InvalidInput("ports[%d]: invalid protocol", i)
		}
	}
	return nil
}
