// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import "fmt"

// SecurityType identifies an RFB security (authentication) scheme by its
// protocol byte value.
type SecurityType uint8

// Security type byte values from the IANA RFB registry.
const (
	SecurityTypeInvalid       SecurityType = 0
	SecurityTypeNone          SecurityType = 1
	SecurityTypeVNCAuth       SecurityType = 2
	SecurityTypeTight         SecurityType = 16
	SecurityTypeTLS           SecurityType = 18
	SecurityTypeVeNCrypt      SecurityType = 19
	SecurityTypeARD           SecurityType = 30
	SecurityTypeAppleExtended SecurityType = 33
)

// Name returns a human-readable name for the security type. Unassigned
// values are reported as "Unknown (n)".
func (t SecurityType) Name() string {
	switch t {
	case SecurityTypeInvalid:
		return "Invalid"
	case SecurityTypeNone:
		return "None"
	case SecurityTypeVNCAuth:
		return "VNC Authentication"
	case SecurityTypeTight:
		return "Tight"
	case SecurityTypeTLS:
		return "TLS"
	case SecurityTypeVeNCrypt:
		return "VeNCrypt"
	case SecurityTypeARD:
		return "Apple Remote Desktop"
	case SecurityTypeAppleExtended:
		return "Apple Extended"
	default:
		return fmt.Sprintf("Unknown (%d)", uint8(t))
	}
}

// String implements fmt.Stringer.
func (t SecurityType) String() string {
	return t.Name()
}

// ParseSecurityType maps a configuration name to a SecurityType.
// Recognized names are "none", "vnc", "ard", "tls", "vencrypt",
// "apple-extended", and "tight".
func ParseSecurityType(name string) (SecurityType, error) {
	switch name {
	case "none":
		return SecurityTypeNone, nil
	case "vnc":
		return SecurityTypeVNCAuth, nil
	case "ard":
		return SecurityTypeARD, nil
	case "tls":
		return SecurityTypeTLS, nil
	case "vencrypt":
		return SecurityTypeVeNCrypt, nil
	case "apple-extended":
		return SecurityTypeAppleExtended, nil
	case "tight":
		return SecurityTypeTight, nil
	default:
		return SecurityTypeInvalid, validationError("ParseSecurityType",
			fmt.Sprintf("unrecognized security type name %q", name), nil)
	}
}

// DefaultSecurityPreference is the fixed selection priority used when no
// override is configured: strongest implemented scheme first.
var DefaultSecurityPreference = []SecurityType{
	SecurityTypeARD,
	SecurityTypeVNCAuth,
	SecurityTypeNone,
}

// SelectSecurityType picks the client's security type from the server's
// offered set, honoring the preference order (highest priority first).
// A nil preference falls back to DefaultSecurityPreference. Returns an
// auth-negotiation error when the offered set is empty or shares no member
// with the preference list.
func SelectSecurityType(offered []SecurityType, preference []SecurityType) (SecurityType, error) {
	if preference == nil {
		preference = DefaultSecurityPreference
	}

	if len(offered) == 0 {
		return SecurityTypeInvalid, authNegotiationError("SelectSecurityType",
			"server offered no security types", nil)
	}

	for _, preferred := range preference {
		for _, offer := range offered {
			if preferred == offer {
				return preferred, nil
			}
		}
	}

	return SecurityTypeInvalid, authNegotiationError("SelectSecurityType",
		fmt.Sprintf("no mutually acceptable security type. server offered: %v, client prefers: %v",
			offered, preference), nil)
}
