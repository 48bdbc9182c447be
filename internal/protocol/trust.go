package protocol

import "fmt"

// TrustLevel is the user's trust decision for one stored identity key.
type TrustLevel int

const (
	Untrusted TrustLevel = iota
	TrustedUnverified
	TrustedVerified
)

// String returns the persisted name of the trust level.
func (l TrustLevel) String() string {
	switch l {
	case Untrusted:
		return "UNTRUSTED"
	case TrustedUnverified:
		return "TRUSTED_UNVERIFIED"
	case TrustedVerified:
		return "TRUSTED_VERIFIED"
	}
	return fmt.Sprintf("TrustLevel(%d)", int(l))
}

// Trusted reports whether messages may be exchanged under a key with this level.
func (l TrustLevel) Trusted() bool {
	return l == TrustedUnverified || l == TrustedVerified
}

// ParseTrustLevel parses a persisted trust level name.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "UNTRUSTED":
		return Untrusted, nil
	case "TRUSTED_UNVERIFIED":
		return TrustedUnverified, nil
	case "TRUSTED_VERIFIED":
		return TrustedVerified, nil
	}
	return Untrusted, fmt.Errorf("protocol: unknown trust level %q", s)
}

// Direction tells the identity store whether a key is checked for sending or receiving.
type Direction uint

const (
	Sending Direction = iota
	Receiving
)
