package protocol

import (
	"context"

	"github.com/google/uuid"
)

// SessionStore stores session records keyed by protocol address.
//
// LoadSession never returns a nil record: a missing session is reported as
// an empty record, which the engine treats as a fresh session.
type SessionStore interface {
	LoadSession(ctx context.Context, address Address) ([]byte, error)
	StoreSession(ctx context.Context, address Address, record []byte) error
	ContainsSession(ctx context.Context, address Address) (bool, error)
	DeleteSession(ctx context.Context, address Address) error
	DeleteAllSessions(ctx context.Context, name string) error
	SubDeviceSessions(ctx context.Context, name string) ([]uint32, error)
}

// IdentityKeyStore manages the local identity key and remote identity trust.
type IdentityKeyStore interface {
	GetIdentityKeyPair(ctx context.Context) (*KeyPair, error)
	GetLocalRegistrationID(ctx context.Context) (uint32, error)
	SaveIdentityKey(ctx context.Context, address Address, key IdentityKey) (bool, error)
	GetIdentityKey(ctx context.Context, address Address) (IdentityKey, error)
	IsTrustedIdentity(ctx context.Context, address Address, key IdentityKey, direction Direction) (bool, error)
}

// SenderKeyStore stores group sender key records.
// LoadSenderKey returns nil, nil if no record exists.
type SenderKeyStore interface {
	StoreSenderKey(ctx context.Context, sender Address, distributionID uuid.UUID, record []byte) error
	LoadSenderKey(ctx context.Context, sender Address, distributionID uuid.UUID) ([]byte, error)
}

// SessionInspector answers questions about engine-opaque session records.
// It is supplied by the engine; the store never interprets record bytes
// itself.
type SessionInspector interface {
	// IsActive reports whether the record's current session has a sender
	// chain at the engine's current protocol version.
	IsActive(record []byte) (bool, error)
	// Archive returns the record with its current session moved to the
	// archived (previous) states.
	Archive(record []byte) ([]byte, error)
}
