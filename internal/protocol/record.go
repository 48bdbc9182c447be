package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentSessionVersion is the session version produced by current engines
// (PQXDH sessions).
const CurrentSessionVersion = 4

// maxArchivedStates bounds the number of previous sessions kept in a record.
const maxArchivedStates = 40

// EmptySessionRecord is the serialized form of a record with no sessions.
// An empty protobuf message decodes as a fresh record.
var EmptySessionRecord = []byte{}

// RecordStructure / SessionStructure field numbers from libsignal's storage.proto.
const (
	recordCurrentSession   protowire.Number = 1
	recordPreviousSessions protowire.Number = 2

	sessionVersion     protowire.Number = 1
	sessionSenderChain protowire.Number = 6
)

// RecordInspector is a SessionInspector for libsignal's serialized
// RecordStructure. Only the fields needed for the active check and for
// archiving are decoded; everything else is carried through unchanged.
type RecordInspector struct {
	// CurrentVersion is the engine's session version. Zero means
	// CurrentSessionVersion.
	CurrentVersion uint32
}

var _ SessionInspector = RecordInspector{}

func (ri RecordInspector) version() uint32 {
	if ri.CurrentVersion == 0 {
		return CurrentSessionVersion
	}
	return ri.CurrentVersion
}

// IsActive implements SessionInspector.
func (ri RecordInspector) IsActive(record []byte) (bool, error) {
	rec, err := parseRecord(record)
	if err != nil {
		return false, err
	}
	if !rec.hasCurrent {
		return false, nil
	}
	version, hasSenderChain, err := parseSession(rec.current)
	if err != nil {
		return false, err
	}
	return hasSenderChain && version == ri.version(), nil
}

// Archive implements SessionInspector.
func (ri RecordInspector) Archive(record []byte) ([]byte, error) {
	rec, err := parseRecord(record)
	if err != nil {
		return nil, err
	}
	if !rec.hasCurrent {
		return append([]byte{}, record...), nil
	}

	previous := append([][]byte{rec.current}, rec.previous...)
	if len(previous) > maxArchivedStates {
		previous = previous[:maxArchivedStates]
	}

	out := make([]byte, 0, len(record)+8)
	for _, p := range previous {
		out = protowire.AppendTag(out, recordPreviousSessions, protowire.BytesType)
		out = protowire.AppendBytes(out, p)
	}
	return append(out, rec.unknown...), nil
}

type sessionRecord struct {
	hasCurrent bool
	current    []byte
	previous   [][]byte
	unknown    []byte
}

func parseRecord(b []byte) (*sessionRecord, error) {
	var rec sessionRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("protocol: session record: %w", protowire.ParseError(n))
		}
		field := b
		b = b[n:]

		if typ == protowire.BytesType && (num == recordCurrentSession || num == recordPreviousSessions) {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("protocol: session record: %w", protowire.ParseError(m))
			}
			b = b[m:]
			if num == recordCurrentSession {
				rec.hasCurrent = true
				rec.current = v
			} else {
				rec.previous = append(rec.previous, v)
			}
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, fmt.Errorf("protocol: session record: %w", protowire.ParseError(m))
		}
		b = b[m:]
		rec.unknown = append(rec.unknown, field[:n+m]...)
	}
	return &rec, nil
}

func parseSession(b []byte) (version uint32, hasSenderChain bool, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, false, fmt.Errorf("protocol: session structure: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == sessionVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, false, fmt.Errorf("protocol: session version: %w", protowire.ParseError(m))
			}
			version = uint32(v)
			b = b[m:]
		case num == sessionSenderChain && typ == protowire.BytesType:
			_, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, false, fmt.Errorf("protocol: sender chain: %w", protowire.ParseError(m))
			}
			hasSenderChain = true
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return 0, false, fmt.Errorf("protocol: session structure: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return version, hasSenderChain, nil
}
