package protocol_test

import (
	"bytes"
	"testing"

	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/protocol/protocoltest"
)

func TestRecordInspectorIsActive(t *testing.T) {
	ri := protocol.RecordInspector{}
	tests := []struct {
		name   string
		record []byte
		want   bool
	}{
		{"empty record", protocol.EmptySessionRecord, false},
		{"current version with sender chain", protocoltest.SessionRecord(protocol.CurrentSessionVersion, true), true},
		{"current version without sender chain", protocoltest.SessionRecord(protocol.CurrentSessionVersion, false), false},
		{"stale version", protocoltest.SessionRecord(3, true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ri.IsActive(tt.record)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsActive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordInspectorConfiguredVersion(t *testing.T) {
	ri := protocol.RecordInspector{CurrentVersion: 3}
	active, err := ri.IsActive(protocoltest.SessionRecord(3, true))
	if err != nil {
		t.Fatal(err)
	}
	if !active {
		t.Error("version 3 session should be active for a version 3 engine")
	}
}

func TestRecordInspectorArchive(t *testing.T) {
	ri := protocol.RecordInspector{}
	rec := protocoltest.ActiveSession()

	archived, err := ri.Archive(rec)
	if err != nil {
		t.Fatal(err)
	}
	active, err := ri.IsActive(archived)
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Fatal("archived record should not be active")
	}
	if bytes.Equal(archived, rec) {
		t.Fatal("archive should change the record")
	}

	// Archiving twice keeps the record stable: no current session remains.
	again, err := ri.Archive(archived)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, archived) {
		t.Error("archiving an archived record should be a no-op")
	}
}

func TestRecordInspectorArchiveBounded(t *testing.T) {
	ri := protocol.RecordInspector{}
	rec := protocoltest.ActiveSession()
	var err error
	for range 50 {
		rec, err = ri.Archive(append(protocoltest.ActiveSession(), rec...))
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(rec) > 41*len(protocoltest.ActiveSession()) {
		t.Errorf("archived record grew unbounded: %d bytes", len(rec))
	}
}

func TestRecordInspectorRejectsGarbage(t *testing.T) {
	ri := protocol.RecordInspector{}
	if _, err := ri.IsActive([]byte{0x0a, 0xff}); err == nil {
		t.Error("expected parse error for truncated record")
	}
}
