package recipient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-store/internal/protocol"
	"github.com/gwillem/signal-store/internal/protocol/protocoltest"
	"github.com/gwillem/signal-store/internal/store"
)

const testAccount = "2f0a3c1e-6a4b-4e53-8f6c-0d2a5b7c9e11"

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newDirectory(t *testing.T, disc Discovery) (*Directory, *store.Store) {
	t.Helper()
	s := tempStore(t)
	return NewDirectory(s, testAccount, disc, Config{DiscoveryTimeout: time.Second}), s
}

func countRecipients(t *testing.T, d *Directory) int {
	t.Helper()
	all, err := d.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return len(all)
}

func TestResolveRequiresIdentifier(t *testing.T) {
	d, _ := newDirectory(t, nil)
	if _, err := d.Resolve(context.Background(), "", uuid.Nil); !errors.Is(err, ErrNoIdentifier) {
		t.Fatalf("err = %v, want ErrNoIdentifier", err)
	}
}

func TestResolveProtocolIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, nil)
	id := uuid.New()

	first, err := d.Resolve(ctx, "", id)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Resolve(ctx, "", id)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %d vs %d", first.ID, second.ID)
	}
	if second.ProtocolID != id || !second.Registered {
		t.Errorf("unexpected recipient %+v", second)
	}
	if n := countRecipients(t, d); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestConcurrentResolveCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	disc := protocoltest.NewDiscovery()
	id := uuid.New()
	disc.Register("+15551234567", id)
	d, _ := newDirectory(t, disc)

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r *Recipient
			// Mix the three ways of naming the same contact.
			switch i % 3 {
			case 0:
				r, errs[i] = d.Resolve(ctx, "+15551234567", uuid.Nil)
			case 1:
				r, errs[i] = d.Resolve(ctx, "", id)
			default:
				r, errs[i] = d.Resolve(ctx, "+15551234567", id)
			}
			if r != nil {
				ids[i] = r.ID
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i := range ids {
		if ids[i] != ids[0] {
			t.Errorf("worker %d got id %d, want %d", i, ids[i], ids[0])
		}
	}
	if n := countRecipients(t, d); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestDiscoveryConvergence(t *testing.T) {
	ctx := context.Background()
	disc := protocoltest.NewDiscovery()
	id := uuid.New()
	disc.Register("+15551234567", id)
	d, _ := newDirectory(t, disc)

	byPhone, err := d.Resolve(ctx, "+15551234567", uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if byPhone.ProtocolID != id {
		t.Errorf("protocol id = %v, want %v", byPhone.ProtocolID, id)
	}

	byID, err := d.Resolve(ctx, "", id)
	if err != nil {
		t.Fatal(err)
	}
	if byID.ID != byPhone.ID {
		t.Errorf("resolved ids differ: %d vs %d", byID.ID, byPhone.ID)
	}
	if byID.PhoneNumber != "+15551234567" {
		t.Errorf("phone number = %q", byID.PhoneNumber)
	}

	// The number is now known; resolving it again must not hit the network.
	if _, err := d.Resolve(ctx, "+15551234567", uuid.Nil); err != nil {
		t.Fatal(err)
	}
	if disc.Calls() != 1 {
		t.Errorf("discovery called %d times, want 1", disc.Calls())
	}
}

func TestMergeKeepsProtocolIDRow(t *testing.T) {
	ctx := context.Background()
	d, s := newDirectory(t, nil)
	id := uuid.New()

	var phoneRow int64
	err := s.Tx(ctx, func(tx *store.Tx) error {
		var err error
		phoneRow, err = tx.InsertRecipient(testAccount, "", "+15550001", true)
		if err != nil {
			return err
		}
		return tx.StoreSession(testAccount, phoneRow, 1, []byte{1})
	})
	if err != nil {
		t.Fatal(err)
	}
	idRow, err := d.Resolve(ctx, "", id)
	if err != nil {
		t.Fatal(err)
	}

	merged, err := d.Resolve(ctx, "+15550001", id)
	if err != nil {
		t.Fatal(err)
	}
	if merged.ID != idRow.ID {
		t.Errorf("surviving id = %d, want protocol id row %d", merged.ID, idRow.ID)
	}
	if merged.PhoneNumber != "+15550001" || merged.ProtocolID != id {
		t.Errorf("unexpected merged recipient %+v", merged)
	}
	if n := countRecipients(t, d); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}

	err = s.Tx(ctx, func(tx *store.Tx) error {
		rec, err := tx.LoadSession(testAccount, phoneRow, 1)
		if err != nil {
			return err
		}
		if rec != nil {
			t.Error("session of merged duplicate should be gone")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNumberChangeUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, nil)
	id := uuid.New()

	before, err := d.Resolve(ctx, "+15550001", id)
	if err != nil {
		t.Fatal(err)
	}
	after, err := d.Resolve(ctx, "+15550002", id)
	if err != nil {
		t.Fatal(err)
	}
	if after.ID != before.ID {
		t.Errorf("number change created a new row: %d vs %d", after.ID, before.ID)
	}
	if after.PhoneNumber != "+15550002" || after.ProtocolID != id {
		t.Errorf("unexpected recipient %+v", after)
	}
	if n := countRecipients(t, d); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestNumberTakenOverByOtherContact(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, nil)
	oldOwner, newOwner := uuid.New(), uuid.New()

	a, err := d.Resolve(ctx, "+15550001", oldOwner)
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.Resolve(ctx, "+15550001", newOwner)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("different protocol ids must stay different recipients")
	}

	a, err = d.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.PhoneNumber != "" || a.ProtocolID != oldOwner {
		t.Errorf("old owner should keep its id and lose the number: %+v", a)
	}
	if b.PhoneNumber != "+15550001" {
		t.Errorf("new owner phone = %q", b.PhoneNumber)
	}
}

func TestPhoneOnlyRowIsBoundByDiscovery(t *testing.T) {
	ctx := context.Background()
	disc := protocoltest.NewDiscovery()
	id := uuid.New()
	disc.Register("+15550001", id)
	d, s := newDirectory(t, disc)

	var rowID int64
	err := s.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rowID, err = tx.InsertRecipient(testAccount, "", "+15550001", true)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	r, err := d.Resolve(ctx, "+15550001", uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != rowID || r.ProtocolID != id {
		t.Errorf("got %+v, want row %d bound to %v", r, rowID, id)
	}
}

func TestUnregisteredNumber(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, protocoltest.NewDiscovery())

	_, err := d.Resolve(ctx, "+15559999", uuid.Nil)
	if !errors.Is(err, ErrUnregistered) {
		t.Fatalf("err = %v, want ErrUnregistered", err)
	}
	var unreg *UnregisteredError
	if !errors.As(err, &unreg) || unreg.PhoneNumber != "+15559999" {
		t.Errorf("expected *UnregisteredError for the number, got %v", err)
	}
	if store.IsRetryable(err) {
		t.Error("unregistered must not be retryable")
	}
	if n := countRecipients(t, d); n != 0 {
		t.Errorf("got %d rows, want 0", n)
	}
}

func TestUnregisteredMarksExistingRow(t *testing.T) {
	ctx := context.Background()
	d, s := newDirectory(t, protocoltest.NewDiscovery())

	var rowID int64
	err := s.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rowID, err = tx.InsertRecipient(testAccount, "", "+15559999", true)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.Resolve(ctx, "+15559999", uuid.Nil); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("err = %v, want ErrUnregistered", err)
	}
	r, err := d.Get(ctx, rowID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Registered {
		t.Error("row should be marked unregistered")
	}
}

func TestDiscoveryTimeoutLeavesNoRows(t *testing.T) {
	disc := protocoltest.NewDiscovery()
	disc.Block = make(chan struct{})
	defer close(disc.Block)

	d := NewDirectory(tempStore(t), testAccount, disc, Config{DiscoveryTimeout: 20 * time.Millisecond})
	_, err := d.Resolve(context.Background(), "+15551234567", uuid.Nil)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("err = %v, want ErrDiscoveryTimeout", err)
	}
	if !store.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if n := countRecipients(t, d); n != 0 {
		t.Errorf("got %d rows, want 0", n)
	}
}

func TestCallerDeadlineDuringDiscoveryIsTimeout(t *testing.T) {
	disc := protocoltest.NewDiscovery()
	disc.Block = make(chan struct{})
	defer close(disc.Block)
	d, _ := newDirectory(t, disc)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Resolve(ctx, "+15551234567", uuid.Nil)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("err = %v, want ErrDiscoveryTimeout", err)
	}
	if !store.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if n := countRecipients(t, d); n != 0 {
		t.Errorf("got %d rows, want 0", n)
	}
}

func TestCallerCancelDuringDiscovery(t *testing.T) {
	disc := protocoltest.NewDiscovery()
	disc.Block = make(chan struct{})
	defer close(disc.Block)
	d, _ := newDirectory(t, disc)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := d.Resolve(ctx, "+15551234567", uuid.Nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDiscoveryDoesNotUseConflictAttempts(t *testing.T) {
	ctx := context.Background()
	disc := protocoltest.NewDiscovery()
	id := uuid.New()
	disc.Register("+15551234567", id)
	d := NewDirectory(tempStore(t), testAccount, disc, Config{MaxAttempts: 1})

	r, err := d.Resolve(ctx, "+15551234567", uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.ProtocolID != id || r.PhoneNumber != "+15551234567" {
		t.Errorf("resolved %+v", r)
	}
}

func TestDiscoveryFailureIsRetryable(t *testing.T) {
	disc := protocoltest.NewDiscovery()
	disc.Err = errors.New("connection reset")
	d, _ := newDirectory(t, disc)

	_, err := d.Resolve(context.Background(), "+15551234567", uuid.Nil)
	var derr *DiscoveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *DiscoveryError", err)
	}
	if errors.Is(err, ErrUnregistered) {
		t.Error("I/O failure must be distinguishable from unregistered")
	}
	if !store.IsRetryable(err) {
		t.Error("discovery failure should be retryable")
	}
}

func TestResolveIdentifier(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, nil)
	id := uuid.New()

	r, err := d.ResolveIdentifier(ctx, id.String())
	if err != nil {
		t.Fatal(err)
	}
	viaAddr, err := d.ResolveAddress(ctx, protocol.NewAddress(id.String(), 2))
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != viaAddr.ID {
		t.Errorf("identifier and address resolved differently: %d vs %d", r.ID, viaAddr.ID)
	}
	if got := r.Address(3); got.Name != id.String() || got.DeviceID != 3 {
		t.Errorf("Address(3) = %v", got)
	}

	if _, err := d.ResolveIdentifier(ctx, "not-a-uuid"); err == nil {
		t.Error("expected error for invalid identifier")
	}
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, nil)
	a, b := uuid.New(), uuid.New()

	got, err := d.ResolveAll(ctx, []Query{{ProtocolID: a}, {ProtocolID: b, PhoneNumber: "+15550002"}, {ProtocolID: a}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != got[2].ID || got[0].ID == got[1].ID {
		t.Errorf("unexpected results %+v", got)
	}
}

func TestSelfAndGet(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t, nil)

	self, err := d.Self(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if self.ProtocolID.String() != testAccount {
		t.Errorf("self protocol id = %v", self.ProtocolID)
	}

	if err := d.SetRegistered(ctx, self, false); err != nil {
		t.Fatal(err)
	}
	got, err := d.Get(ctx, self.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Registered {
		t.Error("SetRegistered(false) not persisted")
	}

	if _, err := d.Get(ctx, self.ID+1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	a := NewDirectory(s, testAccount, nil, Config{})
	b := NewDirectory(s, uuid.NewString(), nil, Config{})
	id := uuid.New()

	if _, err := a.Resolve(ctx, "+15550001", id); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Resolve(ctx, "+15550001", id); err != nil {
		t.Fatal(err)
	}
	if n := countRecipients(t, b); n != 1 {
		t.Errorf("account b has %d rows, want 1", n)
	}
}
