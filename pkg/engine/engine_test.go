package engine

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/crypto"
	"github.com/SaltBlocks/gumarket/pkg/exchange"
	"github.com/SaltBlocks/gumarket/pkg/order"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the fake time by d and fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	fired := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}

type memStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*order.Record
}

func newMemStore() *memStore {
	return &memStore{recs: map[uuid.UUID]*order.Record{}}
}

func (s *memStore) SaveRecord(rec *order.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.LocalID] = &cp
	return nil
}

func (s *memStore) LoadRecord(id uuid.UUID) (*order.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) OpenRecord(conflictKey string) (*order.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.ConflictKey == conflictKey && rec.Open() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) LoadOpenRecords() ([]*order.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Record
	for _, rec := range s.recs {
		if rec.Open() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeClient struct {
	submitErrs    []error // one per call, nil means success
	submitID      uint64
	submitCalls   int
	transferCalls int
	statuses      []exchange.Status
	statusIdx     int
	cancelOK      bool
	cancelErr     error
	cancelCalls   int
}

func (c *fakeClient) nextSubmitErr() error {
	if c.submitCalls <= len(c.submitErrs) {
		return c.submitErrs[c.submitCalls-1]
	}
	return nil
}

func (c *fakeClient) SubmitOrder(ctx context.Context, signed *order.SignedOrder) (uint64, error) {
	c.submitCalls++
	if err := c.nextSubmitErr(); err != nil {
		return 0, err
	}
	return c.submitID, nil
}

func (c *fakeClient) Transfer(ctx context.Context, signed *order.SignedOrder) (uint64, error) {
	c.transferCalls++
	c.submitCalls++
	if err := c.nextSubmitErr(); err != nil {
		return 0, err
	}
	return c.submitID, nil
}

func (c *fakeClient) PollStatus(ctx context.Context, remoteID uint64) (exchange.Status, error) {
	if c.statusIdx < len(c.statuses) {
		s := c.statuses[c.statusIdx]
		c.statusIdx++
		return s, nil
	}
	return exchange.Status{State: exchange.StatePending}, nil
}

func (c *fakeClient) CancelOrder(ctx context.Context, remoteID uint64, signed *order.SignedOrder) (bool, error) {
	c.cancelCalls++
	if c.cancelErr != nil {
		return false, c.cancelErr
	}
	return c.cancelOK, nil
}

func testEngine(t *testing.T, client exchange.Client) (*Engine, *fakeClock, *memStore, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	builder := order.NewBuilder(crypto.DefaultDomain(1), 3*time.Minute, nil, clock)
	store := newMemStore()
	cfg := params.Engine{
		SubmitAttempts: 5,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     8 * time.Second,
		PollInterval:   2 * time.Second,
		PollTimeout:    60 * time.Second,
	}
	eng := New(builder, digestSigner{signer}, client, store, cfg, clock, nil)
	return eng, clock, store, signer
}

type digestSigner struct{ s *crypto.Signer }

func (d digestSigner) Address() common.Address                  { return d.s.Address() }
func (d digestSigner) SignDigest(digest []byte) ([]byte, error) { return d.s.Sign(digest) }

func sellIntent() order.Sell {
	return order.Sell{
		Asset: order.AssetRef{
			Collection: common.HexToAddress("0xacb3c6a43d15b907e8433077b6d38ae40936fe2c"),
			TokenID:    big.NewInt(4711),
		},
		AskPrice: big.NewInt(2_500_000),
		Currency: "USDC",
	}
}

func freshQuote(clock *fakeClock) order.Quote {
	return order.Quote{
		Currency:  "USDC",
		Nonce:     42,
		FetchedAt: clock.Now(),
	}
}

func TestSubmitSuccess(t *testing.T) {
	client := &fakeClient{submitID: 244755386}
	eng, clock, store, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if rec.State != order.StatePending {
		t.Errorf("state: got %s want %s", rec.State, order.StatePending)
	}
	if rec.RemoteID != 244755386 {
		t.Errorf("remote id: got %d", rec.RemoteID)
	}
	if client.submitCalls != 1 {
		t.Errorf("submit calls: got %d want 1", client.submitCalls)
	}
	if rec.Signed == nil || len(rec.Signed.Signature) != 65 {
		t.Error("record missing signed order")
	}

	open, _ := store.OpenRecord(sellIntent().ConflictKey())
	if open == nil || open.LocalID != rec.LocalID {
		t.Error("pending record should hold its slot")
	}
}

func TestSubmitRetriesTransient(t *testing.T) {
	rateLimited := &exchange.StatusError{Code: http.StatusTooManyRequests}
	client := &fakeClient{
		submitID:   99,
		submitErrs: []error{rateLimited, rateLimited, nil},
	}
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if rec.State != order.StatePending {
		t.Errorf("state: got %s", rec.State)
	}
	if client.submitCalls != 3 {
		t.Errorf("submit calls: got %d want 3", client.submitCalls)
	}
	if len(clock.waits) != 2 {
		t.Fatalf("backoff waits: got %d want 2", len(clock.waits))
	}
	// 500ms then 1s base, each within ±20% jitter.
	if clock.waits[0] < 400*time.Millisecond || clock.waits[0] > 600*time.Millisecond {
		t.Errorf("first backoff out of range: %v", clock.waits[0])
	}
	if clock.waits[1] < 800*time.Millisecond || clock.waits[1] > 1200*time.Millisecond {
		t.Errorf("second backoff out of range: %v", clock.waits[1])
	}
	if clock.waits[1] <= clock.waits[0] {
		t.Errorf("backoff should grow: %v then %v", clock.waits[0], clock.waits[1])
	}
}

func TestSubmitExhaustsRetries(t *testing.T) {
	rateLimited := &exchange.StatusError{Code: http.StatusServiceUnavailable}
	client := &fakeClient{
		submitErrs: []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited},
	}
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if client.submitCalls != 5 {
		t.Errorf("submit calls: got %d want 5", client.submitCalls)
	}
	if rec.State != order.StateRejected {
		t.Errorf("state: got %s want %s", rec.State, order.StateRejected)
	}
}

func TestSubmitPermanentFailureNoRetry(t *testing.T) {
	client := &fakeClient{
		submitErrs: []error{&exchange.StatusError{Code: http.StatusUnprocessableEntity, Body: "insufficient balance"}},
	}
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err == nil {
		t.Fatal("expected error")
	}
	if client.submitCalls != 1 {
		t.Errorf("submit calls: got %d want 1", client.submitCalls)
	}
	if rec.State != order.StateRejected {
		t.Errorf("state: got %s", rec.State)
	}
	if rec.LastError == "" {
		t.Error("rejection reason should be recorded")
	}
}

func TestSubmitLocalRejection(t *testing.T) {
	client := &fakeClient{}
	eng, clock, _, _ := testEngine(t, client)

	stale := order.Quote{
		Currency:  "USDC",
		Nonce:     42,
		FetchedAt: clock.Now().Add(-10 * time.Minute),
	}
	rec, err := eng.Submit(context.Background(), sellIntent(), stale)
	if !errors.Is(err, order.ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
	if client.submitCalls != 0 {
		t.Errorf("local rejection must not touch the network, got %d calls", client.submitCalls)
	}
	// A build failure leaves the record in Draft with the cause, not
	// Rejected.
	if rec.State != order.StateDraft {
		t.Errorf("state: got %s want %s", rec.State, order.StateDraft)
	}
	if rec.LastError == "" {
		t.Error("failure reason should be recorded")
	}

	// The failed draft must not pin the slot; a corrected retry goes
	// through as a fresh record.
	client.submitID = 21
	retry, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("retry after draft failure: %v", err)
	}
	if retry.LocalID == rec.LocalID {
		t.Error("retry must create a new record")
	}
	if retry.State != order.StatePending {
		t.Errorf("retry state: got %s", retry.State)
	}
}

func TestConflictGuard(t *testing.T) {
	client := &fakeClient{submitID: 7}
	eng, clock, _, _ := testEngine(t, client)

	first, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err = eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if !errors.Is(err, ErrConflictingOrderInFlight) {
		t.Fatalf("expected ErrConflictingOrderInFlight, got %v", err)
	}

	// A buy for the same asset is a different slot.
	buy := order.Buy{
		Asset:    sellIntent().Asset,
		MaxPrice: big.NewInt(5_000_000),
		Currency: "USDC",
	}
	q := freshQuote(clock)
	q.OrderID = 1001
	q.Price = big.NewInt(3_000_000)
	if _, err := eng.Submit(context.Background(), buy, q); err != nil {
		t.Fatalf("unrelated intent should not conflict: %v", err)
	}

	// Terminal record frees the slot.
	client.statuses = []exchange.Status{{State: exchange.StateRejected, Reason: "no match"}}
	if _, err := eng.Resolve(context.Background(), first); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock)); err != nil {
		t.Fatalf("slot should be free after terminal state: %v", err)
	}
}

func TestResolveAccepted(t *testing.T) {
	client := &fakeClient{
		submitID: 12,
		statuses: []exchange.Status{
			{State: exchange.StatePending},
			{State: exchange.StatePending},
			{State: exchange.StateAccepted},
		},
	}
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	status, err := eng.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if status.State != exchange.StateAccepted {
		t.Errorf("status: got %s", status.State)
	}
	if rec.State != order.StateAccepted {
		t.Errorf("record state: got %s", rec.State)
	}
}

func TestResolveTimeoutIsUnknown(t *testing.T) {
	client := &fakeClient{submitID: 13} // polls report pending forever
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	_, err = eng.Resolve(context.Background(), rec)
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("expected ErrUnknownOutcome, got %v", err)
	}
	// Unknown leaves the record untouched for a later re-query.
	if rec.State != order.StatePending {
		t.Errorf("record state: got %s want %s", rec.State, order.StatePending)
	}

	// Re-query after the exchange decides.
	client.statuses = append(client.statuses, exchange.Status{State: exchange.StateAccepted})
	client.statusIdx = 0
	status, err := eng.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("re-query failed: %v", err)
	}
	if status.State != exchange.StateAccepted {
		t.Errorf("status: got %s", status.State)
	}
}

func TestResolveCompletedFromPending(t *testing.T) {
	client := &fakeClient{
		submitID: 14,
		statuses: []exchange.Status{{State: exchange.StateCompleted}},
	}
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := eng.Resolve(context.Background(), rec); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rec.State != order.StateCompleted {
		t.Errorf("record state: got %s", rec.State)
	}
	if _, err := eng.Resolve(context.Background(), rec); !errors.Is(err, ErrTerminalRecord) {
		t.Errorf("terminal record must not be polled again, got %v", err)
	}
}

func TestTransferRoutesToTransferEndpoint(t *testing.T) {
	client := &fakeClient{submitID: 15}
	eng, clock, _, _ := testEngine(t, client)

	intent := order.Transfer{
		Asset: sellIntent().Asset,
		To:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
	rec, err := eng.Submit(context.Background(), intent, freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if client.transferCalls != 1 {
		t.Errorf("transfer calls: got %d want 1", client.transferCalls)
	}
	if rec.State != order.StatePending {
		t.Errorf("state: got %s", rec.State)
	}
}

func TestSubmitPresigned(t *testing.T) {
	client := &fakeClient{submitID: 16}
	eng, clock, store, signer := testEngine(t, client)

	builder := order.NewBuilder(crypto.DefaultDomain(1), 3*time.Minute, nil, clock)
	payload, err := builder.Build(signer.Address(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	sig, err := signer.Sign(payload.Digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	// A tampered signature is refused before anything is persisted.
	bad := append([]byte(nil), sig...)
	bad[3] ^= 0x01
	_, err = eng.SubmitPresigned(context.Background(), &order.SignedOrder{
		Payload: *payload, Signature: bad, Signer: signer.Address(),
	})
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if open, _ := store.OpenRecord(payload.ConflictKey); open != nil {
		t.Fatal("rejected signature must not reserve the slot")
	}

	rec, err := eng.SubmitPresigned(context.Background(), &order.SignedOrder{
		Payload: *payload, Signature: sig, Signer: signer.Address(),
	})
	if err != nil {
		t.Fatalf("presigned submit failed: %v", err)
	}
	if rec.State != order.StatePending {
		t.Errorf("state: got %s", rec.State)
	}
	if client.submitCalls != 1 {
		t.Errorf("submit calls: got %d", client.submitCalls)
	}
}

func TestSubmitPresignedBrowserWalletSignature(t *testing.T) {
	client := &fakeClient{submitID: 18}
	eng, clock, _, signer := testEngine(t, client)

	buy := order.Buy{
		Asset:    sellIntent().Asset,
		MaxPrice: big.NewInt(5_000_000),
		Currency: "USDC",
	}
	q := freshQuote(clock)
	q.OrderID = 1001
	q.Price = big.NewInt(3_000_000)

	builder := order.NewBuilder(crypto.DefaultDomain(1), 3*time.Minute, nil, clock)
	payload, err := builder.Build(signer.Address(), buy, q)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// A browser wallet signs the EIP-191 hash of the hex-encoded digest
	// and reports V as 27/28.
	sig, err := signer.Sign(crypto.PersonalDigest(payload.Digest))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sig[64] += 27

	rec, err := eng.SubmitPresigned(context.Background(), &order.SignedOrder{
		Payload: *payload, Signature: sig, Signer: signer.Address(),
	})
	if err != nil {
		t.Fatalf("presigned submit failed: %v", err)
	}
	if rec.State != order.StatePending {
		t.Errorf("state: got %s", rec.State)
	}
}

func TestCancelLocalAbort(t *testing.T) {
	client := &fakeClient{}
	eng, clock, store, _ := testEngine(t, client)

	rec := order.NewRecord(sellIntent(), clock.Now())
	if err := store.SaveRecord(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := eng.Cancel(context.Background(), rec, 1); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if rec.State != order.StateCancelled {
		t.Errorf("state: got %s", rec.State)
	}
	if client.cancelCalls != 0 {
		t.Error("local abort must not call the exchange")
	}
	if open, _ := store.OpenRecord(rec.ConflictKey); open != nil {
		t.Error("cancelled record should release its slot")
	}
}

func TestCancelAccepted(t *testing.T) {
	client := &fakeClient{
		submitID: 17,
		statuses: []exchange.Status{{State: exchange.StateAccepted}},
		cancelOK: true,
	}
	eng, clock, _, _ := testEngine(t, client)

	rec, err := eng.Submit(context.Background(), sellIntent(), freshQuote(clock))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := eng.Resolve(context.Background(), rec); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := eng.Cancel(context.Background(), rec, 43); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if rec.State != order.StateCancelled {
		t.Errorf("state: got %s", rec.State)
	}
	if client.cancelCalls != 1 {
		t.Errorf("cancel calls: got %d", client.cancelCalls)
	}
}

func TestCancelTerminalRefused(t *testing.T) {
	client := &fakeClient{}
	eng, clock, store, _ := testEngine(t, client)

	rec := order.NewRecord(sellIntent(), clock.Now())
	rec.State = order.StateRejected
	if err := store.SaveRecord(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := eng.Cancel(context.Background(), rec, 1); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
	}
}
