package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/crypto"
	"github.com/SaltBlocks/gumarket/pkg/exchange"
	"github.com/SaltBlocks/gumarket/pkg/order"
	"github.com/SaltBlocks/gumarket/pkg/util"
)

var (
	// ErrConflictingOrderInFlight means a non-terminal record already
	// occupies the asset+intent slot. The slot frees when that record
	// reaches a terminal state.
	ErrConflictingOrderInFlight = errors.New("conflicting order in flight for asset")

	// ErrUnknownOutcome means polling timed out before the exchange
	// reported a terminal state. The record is unchanged; re-query,
	// do not assume an outcome.
	ErrUnknownOutcome = errors.New("order outcome unknown, re-query required")

	// ErrSignatureInvalid rejects an externally produced signature that
	// does not verify against the claimed signer address.
	ErrSignatureInvalid = errors.New("signature does not verify against signer address")

	// ErrTerminalRecord rejects operations on records that already
	// reached Completed, Rejected or Cancelled.
	ErrTerminalRecord = errors.New("record is in a terminal state")

	// ErrCancelNotAllowed means the record's current state does not
	// permit cancellation.
	ErrCancelNotAllowed = errors.New("cancellation not permitted in current state")
)

// DigestSigner produces signatures over 32-byte digests. A wallet
// Session satisfies it; the engine never sees key material.
type DigestSigner interface {
	Address() common.Address
	SignDigest(digest []byte) ([]byte, error)
}

// Store persists order records and enforces the per-asset slot.
type Store interface {
	SaveRecord(rec *order.Record) error
	LoadRecord(id uuid.UUID) (*order.Record, error)
	OpenRecord(conflictKey string) (*order.Record, error)
	LoadOpenRecords() ([]*order.Record, error)
}

// Engine drives intents through build, sign, submit and resolution.
// Safe for concurrent use; independent records progress independently,
// the per-asset slot is the only cross-record coupling.
type Engine struct {
	builder *order.Builder
	signer  DigestSigner
	client  exchange.Client
	store   Store
	cfg     params.Engine
	clock   util.Clock
	log     *zap.Logger

	mu sync.Mutex // guards slot reservation, not record progression
}

func New(builder *order.Builder, signer DigestSigner, client exchange.Client, store Store, cfg params.Engine, clock util.Clock, log *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		builder: builder,
		signer:  signer,
		client:  client,
		store:   store,
		cfg:     cfg,
		clock:   clock,
		log:     log,
	}
}

// OpenRecords returns the non-terminal records, e.g. after a restart.
func (e *Engine) OpenRecords() ([]*order.Record, error) {
	return e.store.LoadOpenRecords()
}

// Submit builds, signs and submits an intent against a quote. Build
// and signing failures (expired quote, bad address, price over limit)
// leave the record in Draft with the cause recorded, freeing the slot
// for a retry without touching the network; transient submit failures
// are retried with bounded backoff. On success the record is Pending
// and carries the remote id.
func (e *Engine) Submit(ctx context.Context, intent order.Intent, q order.Quote) (*order.Record, error) {
	rec, err := e.reserve(intent.ConflictKey(), func(now time.Time) *order.Record {
		return order.NewRecord(intent, now)
	})
	if err != nil {
		return nil, err
	}

	payload, err := e.builder.Build(e.signer.Address(), intent, q)
	if err != nil {
		return rec, e.rejectLocal(rec, err)
	}

	sig, err := e.signer.SignDigest(payload.Digest)
	if err != nil {
		return rec, e.rejectLocal(rec, err)
	}
	signed := &order.SignedOrder{
		Payload:   *payload,
		Signature: sig,
		Signer:    e.signer.Address(),
	}
	if !crypto.VerifySignature(signed.Signer, payload.Digest, sig) {
		return rec, e.rejectLocal(rec, ErrSignatureInvalid)
	}

	if err := e.advance(rec, order.StateSigned, func(r *order.Record) { r.Signed = signed }); err != nil {
		return rec, err
	}
	return rec, e.submitSigned(ctx, rec)
}

// SubmitPresigned accepts an externally produced SignedOrder, the
// web-wallet path. The signature must verify against the claimed
// signer before anything is persisted or sent. Browser wallets sign
// the EIP-191 personal-message hash of the hex-encoded digest rather
// than the digest itself; both forms are accepted.
func (e *Engine) SubmitPresigned(ctx context.Context, signed *order.SignedOrder) (*order.Record, error) {
	sig := crypto.NormalizeV(signed.Signature)
	if !crypto.VerifySignature(signed.Signer, signed.Payload.Digest, sig) &&
		!crypto.VerifySignature(signed.Signer, crypto.PersonalDigest(signed.Payload.Digest), sig) {
		return nil, ErrSignatureInvalid
	}

	rec, err := e.reserve(signed.Payload.ConflictKey, func(now time.Time) *order.Record {
		return &order.Record{
			LocalID:     uuid.New(),
			Kind:        signed.Payload.Kind,
			ConflictKey: signed.Payload.ConflictKey,
			State:       order.StateDraft,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	})
	if err != nil {
		return nil, err
	}

	if err := e.advance(rec, order.StateSigned, func(r *order.Record) { r.Signed = signed }); err != nil {
		return rec, err
	}
	return rec, e.submitSigned(ctx, rec)
}

// Resolve polls a Pending (or Submitted) record until the exchange
// reports a terminal decision, the context is cancelled, or the poll
// budget runs out. On budget exhaustion the record is left as-is and
// ErrUnknownOutcome is returned.
func (e *Engine) Resolve(ctx context.Context, rec *order.Record) (exchange.Status, error) {
	if rec.State.Terminal() {
		return exchange.Status{}, ErrTerminalRecord
	}
	if rec.RemoteID == 0 {
		return exchange.Status{}, fmt.Errorf("record %s has no remote id", rec.LocalID)
	}

	deadline := e.clock.Now().Add(e.cfg.PollTimeout)
	for {
		status, err := e.client.PollStatus(ctx, rec.RemoteID)
		if err != nil {
			if !exchange.IsTransient(err) {
				return exchange.Status{}, err
			}
			e.log.Warn("poll_transient_failure",
				zap.String("local_id", rec.LocalID.String()),
				zap.Error(err))
		} else if done, aerr := e.applyRemote(rec, status); aerr != nil {
			return status, aerr
		} else if done {
			return status, nil
		}

		if e.clock.Now().After(deadline) {
			return exchange.Status{}, ErrUnknownOutcome
		}
		select {
		case <-ctx.Done():
			return exchange.Status{}, ctx.Err()
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
}

// Cancel withdraws a record. Draft, Signed and Submitted records are
// aborted locally without a network call. Accepted records are
// cancelled remotely with a signed cancel payload using the supplied
// exchange nonce. A Pending record cannot be cancelled: it is resolved
// first and, if the exchange accepted it, cancelled remotely.
func (e *Engine) Cancel(ctx context.Context, rec *order.Record, nonce uint64) error {
	switch rec.State {
	case order.StateDraft, order.StateSigned, order.StateSubmitted:
		return e.advance(rec, order.StateCancelled, nil)
	case order.StatePending:
		status, err := e.Resolve(ctx, rec)
		if err != nil {
			return err
		}
		if status.State != exchange.StateAccepted {
			return nil // already decided, nothing to cancel
		}
	case order.StateAccepted:
	default:
		return ErrCancelNotAllowed
	}

	payload, err := e.builder.BuildCancel(e.signer.Address(), rec.RemoteID, nonce)
	if err != nil {
		return err
	}
	sig, err := e.signer.SignDigest(payload.Digest)
	if err != nil {
		return err
	}
	signed := &order.SignedOrder{Payload: *payload, Signature: sig, Signer: e.signer.Address()}

	ok, err := e.cancelWithRetry(ctx, rec.RemoteID, signed)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCancelNotAllowed
	}
	e.log.Info("order_cancelled",
		zap.String("local_id", rec.LocalID.String()),
		zap.Uint64("remote_id", rec.RemoteID))
	return e.advance(rec, order.StateCancelled, nil)
}

// reserve atomically checks the per-asset slot and persists a fresh
// Draft record into it.
func (e *Engine) reserve(conflictKey string, fresh func(now time.Time) *order.Record) (*order.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.store.OpenRecord(conflictKey)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: %s held by %s", ErrConflictingOrderInFlight, conflictKey, open.LocalID)
	}

	rec := fresh(e.clock.Now())
	if err := e.store.SaveRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// submitSigned drives Signed → Submitted → Pending with bounded retry
// on transient failures.
func (e *Engine) submitSigned(ctx context.Context, rec *order.Record) error {
	if err := e.advance(rec, order.StateSubmitted, nil); err != nil {
		return err
	}

	send := e.client.SubmitOrder
	if rec.Kind == order.KindTransfer || rec.Kind == order.KindTokenTransfer {
		send = e.client.Transfer
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.SubmitAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, e.cfg.BackoffBase, e.cfg.BackoffMax)
			e.log.Warn("submit_retry",
				zap.String("local_id", rec.LocalID.String()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(delay):
			}
		}

		remoteID, err := send(ctx, rec.Signed)
		if err == nil {
			return e.advance(rec, order.StatePending, func(r *order.Record) { r.RemoteID = remoteID })
		}
		if !exchange.IsTransient(err) {
			if rerr := e.rejectRemote(rec, err); rerr != nil {
				return rerr
			}
			return err
		}
		lastErr = err
	}

	if rerr := e.rejectRemote(rec, lastErr); rerr != nil {
		return rerr
	}
	return fmt.Errorf("submit failed after %d attempts: %w", e.cfg.SubmitAttempts, lastErr)
}

// applyRemote maps a remote status onto the record's state machine.
// Returns true once the record is terminal or settled as Accepted.
func (e *Engine) applyRemote(rec *order.Record, status exchange.Status) (bool, error) {
	switch status.State {
	case exchange.StatePending:
		return false, nil
	case exchange.StateAccepted:
		if rec.State == order.StatePending {
			return true, e.advance(rec, order.StateAccepted, nil)
		}
		return true, nil
	case exchange.StateCompleted:
		if rec.State == order.StatePending {
			if err := e.advance(rec, order.StateAccepted, nil); err != nil {
				return false, err
			}
		}
		return true, e.advance(rec, order.StateCompleted, nil)
	case exchange.StateRejected:
		return true, e.advance(rec, order.StateRejected, func(r *order.Record) { r.LastError = status.Reason })
	case exchange.StateCancelled:
		if rec.State == order.StatePending {
			if err := e.advance(rec, order.StateAccepted, nil); err != nil {
				return false, err
			}
		}
		return true, e.advance(rec, order.StateCancelled, func(r *order.Record) { r.LastError = status.Reason })
	default:
		return false, fmt.Errorf("unmapped remote state %q", status.State)
	}
}

func (e *Engine) cancelWithRetry(ctx context.Context, remoteID uint64, signed *order.SignedOrder) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.SubmitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-e.clock.After(backoffDelay(attempt-1, e.cfg.BackoffBase, e.cfg.BackoffMax)):
			}
		}
		ok, err := e.client.CancelOrder(ctx, remoteID, signed)
		if err == nil {
			return ok, nil
		}
		if !exchange.IsTransient(err) {
			return false, err
		}
		lastErr = err
	}
	return false, fmt.Errorf("cancel failed after %d attempts: %w", e.cfg.SubmitAttempts, lastErr)
}

func (e *Engine) advance(rec *order.Record, next order.State, mutate func(*order.Record)) error {
	if mutate != nil {
		mutate(rec)
	}
	if err := rec.Transition(next, e.clock.Now()); err != nil {
		return err
	}
	return e.store.SaveRecord(rec)
}

// rejectLocal records a build or signing failure. The record stays in
// Draft with the cause on lastError and releases its slot; Rejected is
// reserved for submit-step and remote decisions.
func (e *Engine) rejectLocal(rec *order.Record, cause error) error {
	e.log.Info("order_rejected_locally",
		zap.String("local_id", rec.LocalID.String()),
		zap.Error(cause))
	rec.Fail(cause, e.clock.Now())
	if err := e.store.SaveRecord(rec); err != nil {
		return err
	}
	return cause
}

func (e *Engine) rejectRemote(rec *order.Record, cause error) error {
	e.log.Info("order_rejected_remotely",
		zap.String("local_id", rec.LocalID.String()),
		zap.Error(cause))
	return e.advance(rec, order.StateRejected, func(r *order.Record) { r.LastError = cause.Error() })
}
