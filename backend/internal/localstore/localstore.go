package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"nexusServer/backend/internal/clock"
	"nexusServer/backend/internal/coordinator"
	"nexusServer/backend/internal/crdt"
)

// Status describes where a replica stands relative to its coordinator.
type Status string

const (
	StatusSynced  Status = "SYNCED"  // no local ops awaiting acceptance
	StatusPending Status = "PENDING" // local ops queued, replication not running
	StatusSyncing Status = "SYNCING" // replication in flight
	StatusFailed  Status = "FAILED"  // an op was rejected; see Err
)

// Transport carries operations between this replica and the project
// coordinator. *coordinator.Coordinator satisfies it directly for
// in-process use; the websocket client wraps the wire protocol behind
// the same methods.
type Transport interface {
	Attach(ctx context.Context, replica string, since clock.Version) (coordinator.Handshake, error)
	Submit(ctx context.Context, op crdt.Operation, from string) (uint64, error)
	Ack(replica string, seq uint64)
	Detach(replica string)
}

type Options struct {
	FlushBase time.Duration // first retry delay after a transport failure
	FlushMax  time.Duration // retry delay cap
	RPCWait   time.Duration // per-call transport timeout
}

func (o *Options) setDefaults() {
	if o.FlushBase <= 0 {
		o.FlushBase = 500 * time.Millisecond
	}
	if o.FlushMax <= 0 {
		o.FlushMax = 30 * time.Second
	}
	if o.RPCWait <= 0 {
		o.RPCWait = 10 * time.Second
	}
}

// Store is one client replica of a project. Edits apply to the local
// document immediately and queue for replication; the document stays
// readable and writable with no coordinator in reach.
type Store struct {
	projectID string
	replica   string
	transport Transport
	opts      Options

	mu      sync.Mutex
	doc     *crdt.Document
	clk     *clock.Clock
	queue   []crdt.Operation // locally applied, not yet accepted upstream
	lastOwn clock.Timestamp  // newest local op, chained as a causal dep
	lastSeq uint64
	status  Status
	lastErr error

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(projectID string, t Transport, opts Options) *Store {
	opts.setDefaults()
	replica := clock.NewReplicaID()
	return &Store{
		projectID: projectID,
		replica:   replica,
		transport: t,
		opts:      opts,
		doc:       crdt.NewDocument(),
		clk:       clock.New(replica),
		status:    StatusSynced,
		kick:      make(chan struct{}, 1),
	}
}

func (s *Store) ReplicaID() string { return s.replica }

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Snapshot returns the current local view, queued edits included.
func (s *Store) Snapshot() crdt.DocumentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// Connect performs the catch-up handshake and starts background
// replication. Queued offline edits begin flushing immediately after.
func (s *Store) Connect(ctx context.Context) error {
	events, err := s.handshake(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.consume(runCtx, events)
	go s.flusher(runCtx)
	s.poke()
	return nil
}

// Disconnect stops replication. Local editing keeps working; queued ops
// flush on the next Connect.
func (s *Store) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.transport.Detach(s.replica)
	s.mu.Lock()
	if len(s.queue) > 0 {
		s.status = StatusPending
	}
	s.mu.Unlock()
}

func (s *Store) handshake(ctx context.Context) (<-chan coordinator.Event, error) {
	s.mu.Lock()
	since := s.doc.Version()
	s.mu.Unlock()

	hs, err := s.transport.Attach(ctx, s.replica, since)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	s.mu.Lock()
	if hs.State != nil {
		// the gap predates the coordinator's retained log; merge the
		// full state, queued local ops survive as pending
		s.doc.Merge(*hs.State)
		s.observeVersion(hs.State.Version)
	}
	for _, r := range hs.Records {
		s.clk.Observe(r.Op.ID)
		if err := s.doc.Apply(r.Op); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("handshake replay seq %d: %w", r.Seq, err)
		}
		if r.Seq > s.lastSeq {
			s.lastSeq = r.Seq
		}
	}
	seq := s.lastSeq
	s.mu.Unlock()
	if seq > 0 {
		s.transport.Ack(s.replica, seq)
	}
	return hs.Events, nil
}

func (s *Store) observeVersion(v clock.Version) {
	for replica, counter := range v {
		s.clk.Observe(clock.Timestamp{Counter: counter, Replica: replica})
	}
}

// consume applies broadcast operations as they arrive. A closed channel
// means the coordinator dropped this replica as too slow; reattach with
// backoff until the context ends.
func (s *Store) consume(ctx context.Context, events <-chan coordinator.Event) {
	defer s.wg.Done()
	delay := s.opts.FlushBase
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				log.Printf("localstore: stream closed, reattaching (project=%s)", s.projectID)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				if delay *= 2; delay > s.opts.FlushMax {
					delay = s.opts.FlushMax
				}
				hsCtx, cancel := context.WithTimeout(ctx, s.opts.RPCWait)
				next, err := s.handshake(hsCtx)
				cancel()
				if err != nil {
					events = closedEvents
					continue
				}
				events = next
				delay = s.opts.FlushBase
				s.poke()
				continue
			}
			s.mu.Lock()
			s.clk.Observe(evt.Record.Op.ID)
			if err := s.doc.Apply(evt.Record.Op); err != nil {
				log.Printf("localstore: broadcast op dropped (project=%s, seq=%d): %v", s.projectID, evt.Record.Seq, err)
			}
			if evt.Record.Seq > s.lastSeq {
				s.lastSeq = evt.Record.Seq
			}
			seq := s.lastSeq
			s.mu.Unlock()
			s.transport.Ack(s.replica, seq)
		}
	}
}

var closedEvents = func() <-chan coordinator.Event {
	ch := make(chan coordinator.Event)
	close(ch)
	return ch
}()

// flusher pushes queued ops upstream in order, one at a time. Transport
// failures back off with capped doubling; rejections drop the op and
// surface through Err.
func (s *Store) flusher(ctx context.Context) {
	defer s.wg.Done()
	delay := s.opts.FlushBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.status = StatusSynced
				s.mu.Unlock()
				break
			}
			op := s.queue[0]
			s.status = StatusSyncing
			s.mu.Unlock()

			rpcCtx, cancel := context.WithTimeout(ctx, s.opts.RPCWait)
			seq, err := s.transport.Submit(rpcCtx, op, s.replica)
			cancel()

			switch {
			case err == nil:
				s.mu.Lock()
				s.queue = s.queue[1:]
				if seq > s.lastSeq {
					s.lastSeq = seq
				}
				s.mu.Unlock()
				delay = s.opts.FlushBase

			case errors.Is(err, coordinator.ErrCausalGap):
				// the coordinator has not seen something we depend on;
				// re-handshake and try again
				hsCtx, hsCancel := context.WithTimeout(ctx, s.opts.RPCWait)
				_, hsErr := s.handshake(hsCtx)
				hsCancel()
				if hsErr != nil {
					if !s.sleep(ctx, &delay) {
						return
					}
				}

			case errors.Is(err, coordinator.ErrUnauthorized), errors.Is(err, crdt.ErrUnknownTarget), errors.Is(err, crdt.ErrBadOperation):
				// permanently rejected; drop it rather than wedge the queue
				log.Printf("localstore: op rejected (project=%s, op=%s): %v", s.projectID, op.ID, err)
				s.mu.Lock()
				s.queue = s.queue[1:]
				s.status = StatusFailed
				s.lastErr = err
				s.mu.Unlock()

			default:
				s.mu.Lock()
				s.status = StatusPending
				s.mu.Unlock()
				if !s.sleep(ctx, &delay) {
					return
				}
			}
		}
	}
}

func (s *Store) sleep(ctx context.Context, delay *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*delay):
	}
	if *delay *= 2; *delay > s.opts.FlushMax {
		*delay = s.opts.FlushMax
	}
	return true
}

func (s *Store) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetField writes a field value. The write is visible locally at once
// and replicates in the background.
func (s *Store) SetField(entityID, kind, field string, value any) (crdt.Operation, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return crdt.Operation{}, fmt.Errorf("encode value: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op := crdt.Operation{
		ProjectID: s.projectID,
		Target:    crdt.Path{Entity: entityID, EntityKind: kind, Field: field},
		Kind:      crdt.KindSet,
		Payload:   payload,
	}
	if winner, ok := s.doc.FieldWinner(entityID, field); ok {
		op.Deps = append(op.Deps, winner)
	}
	return s.commitLocked(op)
}

// InsertElement places a new element between two neighbors; empty
// neighbor ids mean the collection boundary.
func (s *Store) InsertElement(entityID, kind, list, elementID string, value any, after, before string) (crdt.Operation, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return crdt.Operation{}, fmt.Errorf("encode value: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op := crdt.Operation{
		ProjectID: s.projectID,
		Target:    crdt.Path{Entity: entityID, EntityKind: kind, Field: list, Element: elementID},
		Kind:      crdt.KindInsert,
		Payload:   payload,
		After:     after,
		Before:    before,
	}
	return s.commitLocked(op)
}

func (s *Store) RemoveElement(entityID, kind, list, elementID string) (crdt.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := crdt.Operation{
		ProjectID: s.projectID,
		Target:    crdt.Path{Entity: entityID, EntityKind: kind, Field: list, Element: elementID},
		Kind:      crdt.KindDelete,
	}
	if stamp, ok := s.doc.ElementStamp(entityID, list, elementID); ok {
		op.Deps = append(op.Deps, stamp)
	}
	return s.commitLocked(op)
}

// MoveElement repositions an existing element. The new placement wins
// over the old one by timestamp, so concurrent moves of the same
// element converge on one side.
func (s *Store) MoveElement(entityID, kind, list, elementID, after, before string) (crdt.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := crdt.Operation{
		ProjectID: s.projectID,
		Target:    crdt.Path{Entity: entityID, EntityKind: kind, Field: list, Element: elementID},
		Kind:      crdt.KindMove,
		After:     after,
		Before:    before,
	}
	if stamp, ok := s.doc.ElementStamp(entityID, list, elementID); ok {
		op.Deps = append(op.Deps, stamp)
	}
	return s.commitLocked(op)
}

// DeleteEntity tombstones a whole entity.
func (s *Store) DeleteEntity(entityID, kind string) (crdt.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := crdt.Operation{
		ProjectID: s.projectID,
		Target:    crdt.Path{Entity: entityID, EntityKind: kind},
		Kind:      crdt.KindDelete,
	}
	return s.commitLocked(op)
}

// commitLocked stamps, validates and applies one local op, then queues
// it for replication. Every local op depends on its predecessor so the
// coordinator sees this replica's edits as an unbroken chain.
func (s *Store) commitLocked(op crdt.Operation) (crdt.Operation, error) {
	if !s.lastOwn.IsZero() {
		op.Deps = append(op.Deps, s.lastOwn)
	}
	op.ID = s.clk.Tick()
	if err := s.doc.Validate(op); err != nil {
		return crdt.Operation{}, err
	}
	if err := s.doc.Apply(op); err != nil {
		return crdt.Operation{}, err
	}
	s.lastOwn = op.ID
	s.queue = append(s.queue, op)
	if s.status == StatusSynced {
		s.status = StatusPending
	}
	s.poke()
	return op, nil
}
