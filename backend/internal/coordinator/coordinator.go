package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"nexusServer/backend/internal/clock"
	"nexusServer/backend/internal/crdt"
	"nexusServer/backend/internal/oplog"
	"nexusServer/backend/internal/store"
)

var (
	ErrCausalGap    = errors.New("CAUSAL_GAP")
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	ErrUnavailable  = errors.New("COORDINATOR_UNAVAILABLE")
)

// Authorizer is the external capability check consulted before any
// submission is accepted.
type Authorizer interface {
	CanEdit(ctx context.Context, replicaID, projectID string, target crdt.Path) bool
}

// SnapshotPersistence stores full document states keyed by log
// position. *store.SnapshotStore is the production implementation.
type SnapshotPersistence interface {
	Save(ctx context.Context, projectID string, seq uint64, state crdt.DocumentState) error
	Latest(ctx context.Context, projectID string) (crdt.DocumentState, uint64, error)
}

// Event is one accepted operation delivered to an attached replica.
type Event struct {
	Record oplog.Record `json:"record"`
	From   string       `json:"from"`
}

// Handshake is the coordinator's catch-up reply: either the missing log
// records, or a full state when the gap exceeds the retained log.
type Handshake struct {
	Records []oplog.Record
	State   *crdt.DocumentState
	Events  <-chan Event
}

type Options struct {
	Grace        time.Duration // after last disconnect, absorbs reconnects
	Hibernate    time.Duration // idle time before snapshot + unload
	CompactEvery uint64        // compact once this many acked records accumulate
	EventBuffer  int           // per-replica delivery buffer
}

func (o *Options) setDefaults() {
	if o.Grace <= 0 {
		o.Grace = 30 * time.Second
	}
	if o.Hibernate <= 0 {
		o.Hibernate = 10 * time.Minute
	}
	if o.CompactEvery == 0 {
		o.CompactEvery = 256
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 128
	}
}

// Coordinator is the per-project actor. Every mutation of the project's
// document, log and vector clocks happens on its run goroutine; the
// arrival order of submit messages IS the project's total order, so no
// lock protects this state and none is needed.
type Coordinator struct {
	projectID string
	auth      Authorizer
	oplog     oplog.Log
	snapshots SnapshotPersistence
	pub       Publisher
	opts      Options

	mailbox chan message

	// actor-owned, only touched inside run()
	doc       *crdt.Document
	loaded    bool
	dirty     bool
	nextSeq   uint64
	logBase   uint64        // everything at or below is compacted away
	snapSeq   uint64        // log position covered by the durable snapshot
	snapVer   clock.Version // document version at that snapshot
	subs      map[string]chan Event
	acks      map[string]uint64
	idleStage int // 0 = clients attached, 1 = grace running, 2 = idle
}

type message interface{}

type submitMsg struct {
	op    crdt.Operation
	from  string
	reply chan submitReply
}
type submitReply struct {
	seq uint64
	err error
}
type attachMsg struct {
	replica string
	since   clock.Version
	reply   chan attachReply
}
type attachReply struct {
	hs  Handshake
	err error
}
type detachMsg struct{ replica string }
type ackMsg struct {
	replica string
	seq     uint64
}
type snapshotMsg struct{ reply chan snapshotReply }
type snapshotReply struct {
	state crdt.DocumentState
	err   error
}
type stopMsg struct{ reply chan error }

func New(projectID string, l oplog.Log, snapshots SnapshotPersistence, auth Authorizer, pub Publisher, opts Options) *Coordinator {
	opts.setDefaults()
	c := &Coordinator{
		projectID: projectID,
		auth:      auth,
		oplog:     l,
		snapshots: snapshots,
		pub:       pub,
		opts:      opts,
		mailbox:   make(chan message, 64),
		subs:      make(map[string]chan Event),
		acks:      make(map[string]uint64),
		snapVer:   clock.NewVersion(),
	}
	go c.run()
	return c
}

// Submit hands one operation to the actor and waits for its verdict.
// Accepted operations are durably logged before the reply is sent; a
// client that never sees the reply may safely resubmit.
func (c *Coordinator) Submit(ctx context.Context, op crdt.Operation, from string) (uint64, error) {
	reply := make(chan submitReply, 1)
	if err := c.post(ctx, submitMsg{op: op, from: from, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.seq, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Attach registers a replica: it receives the operations it is missing
// and a channel of everything accepted from now on.
func (c *Coordinator) Attach(ctx context.Context, replica string, since clock.Version) (Handshake, error) {
	reply := make(chan attachReply, 1)
	if err := c.post(ctx, attachMsg{replica: replica, since: since, reply: reply}); err != nil {
		return Handshake{}, err
	}
	select {
	case r := <-reply:
		return r.hs, r.err
	case <-ctx.Done():
		return Handshake{}, ctx.Err()
	}
}

func (c *Coordinator) Detach(replica string) {
	c.post(context.Background(), detachMsg{replica: replica})
}

// Ack records how far a replica has received; the minimum across
// attached replicas is the compaction watermark.
func (c *Coordinator) Ack(replica string, seq uint64) {
	c.post(context.Background(), ackMsg{replica: replica, seq: seq})
}

// Snapshot returns a point-in-time state for rendering/export.
func (c *Coordinator) Snapshot(ctx context.Context) (crdt.DocumentState, error) {
	reply := make(chan snapshotReply, 1)
	if err := c.post(ctx, snapshotMsg{reply: reply}); err != nil {
		return crdt.DocumentState{}, err
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-ctx.Done():
		return crdt.DocumentState{}, ctx.Err()
	}
}

// Stop persists a final snapshot and terminates the actor.
func (c *Coordinator) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, stopMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) post(ctx context.Context, m message) error {
	select {
	case c.mailbox <- m:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (c *Coordinator) run() {
	var idleC <-chan time.Time
	var idleTimer *time.Timer

	startIdle := func(d time.Duration) {
		if idleTimer != nil {
			idleTimer.Stop()
		}
		idleTimer = time.NewTimer(d)
		idleC = idleTimer.C
	}
	stopIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
		}
		idleC = nil
	}

	for {
		select {
		case m := <-c.mailbox:
			switch m := m.(type) {
			case submitMsg:
				seq, err := c.handleSubmit(m.op, m.from)
				m.reply <- submitReply{seq: seq, err: err}
			case attachMsg:
				hs, err := c.handleAttach(m.replica, m.since)
				m.reply <- attachReply{hs: hs, err: err}
				if err == nil {
					stopIdle()
					c.idleStage = 0
				}
			case detachMsg:
				c.handleDetach(m.replica)
				if len(c.subs) == 0 {
					c.idleStage = 1
					startIdle(c.opts.Grace)
				}
			case ackMsg:
				c.handleAck(m.replica, m.seq)
			case snapshotMsg:
				if err := c.ensureLoaded(); err != nil {
					m.reply <- snapshotReply{err: err}
					break
				}
				m.reply <- snapshotReply{state: c.doc.Snapshot()}
			case stopMsg:
				c.persist("shutdown")
				for replica, events := range c.subs {
					close(events)
					delete(c.subs, replica)
				}
				stopIdle()
				m.reply <- nil
				return
			}

		case <-idleC:
			switch c.idleStage {
			case 1:
				// grace elapsed with no reconnect; keep state warm for a
				// while longer
				c.idleStage = 2
				startIdle(c.opts.Hibernate)
			case 2:
				c.hibernate()
				stopIdle()
			}
		}
	}
}

func (c *Coordinator) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, snapSeq, err := c.snapshots.Latest(ctx, c.projectID)
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		c.doc = crdt.NewDocument()
		c.snapSeq = 0
		c.snapVer = clock.NewVersion()
	case err != nil:
		return fmt.Errorf("%w: load snapshot: %v", ErrUnavailable, err)
	default:
		c.doc = crdt.FromState(state)
		c.snapSeq = snapSeq
		c.snapVer = state.Version.Copy()
	}

	// replay the log tail; records the snapshot already covers replay
	// as no-ops
	recs, err := c.oplog.ReadFrom(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("%w: read log: %v", ErrUnavailable, err)
	}
	c.logBase = c.snapSeq
	if len(recs) > 0 && recs[0].Seq-1 < c.logBase {
		c.logBase = recs[0].Seq - 1
	}
	tail := c.snapSeq
	for _, r := range recs {
		if err := c.doc.Apply(r.Op); err != nil {
			// a logged op that fails to re-apply means the snapshot and
			// log disagree; this is operator territory
			return fmt.Errorf("%w: replay seq %d: %v", ErrUnavailable, r.Seq, err)
		}
		if r.Seq > tail {
			tail = r.Seq
		}
	}
	c.nextSeq = tail + 1
	c.loaded = true
	c.dirty = false
	log.Printf("coordinator active (project=%s, seq=%d, replayed=%d)", c.projectID, tail, len(recs))
	return nil
}

func (c *Coordinator) handleSubmit(op crdt.Operation, from string) (uint64, error) {
	if err := c.ensureLoaded(); err != nil {
		return 0, err
	}
	if c.auth != nil && !c.auth.CanEdit(context.Background(), from, c.projectID, op.Target) {
		return 0, ErrUnauthorized
	}

	// resubmission after a lost ack: the op is already in the history,
	// find its position instead of appending twice
	if c.doc.Applied(op.ID) {
		if seq, ok := c.seqOf(op.ID); ok {
			return seq, nil
		}
		return 0, nil // compacted away; the client is fully caught up anyway
	}

	version := c.doc.Version()
	for _, dep := range op.Deps {
		if !version.Includes(dep) {
			return 0, fmt.Errorf("%w: missing %v", ErrCausalGap, dep)
		}
	}
	if err := c.doc.Validate(op); err != nil {
		return 0, err
	}

	seq := c.nextSeq
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := c.oplog.Append(ctx, seq, op)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("append seq %d: %w", seq, err)
	}
	// write-ahead holds: the op is durable before anyone hears about it
	if err := c.doc.Apply(op); err != nil {
		log.Printf("validated op failed to apply (project=%s, seq=%d): %v", c.projectID, seq, err)
		return 0, err
	}
	c.nextSeq++
	c.dirty = true
	if seq > c.acks[from] {
		c.acks[from] = seq
	}

	evt := Event{Record: oplog.Record{Seq: seq, Op: op}, From: from}
	for replica, events := range c.subs {
		if replica == from {
			continue
		}
		select {
		case events <- evt:
		default:
			// a replica that cannot keep up must re-handshake; closing
			// beats silently skipping an operation
			log.Printf("dropping slow replica (project=%s, replica=%s)", c.projectID, replica)
			close(events)
			delete(c.subs, replica)
			delete(c.acks, replica)
		}
	}
	if c.pub != nil {
		c.pub.Publish(OpEvent{
			EventType:  "OP_ACCEPTED",
			ProjectID:  c.projectID,
			Seq:        seq,
			From:       from,
			Op:         op,
			AcceptedAt: time.Now(),
		})
	}
	return seq, nil
}

func (c *Coordinator) seqOf(id clock.Timestamp) (uint64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := c.oplog.ReadFrom(ctx, c.logBase+1, 0)
	if err != nil {
		return 0, false
	}
	for _, r := range recs {
		if r.Op.ID == id {
			return r.Seq, true
		}
	}
	return 0, false
}

func (c *Coordinator) handleAttach(replica string, since clock.Version) (Handshake, error) {
	if err := c.ensureLoaded(); err != nil {
		return Handshake{}, err
	}
	if old, ok := c.subs[replica]; ok {
		close(old)
	}
	events := make(chan Event, c.opts.EventBuffer)
	c.subs[replica] = events
	if c.acks[replica] < c.logBase {
		c.acks[replica] = c.logBase
	}

	hs := Handshake{Events: events}
	if since == nil {
		since = clock.NewVersion()
	}
	if since.Descends(c.snapVer) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		recs, err := c.oplog.ReadFrom(ctx, c.logBase+1, 0)
		cancel()
		if err != nil {
			delete(c.subs, replica)
			close(events)
			return Handshake{}, fmt.Errorf("%w: read log: %v", ErrUnavailable, err)
		}
		for _, r := range recs {
			if !since.Includes(r.Op.ID) {
				hs.Records = append(hs.Records, r)
			}
		}
	} else {
		// the gap predates the retained log; ship the whole state and
		// let the CRDT merge sort it out
		state := c.doc.Snapshot()
		hs.State = &state
	}
	return hs, nil
}

func (c *Coordinator) handleDetach(replica string) {
	if events, ok := c.subs[replica]; ok {
		close(events)
		delete(c.subs, replica)
	}
	delete(c.acks, replica)
}

func (c *Coordinator) handleAck(replica string, seq uint64) {
	if _, ok := c.subs[replica]; !ok {
		return
	}
	if seq > c.acks[replica] {
		c.acks[replica] = seq
	}
	c.maybeCompact()
}

// maybeCompact discards a log prefix once every attached replica has
// acknowledged past it and the prefix is worth the work. The durable
// snapshot is written first; compaction never outruns it.
func (c *Coordinator) maybeCompact() {
	if len(c.subs) == 0 {
		return
	}
	cut := uint64(0)
	first := true
	for replica := range c.subs {
		a := c.acks[replica]
		if first || a < cut {
			cut = a
			first = false
		}
	}
	if cut <= c.logBase || cut-c.logBase < c.opts.CompactEvery {
		return
	}
	if !c.persist("compaction") {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.oplog.Compact(ctx, cut+1); err != nil {
		log.Printf("compact failed (project=%s, cut=%d): %v", c.projectID, cut, err)
		return
	}
	c.logBase = cut
	log.Printf("log compacted (project=%s, below=%d)", c.projectID, cut+1)
}

// persist writes the current state as the durable snapshot. Returns
// false when the write failed (and compaction must not proceed).
func (c *Coordinator) persist(reason string) bool {
	if !c.loaded || !c.dirty {
		return c.loaded
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state := c.doc.Snapshot()
	seq := c.nextSeq - 1
	if err := c.snapshots.Save(ctx, c.projectID, seq, state); err != nil {
		log.Printf("snapshot save failed (project=%s, reason=%s): %v", c.projectID, reason, err)
		return false
	}
	c.snapSeq = seq
	c.snapVer = state.Version
	c.dirty = false
	return true
}

// hibernate persists the project and drops the in-memory state; the
// next message reloads from snapshot + log tail.
func (c *Coordinator) hibernate() {
	if !c.loaded || len(c.subs) > 0 {
		return
	}
	if c.dirty && !c.persist("hibernate") {
		return // keep state in memory rather than lose it
	}
	c.doc = nil
	c.loaded = false
	log.Printf("coordinator hibernated (project=%s)", c.projectID)
}
