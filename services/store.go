package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// ProjectionStore holds the read models served by the API: the latest
// status of every bid and obligation. Apply is idempotent and advances the
// cursor, so events may be applied more than once.
type ProjectionStore interface {
	Apply(ctx context.Context, ev eventlog.Event) error
	Cursor(ctx context.Context) (uint64, error)

	BidStatus(ctx context.Context, id protocol.BidID) (protocol.BidStatus, error)
	Obligations(ctx context.Context, participant protocol.ParticipantID) ([]protocol.SettlementObligation, error)

	Close() error
}

type projectedBid struct {
	seq    uint64
	status protocol.BidStatus
}

type projectedObligation struct {
	seq        uint64
	obligation protocol.SettlementObligation
}

// InMemoryStore implements ProjectionStore without a database.
type InMemoryStore struct {
	mu          sync.RWMutex
	cursor      uint64
	bids        map[protocol.BidID]projectedBid
	obligations map[protocol.ObligationID]projectedObligation
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bids:        make(map[protocol.BidID]projectedBid),
		obligations: make(map[protocol.ObligationID]projectedObligation),
	}
}

func (s *InMemoryStore) Apply(_ context.Context, ev eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case eventlog.KindBidStatus:
		var status protocol.BidStatus
		if err := ev.Decode(&status); err != nil {
			return err
		}
		if prev, ok := s.bids[status.BidID]; !ok || prev.seq < ev.Seq {
			s.bids[status.BidID] = projectedBid{seq: ev.Seq, status: status}
		}
	case eventlog.KindObligation:
		var ob protocol.SettlementObligation
		if err := ev.Decode(&ob); err != nil {
			return err
		}
		if prev, ok := s.obligations[ob.ID]; !ok || prev.seq < ev.Seq {
			s.obligations[ob.ID] = projectedObligation{seq: ev.Seq, obligation: ob}
		}
	}
	if ev.Seq > s.cursor {
		s.cursor = ev.Seq
	}
	return nil
}

func (s *InMemoryStore) Cursor(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *InMemoryStore) BidStatus(_ context.Context, id protocol.BidID) (protocol.BidStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bids[id]
	if !ok {
		return protocol.BidStatus{}, protocol.Errorf(protocol.ErrUnknownBid, "%s", id)
	}
	return b.status, nil
}

func (s *InMemoryStore) Obligations(_ context.Context, participant protocol.ParticipantID) ([]protocol.SettlementObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.SettlementObligation
	for _, o := range s.obligations {
		if o.obligation.Participant == participant {
			out = append(out, o.obligation)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Projector keeps a ProjectionStore in step with the event log.
type Projector struct {
	store  ProjectionStore
	log    eventlog.Log
	logger *slog.Logger
}

func NewProjector(store ProjectionStore, log eventlog.Log, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: store, log: log, logger: logger}
}

// CatchUp applies the events appended after the store cursor.
func (p *Projector) CatchUp(ctx context.Context) (uint64, error) {
	cursor, err := p.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	return p.replay(ctx, cursor)
}

func (p *Projector) replay(ctx context.Context, after uint64) (uint64, error) {
	return eventlog.Replay(ctx, p.log, after, func(ev eventlog.Event) error {
		return p.store.Apply(ctx, ev)
	})
}

// Run catches up and then applies events as they are appended until ctx
// is done. Events the subscription dropped are read back from the log.
func (p *Projector) Run(ctx context.Context) error {
	events, unsubscribe := p.log.Subscribe(1024)
	defer unsubscribe()

	last, err := p.CatchUp(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch {
			case ev.Seq <= last:
				continue
			case ev.Seq > last+1:
				if last, err = p.replay(ctx, last); err != nil {
					p.logger.Error("failed to catch up projections", "after", last, "err", err)
				}
				continue
			}
			if err := p.store.Apply(ctx, ev); err != nil {
				p.logger.Error("failed to project event", "seq", ev.Seq, "kind", ev.Kind, "err", err)
				continue
			}
			last = ev.Seq
		}
	}
}
