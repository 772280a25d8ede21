// Package eventbus fans out commit-pipeline events (entries committed to
// the journal, trades matched, transactions flagged by compliance) to any
// number of in-process subscribers — the websocket feed, audit tooling,
// test harnesses — without coupling them to the engine's call graph.
package eventbus

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/bibank-exchange/bibank/internal/compliance"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/matching"
	"github.com/bibank-exchange/bibank/pkg/obslog"
)

// chanBuffer bounds the dispatch queue per event type (internal/rpc/
// websocket.go sizes its broadcast channel at 256 for the same reason: a
// generous but finite cushion against a momentary burst).
const chanBuffer = 256

// EntryCommitted is published once a journal entry has cleared the full
// commit pipeline (spec.md §4.5 step 10) and the in-memory risk state has
// been updated to reflect it.
type EntryCommitted struct {
	Entry ledger.JournalEntry
}

// OrderMatched is published for every fill produced by a single match
// call, alongside the pair it occurred on.
type OrderMatched struct {
	Pair string
	Fill matching.Fill
}

// ComplianceFlagged is published whenever a post-commit hook flags a
// transaction (spec.md §4.8).
type ComplianceFlagged struct {
	UserID        string
	CorrelationID string
	Outcome       compliance.Outcome
}

// Bus is the engine-wide typed event fan-out. Publish calls never block the
// caller: each event type has its own bounded dispatch queue, drained by a
// single goroutine that hands events to go-ethereum's event.Feed for
// delivery to subscribers (generalized from internal/rpc/websocket.go's
// WSHub: the register/unregister/broadcast channel loop becomes a single
// feed-per-event-type, and "channel full, dropping event" becomes this
// bus's backpressure policy instead of the hub's).
type Bus struct {
	entryFeed      event.Feed
	matchFeed      event.Feed
	complianceFeed event.Feed
	scope          event.SubscriptionScope

	entryCh      chan EntryCommitted
	matchCh      chan OrderMatched
	complianceCh chan ComplianceFlagged

	log *obslog.Logger
}

// New creates a Bus and starts its dispatch loop.
func New(log *obslog.Logger) *Bus {
	b := &Bus{
		entryCh:      make(chan EntryCommitted, chanBuffer),
		matchCh:      make(chan OrderMatched, chanBuffer),
		complianceCh: make(chan ComplianceFlagged, chanBuffer),
		log:          log.Component("eventbus"),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case e, ok := <-b.entryCh:
			if !ok {
				return
			}
			b.entryFeed.Send(e)
		case e, ok := <-b.matchCh:
			if !ok {
				return
			}
			b.matchFeed.Send(e)
		case e, ok := <-b.complianceCh:
			if !ok {
				return
			}
			b.complianceFeed.Send(e)
		}
	}
}

// PublishEntryCommitted enqueues e for delivery, dropping it if the
// dispatch queue is saturated rather than blocking the commit pipeline.
func (b *Bus) PublishEntryCommitted(e EntryCommitted) {
	select {
	case b.entryCh <- e:
	default:
		b.log.Warn("entry_committed queue full, dropping event", "sequence", e.Entry.Sequence, "correlation_id", e.Entry.CorrelationID)
	}
}

// PublishOrderMatched enqueues e for delivery.
func (b *Bus) PublishOrderMatched(e OrderMatched) {
	select {
	case b.matchCh <- e:
	default:
		b.log.Warn("order_matched queue full, dropping event", "pair", e.Pair, "maker", e.Fill.MakerOrderID, "taker", e.Fill.TakerOrderID)
	}
}

// PublishComplianceFlagged enqueues e for delivery.
func (b *Bus) PublishComplianceFlagged(e ComplianceFlagged) {
	select {
	case b.complianceCh <- e:
	default:
		b.log.Warn("compliance_flagged queue full, dropping event", "user_id", e.UserID, "correlation_id", e.CorrelationID)
	}
}

// SubscribeEntryCommitted registers ch to receive every EntryCommitted
// event until the returned subscription is unsubscribed or the bus closes.
// ch should be buffered; a slow reader blocks the dispatch loop, not the
// engine.
func (b *Bus) SubscribeEntryCommitted(ch chan<- EntryCommitted) event.Subscription {
	return b.scope.Track(b.entryFeed.Subscribe(ch))
}

// SubscribeOrderMatched registers ch to receive every OrderMatched event.
func (b *Bus) SubscribeOrderMatched(ch chan<- OrderMatched) event.Subscription {
	return b.scope.Track(b.matchFeed.Subscribe(ch))
}

// SubscribeComplianceFlagged registers ch to receive every
// ComplianceFlagged event.
func (b *Bus) SubscribeComplianceFlagged(ch chan<- ComplianceFlagged) event.Subscription {
	return b.scope.Track(b.complianceFeed.Subscribe(ch))
}

// Close unsubscribes every tracked subscriber and stops the dispatch loop.
func (b *Bus) Close() {
	b.scope.Close()
	close(b.entryCh)
	close(b.matchCh)
	close(b.complianceCh)
}
