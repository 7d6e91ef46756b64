package consensus

import "context"

// EventKind is the tag of a single event produced by the Event Loop.
type EventKind int

const (
	EventIncoming EventKind = iota
	EventIO
	EventTimeout
	EventInternal
	EventError
	EventTerminate
)

// Readiness reports which direction of a connection became ready.
type Readiness int

const (
	Readable Readiness = iota
	Writable
)

// Event is the totally-ordered unit the Event Loop hands to the Driver.
// Exactly one field group is populated, selected by Kind.
type Event struct {
	Kind EventKind

	Envelope *Envelope // EventIncoming

	IOPeer      PubKeyBytes // EventIO
	IOReadiness Readiness

	Timeout TimerTag // EventTimeout

	Err error // EventError
}

// IOEvent is published by the Network layer whenever a peer connection's
// read or write buffer becomes ready to drain/flush, standing in for
// socket readiness notifications in transports (like go-ethereum's p2p)
// that hide raw file descriptors behind a per-peer goroutine.
type IOEvent struct {
	Peer      PubKeyBytes
	Readiness Readiness
}

// sources bundles the channels the Event Loop merges. Network and
// TimerQueue each own and populate one of these.
type sources struct {
	incoming  <-chan *Envelope
	io        <-chan IOEvent
	timeouts  <-chan TimerTag
	internal  <-chan struct{}
	terminate <-chan struct{}
}

// EventLoop is the single-threaded cooperative demultiplexer described in
// the component design: each iteration yields exactly one Event, with
// expired timeouts given strict priority over I/O readiness when both are
// available at the same instant.
type EventLoop struct {
	src sources
	out chan Event
}

func newEventLoop(src sources) *EventLoop {
	return &EventLoop{src: src, out: make(chan Event, 64)}
}

// Events returns the loop's single outbound event stream.
func (l *EventLoop) Events() <-chan Event { return l.out }

// Run pumps events from every source into the outbound stream until ctx is
// cancelled or a terminate signal arrives. Suspension only happens inside
// this select; nothing else in the Driver blocks on I/O directly.
func (l *EventLoop) Run(ctx context.Context) {
	defer close(l.out)
	for {
		// Priority pass: an already-expired timeout pre-empts any
		// I/O or message that arrived after its deadline.
		select {
		case tag := <-l.src.timeouts:
			if !l.emit(ctx, Event{Kind: EventTimeout, Timeout: tag}) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-l.src.terminate:
			l.emit(ctx, Event{Kind: EventTerminate})
			return
		case tag := <-l.src.timeouts:
			if !l.emit(ctx, Event{Kind: EventTimeout, Timeout: tag}) {
				return
			}
		case env := <-l.src.incoming:
			if !l.emit(ctx, Event{Kind: EventIncoming, Envelope: env}) {
				return
			}
		case io := <-l.src.io:
			if !l.emit(ctx, Event{Kind: EventIO, IOPeer: io.Peer, IOReadiness: io.Readiness}) {
				return
			}
		case <-l.src.internal:
			if !l.emit(ctx, Event{Kind: EventInternal}) {
				return
			}
		}
	}
}

func (l *EventLoop) emit(ctx context.Context, e Event) bool {
	select {
	case l.out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
