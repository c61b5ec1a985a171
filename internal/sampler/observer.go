package sampler

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Observer receives one-way notifications from the acquisition worker. All
// three channels are fire-and-forget: the worker never blocks on an
// observer, delivery is FIFO within a channel, and ordering across channels
// is not guaranteed.
type Observer interface {
	StateChanged(from, to State)
	RecordCompleted(rec MeasurementRecord)
	StatusMessage(msg string)
}

// notifyBuffer is the per-channel queue depth before notifications are
// dropped rather than blocking the worker.
const notifyBuffer = 64

type stateChange struct {
	from, to State
}

// subscriber fans one observer out over three independent buffered queues,
// each drained by its own goroutine so a slow RecordCompleted handler cannot
// delay state-change delivery.
type subscriber struct {
	obs     Observer
	states  chan stateChange
	records chan MeasurementRecord
	status  chan string
}

func newSubscriber(obs Observer) *subscriber {
	s := &subscriber{
		obs:     obs,
		states:  make(chan stateChange, notifyBuffer),
		records: make(chan MeasurementRecord, notifyBuffer),
		status:  make(chan string, notifyBuffer),
	}
	go func() {
		for c := range s.states {
			s.obs.StateChanged(c.from, c.to)
		}
	}()
	go func() {
		for r := range s.records {
			s.obs.RecordCompleted(r)
		}
	}()
	go func() {
		for m := range s.status {
			s.obs.StatusMessage(m)
		}
	}()
	return s
}

func (s *subscriber) close() {
	close(s.states)
	close(s.records)
	close(s.status)
}

// notifier multiplexes sampler notifications to any number of observers
// (GUI, logger, test harness) without mutation races on the sampler itself.
type notifier struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]*subscriber)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// attach registers an observer and returns its ID for later detach.
func (n *notifier) attach(obs Observer) string {
	id := randomID()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[id] = newSubscriber(obs)
	return id
}

// detach removes an observer and stops its dispatch goroutines.
func (n *notifier) detach(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.subs[id]; ok {
		s.close()
		delete(n.subs, id)
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, s := range n.subs {
		s.close()
		delete(n.subs, id)
	}
}

func (n *notifier) stateChanged(from, to State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		select {
		case s.states <- stateChange{from, to}:
		default:
			// drop rather than block the worker
		}
	}
}

func (n *notifier) recordCompleted(rec MeasurementRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		select {
		case s.records <- rec:
		default:
		}
	}
}

func (n *notifier) statusMessage(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		select {
		case s.status <- msg:
		default:
		}
	}
}
