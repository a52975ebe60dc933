package transfer

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry is the table of active senders and receivers, keyed by transfer
// id. One instance is owned by whatever orchestrates transfers; there is no
// package-level state, so tests get a fresh registry each.
//
// Entries are added at session creation and removed exactly once at the
// terminal transition (completed, cancelled, or failed), so a finished
// transfer never blocks a later one reusing the same id.
type Registry struct {
	mu        sync.RWMutex
	senders   map[string]*Sender
	receivers map[string]*Receiver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		senders:   make(map[string]*Sender),
		receivers: make(map[string]*Receiver),
	}
}

// AddSender registers an active sender. A transfer id may not be registered
// twice concurrently in the sender role.
func (r *Registry) AddSender(s *Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.senders[s.id]; exists {
		return fmt.Errorf("%w: sender %q", ErrTransferExists, s.id)
	}
	r.senders[s.id] = s

	logrus.WithFields(logrus.Fields{
		"function":    "AddSender",
		"transfer_id": s.id,
	}).Debug("Sender registered")

	return nil
}

// AddReceiver registers an active receiver. A transfer id may not be
// registered twice concurrently in the receiver role.
func (r *Registry) AddReceiver(recv *Receiver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.receivers[recv.id]; exists {
		return fmt.Errorf("%w: receiver %q", ErrTransferExists, recv.id)
	}
	r.receivers[recv.id] = recv

	logrus.WithFields(logrus.Fields{
		"function":    "AddReceiver",
		"transfer_id": recv.id,
	}).Debug("Receiver registered")

	return nil
}

// Sender looks up an active sender.
func (r *Registry) Sender(id string) (*Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[id]
	return s, ok
}

// Receiver looks up an active receiver.
func (r *Registry) Receiver(id string) (*Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recv, ok := r.receivers[id]
	return recv, ok
}

// RemoveSender drops a sender entry. Reports whether an entry was present,
// so terminal transitions can assert exactly-once removal.
func (r *Registry) RemoveSender(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.senders[id]; !ok {
		return false
	}
	delete(r.senders, id)
	return true
}

// RemoveReceiver drops a receiver entry.
func (r *Registry) RemoveReceiver(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.receivers[id]; !ok {
		return false
	}
	delete(r.receivers, id)
	return true
}

// SenderCount reports active senders.
func (r *Registry) SenderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// ReceiverCount reports active receivers.
func (r *Registry) ReceiverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.receivers)
}

// CancelAll cancels every active transfer. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	senders := make([]*Sender, 0, len(r.senders))
	for _, s := range r.senders {
		senders = append(senders, s)
	}
	receivers := make([]*Receiver, 0, len(r.receivers))
	for _, recv := range r.receivers {
		receivers = append(receivers, recv)
	}
	r.mu.RUnlock()

	for _, s := range senders {
		s.Cancel()
	}
	for _, recv := range receivers {
		recv.Cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "CancelAll",
		"senders":   len(senders),
		"receivers": len(receivers),
	}).Info("All active transfers cancelled")
}
