// Package platform abstracts the host capabilities the sync core reacts
// to: network reachability and foreground visibility.
package platform

import (
	"sync"

	"github.com/alexjbarnes/device-sync/internal/events"
)

// Network reports reachability changes.
type Network interface {
	Online() bool
	SubscribeOnline(fn func(online bool)) (cancel func())
}

// Visibility reports foreground/background changes.
type Visibility interface {
	Visible() bool
	SubscribeVisible(fn func(visible bool)) (cancel func())
}

// Signals is a Network and Visibility driven by explicit setters. The
// daemon toggles it from OS signals; tests drive it directly. Setters
// only notify subscribers on an actual change.
type Signals struct {
	mu      sync.Mutex
	online  bool
	visible bool

	onlineBus  events.Bus[bool]
	visibleBus events.Bus[bool]
}

// NewSignals returns Signals that start online and visible.
func NewSignals() *Signals {
	return &Signals{online: true, visible: true}
}

func (s *Signals) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.online
}

func (s *Signals) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.visible
}

func (s *Signals) SubscribeOnline(fn func(bool)) func() {
	return s.onlineBus.Subscribe(fn)
}

func (s *Signals) SubscribeVisible(fn func(bool)) func() {
	return s.visibleBus.Subscribe(fn)
}

// SetOnline updates reachability.
func (s *Signals) SetOnline(v bool) {
	s.mu.Lock()
	changed := s.online != v
	s.online = v
	s.mu.Unlock()

	if changed {
		s.onlineBus.Publish(v)
	}
}

// SetVisible updates visibility.
func (s *Signals) SetVisible(v bool) {
	s.mu.Lock()
	changed := s.visible != v
	s.visible = v
	s.mu.Unlock()

	if changed {
		s.visibleBus.Publish(v)
	}
}

// ToggleOnline flips reachability and returns the new value.
func (s *Signals) ToggleOnline() bool {
	v := !s.Online()
	s.SetOnline(v)

	return v
}

// ToggleVisible flips visibility and returns the new value.
func (s *Signals) ToggleVisible() bool {
	v := !s.Visible()
	s.SetVisible(v)

	return v
}
