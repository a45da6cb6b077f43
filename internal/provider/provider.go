// Package provider adapts location sources to the engine: permission and
// service state, a push-driven channel provider and a JSON-lines replay
// provider.
package provider

import (
	"context"
	"sync"

	"github.com/signalsfoundry/safezone/model"
)

// Permission is the host's location permission state.
type Permission string

const (
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
	PermissionUndetermined Permission = "undetermined"
)

// LocationProvider supplies raw fixes. Permission and service state are
// reported separately from fix delivery.
type LocationProvider interface {
	Permission() Permission
	ServicesEnabled() bool
	// Subscribe streams fixes until ctx is done or the source is
	// exhausted, then closes the channel.
	Subscribe(ctx context.Context) (<-chan model.LocationFix, error)
}

// Check reports whether tracking may start on p. A non-nil result is a
// *model.ProviderError carrying the recovery hint.
func Check(p LocationProvider) error {
	switch p.Permission() {
	case PermissionGranted:
	case PermissionDenied:
		return &model.ProviderError{Reason: "location permission denied", Hint: model.HintOpenSettings}
	default:
		return &model.ProviderError{Reason: "location permission not yet requested", Hint: model.HintRequestPermission}
	}
	if !p.ServicesEnabled() {
		return &model.ProviderError{Reason: "location services disabled", Hint: model.HintOpenSettings}
	}
	return nil
}

// ChannelProvider is fed by Push. It is the adapter for hosts that deliver
// fixes by callback.
type ChannelProvider struct {
	mu         sync.RWMutex
	permission Permission
	enabled    bool
	subs       map[int]chan model.LocationFix
	nextID     int
	buffer     int
}

// NewChannelProvider returns a granted, enabled provider whose
// subscriptions buffer up to buffer fixes.
func NewChannelProvider(buffer int) *ChannelProvider {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelProvider{
		permission: PermissionGranted,
		enabled:    true,
		subs:       make(map[int]chan model.LocationFix),
		buffer:     buffer,
	}
}

func (p *ChannelProvider) Permission() Permission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permission
}

func (p *ChannelProvider) ServicesEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// SetPermission updates the reported permission state.
func (p *ChannelProvider) SetPermission(perm Permission) {
	p.mu.Lock()
	p.permission = perm
	p.mu.Unlock()
}

// SetServicesEnabled updates the reported service state.
func (p *ChannelProvider) SetServicesEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// Subscribe implements LocationProvider.
func (p *ChannelProvider) Subscribe(ctx context.Context) (<-chan model.LocationFix, error) {
	if err := Check(p); err != nil {
		return nil, err
	}
	ch := make(chan model.LocationFix, p.buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
		p.mu.Unlock()
	}()
	return ch, nil
}

// Push delivers fix to every subscriber, blocking until each has accepted
// it or ctx is done.
func (p *ChannelProvider) Push(ctx context.Context, fix model.LocationFix) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- fix:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close ends every subscription.
func (p *ChannelProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
