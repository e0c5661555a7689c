package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoPortsAvailable indicates the configured host port range is fully
	// allocated.
	ErrNoPortsAvailable = errors.New("lifecycle: no free port in configured range")
	// ErrPortInUse indicates a fixed port claim collided with a live
	// environment.
	ErrPortInUse = errors.New("lifecycle: port already in use")
)

// PortLister is the store slice the allocator consults: every port held by a
// committed record.
type PortLister interface {
	ListAllocatedPorts(ctx context.Context) ([]int, error)
}

// PortAllocator hands out host ports from a configured range. Committed
// records are visible through the store; ports handed out but not yet
// committed are held in an in-process reservation set, so two concurrent
// provisions can never pick the same port.
type PortAllocator struct {
	store PortLister
	start int
	end   int

	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewPortAllocator validates the range and constructs an allocator.
func NewPortAllocator(store PortLister, start, end int) (*PortAllocator, error) {
	if store == nil {
		return nil, errors.New("nil port store provided")
	}
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &PortAllocator{
		store:    store,
		start:    start,
		end:      end,
		reserved: make(map[int]struct{}),
	}, nil
}

// Allocate reserves the lowest free port in the range.
func (a *PortAllocator) Allocate(ctx context.Context) (int, error) {
	taken, err := a.store.ListAllocatedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list allocated ports: %w", err)
	}
	committed := make(map[int]struct{}, len(taken))
	for _, port := range taken {
		committed[port] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.start; port <= a.end; port++ {
		if _, ok := committed[port]; ok {
			continue
		}
		if _, ok := a.reserved[port]; ok {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrNoPortsAvailable, a.start, a.end)
}

// ClaimFixed reserves a specific port, such as a compose stack's conventional
// one. Unlike Allocate it accepts ports outside the configured range but
// still refuses ports held by any live record or pending provision.
func (a *PortAllocator) ClaimFixed(ctx context.Context, port int) (int, error) {
	if port <= 0 {
		return 0, fmt.Errorf("invalid port %d", port)
	}
	taken, err := a.store.ListAllocatedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list allocated ports: %w", err)
	}
	for _, held := range taken {
		if held == port {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reserved[port]; ok {
		return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	a.reserved[port] = struct{}{}
	return port, nil
}

// Release frees a reservation. Releasing an unreserved port is a no-op so
// rollback and destroy paths can call it unconditionally.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}
