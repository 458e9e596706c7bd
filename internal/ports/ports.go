// Package ports hands out forwarded host ports from a fixed pool,
// round-robin, skipping ports held by running instances.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidRange is returned by New for an empty pool.
	ErrInvalidRange = errors.New("invalid port range")

	// ErrPortExhausted means every port in the pool is occupied.
	ErrPortExhausted = errors.New("port pool exhausted")
)

// OccupiedSource reports the ports currently held. It is consulted on
// every allocation so that ports freed by stopped instances return to
// the pool without bookkeeping here.
type OccupiedSource interface {
	OccupiedPorts() ([]int, error)
}

// Allocator issues ports from [first, last).
type Allocator struct {
	mu         sync.Mutex
	first      int
	last       int
	lastIssued int
	source     OccupiedSource
}

// New creates an allocator for [first, last). The first allocation
// starts at first.
func New(first, last int, source OccupiedSource) (*Allocator, error) {
	if first >= last {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, first, last)
	}
	return &Allocator{
		first:      first,
		last:       last,
		lastIssued: last - 1,
		source:     source,
	}, nil
}

// Allocate returns the next free port after the last issued one,
// wrapping around the pool. Ports in exclude are treated as occupied;
// callers pass the ports already issued for the instance being built.
func (a *Allocator) Allocate(exclude ...int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	occupied, err := a.source.OccupiedPorts()
	if err != nil {
		return 0, fmt.Errorf("read occupied ports: %w", err)
	}
	taken := make(map[int]struct{}, len(occupied)+len(exclude))
	for _, p := range occupied {
		taken[p] = struct{}{}
	}
	for _, p := range exclude {
		taken[p] = struct{}{}
	}

	size := a.last - a.first
	start := a.lastIssued - a.first + 1
	for i := 0; i < size; i++ {
		port := a.first + (start+i)%size
		if _, ok := taken[port]; ok {
			continue
		}
		a.lastIssued = port
		return port, nil
	}
	return 0, fmt.Errorf("%w: all %d ports in [%d, %d) occupied", ErrPortExhausted, size, a.first, a.last)
}

// LastIssued returns the most recently issued port.
func (a *Allocator) LastIssued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastIssued
}

// Range returns the pool bounds.
func (a *Allocator) Range() (first, last int) {
	return a.first, a.last
}
