// Package multiplexer picks a working transport out of several candidates.
//
// [Race] connects to all candidates concurrently and commits to the first one
// that passes its liveness check. [Multiplexer] is a UDP proxy that fans WireGuard
// packets out to progressively spawned transports and commits to the first one
// that returns a packet.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"go.uber.org/multierr"
)

// ErrNoCandidates is returned when there is nothing to race.
var ErrNoCandidates = errors.New("no candidates")

// Candidate is one contestant of a [Race].
type Candidate[T any] struct {
	// Name identifies the candidate in errors.
	Name string

	// Connect establishes the candidate. It must return promptly when ctx is canceled.
	Connect func(ctx context.Context) (T, error)

	// Check verifies that a connected candidate works. Optional.
	// It must return promptly when ctx is canceled.
	Check func(ctx context.Context, v T) error

	// Close releases a connected candidate that did not win. Optional.
	Close func(v T)
}

// Winner is the result of a successful [Race].
type Winner[T any] struct {
	// Index is the position of the winner in the candidate list.
	Index int

	Name  string
	Value T
}

// CandidateError is the error of one candidate.
type CandidateError struct {
	Name string
	Err  error
}

func (e *CandidateError) Error() string {
	return fmt.Sprintf("candidate %s: %v", e.Name, e.Err)
}

func (e *CandidateError) Unwrap() error {
	return e.Err
}

// RaceError is returned when every candidate failed.
type RaceError struct {
	// Errs holds a [*CandidateError] per candidate, in candidate order.
	Errs []error
}

func (e *RaceError) Error() string {
	return "all candidates failed: " + multierr.Combine(e.Errs...).Error()
}

func (e *RaceError) Unwrap() []error {
	return e.Errs
}

type raceResult[T any] struct {
	index     int
	value     T
	connected bool
	err       error
}

func runCandidate[T any](ctx context.Context, index int, c Candidate[T]) (r raceResult[T]) {
	r.index = index
	r.value, r.err = c.Connect(ctx)
	if r.err != nil {
		return r
	}
	r.connected = true
	if c.Check != nil {
		r.err = c.Check(ctx, r.value)
	}
	return r
}

func closeCandidate[T any](c Candidate[T], r raceResult[T]) {
	if r.connected && c.Close != nil {
		c.Close(r.value)
	}
}

// Race runs all candidates concurrently and returns the first one that connects
// and passes its check. The context of the other candidates is canceled, and Race
// returns only after all of them have returned. Those that connected are closed.
//
// A single candidate runs on the calling goroutine.
func Race[T any](ctx context.Context, candidates []Candidate[T]) (Winner[T], error) {
	switch len(candidates) {
	case 0:
		return Winner[T]{}, ErrNoCandidates
	case 1:
		c := candidates[0]
		r := runCandidate(ctx, 0, c)
		if r.err != nil {
			closeCandidate(c, r)
			return Winner[T]{}, &RaceError{Errs: []error{&CandidateError{Name: c.Name, Err: r.err}}}
		}
		return Winner[T]{Index: 0, Name: c.Name, Value: r.value}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult[T], len(candidates))
	for i, c := range candidates {
		go func() {
			results <- runCandidate(ctx, i, c)
		}()
	}

	var (
		winner    Winner[T]
		hasWinner bool
		errs      = make([]error, len(candidates))
	)

	for range candidates {
		r := <-results
		c := candidates[r.index]

		switch {
		case r.err == nil && !hasWinner:
			winner = Winner[T]{Index: r.index, Name: c.Name, Value: r.value}
			hasWinner = true
			cancel()
		case r.err == nil:
			closeCandidate(c, r)
		default:
			closeCandidate(c, r)
			errs[r.index] = &CandidateError{Name: c.Name, Err: r.err}
		}
	}

	if !hasWinner {
		return Winner[T]{}, &RaceError{Errs: errs}
	}
	return winner, nil
}

// AwaitReply sends the packets returned by next to endpoint from a fresh socket,
// one every interval, and returns once anything comes back.
func AwaitReply(ctx context.Context, endpoint netip.AddrPort, next func() ([]byte, error), interval time.Duration) error {
	network := "udp6"
	if endpoint.Addr().Unmap().Is4() {
		network = "udp4"
		endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
	}
	c, err := net.ListenUDP(network, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	buf := make([]byte, maxDatagramSize)

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		packet, err := next()
		if err != nil {
			return err
		}
		if _, err = c.WriteToUDPAddrPort(packet, endpoint); err != nil {
			return fmt.Errorf("failed to send to %s: %w", endpoint, err)
		}

		if err = c.SetReadDeadline(time.Now().Add(interval)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			_ = c.SetReadDeadline(aLongTimeAgo)
		}

		_, _, err = c.ReadFromUDPAddrPort(buf)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, os.ErrDeadlineExceeded):
			return fmt.Errorf("failed to receive from %s: %w", endpoint, err)
		}
	}
}
