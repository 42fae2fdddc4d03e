// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// group prepares the identities of a group of worldSize ranks and a listener for the main rank.
func group(t *testing.T, worldSize int) (net.Listener, []rank.Identity) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	ids := make([]rank.Identity, worldSize)
	for r := range ids {
		ids[r] = rank.Identity{
			Rank: r, LocalRank: r, WorldSize: worldSize, LocalWorldSize: worldSize,
			Rendezvous: rank.Rendezvous{Host: "127.0.0.1", Port: port},
		}
	}
	return lis, ids
}

// runGroup runs fn on every rank in its own goroutine, after joining, and closes the sessions.
func runGroup(t *testing.T, worldSize int, fn func(s *Session) error, opts ...Option) []error {
	lis, ids := group(t, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for r := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rankOpts := append([]Option{WithJoinTimeout(10 * time.Second), WithTimeout(10 * time.Second)}, opts...)
			if r == rank.Main {
				rankOpts = append(rankOpts, WithListener(lis))
			}
			s, err := Join(context.Background(), ids[r], rankOpts...)
			if err != nil {
				errs[r] = err
				return
			}
			errs[r] = fn(s)
			if errs[r] != nil {
				s.Abort(errs[r].Error())
				return
			}
			errs[r] = s.Close()
		}()
	}
	wg.Wait()
	return errs
}

func TestJoinAndMembers(t *testing.T) {
	var mu sync.Mutex
	sessionIDs := make(map[string]int)
	errs := runGroup(t, 3, func(s *Session) error {
		if s.Phase() != Joined {
			return errors.Errorf("unexpected phase %s", s.Phase())
		}
		members := s.Members()
		if len(members) != 3 {
			return errors.Errorf("got %d members", len(members))
		}
		for i, m := range members {
			if m.Rank != i {
				return errors.Errorf("members not sorted: %v", members)
			}
		}
		mu.Lock()
		sessionIDs[s.ID()]++
		mu.Unlock()
		return s.Barrier(context.Background())
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	require.Len(t, sessionIDs, 1, "all ranks must see the same session id")
	for id, count := range sessionIDs {
		assert.NotEmpty(t, id)
		assert.Equal(t, 3, count)
	}
}

func TestAllReduceAverage(t *testing.T) {
	const worldSize = 3
	results := make([][]float64, worldSize)
	errs := runGroup(t, worldSize, func(s *Session) error {
		r := s.Identity().Rank
		// Rank r contributes [r, 10*r, -r].
		buf := []float64{float64(r), float64(10 * r), float64(-r)}
		var err error
		results[r], err = s.AllReduceAverage(context.Background(), buf)
		if err != nil {
			return err
		}
		// A second round must not mix with the first.
		second, err := s.AllReduceAverage(context.Background(), []float64{1})
		if err != nil {
			return err
		}
		if second[0] != 1 {
			return errors.Errorf("second round average is %v", second)
		}
		return nil
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	for r := range worldSize {
		assert.InDeltaSlice(t, []float64{1, 10, -1}, results[r], 1e-12, "rank %d", r)
	}
}

func TestAllReduceAverageFloat16(t *testing.T) {
	const worldSize = 2
	results := make([][]float64, worldSize)
	errs := runGroup(t, worldSize, func(s *Session) error {
		r := s.Identity().Rank
		var err error
		results[r], err = AllReduceAverageOf(context.Background(), s, []float32{float32(r) + 0.5, 2})
		return err
	}, WithCompression(CompressionFloat16))
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	for r := range worldSize {
		assert.InDeltaSlice(t, []float64{1, 2}, results[r], 1e-3, "rank %d", r)
	}
}

func TestBroadcast(t *testing.T) {
	const worldSize = 4
	type decision struct {
		Epoch int
		Found bool
	}
	payloads := make([][]byte, worldSize)
	decisions := make([]decision, worldSize)
	errs := runGroup(t, worldSize, func(s *Session) error {
		r := s.Identity().Rank
		var err error
		var value []byte
		if r == 2 {
			value = []byte("from rank 2")
		}
		payloads[r], err = s.Broadcast(context.Background(), value, 2)
		if err != nil {
			return err
		}
		if r == rank.Main {
			decisions[r] = decision{Epoch: 7, Found: true}
		}
		return BroadcastObject(context.Background(), s, &decisions[r], rank.Main)
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	for r := range worldSize {
		assert.Equal(t, "from rank 2", string(payloads[r]), "rank %d", r)
		assert.Equal(t, decision{Epoch: 7, Found: true}, decisions[r], "rank %d", r)
	}
}

func TestJoinTimeout(t *testing.T) {
	// Only 2 of 3 ranks show up.
	lis, ids := group(t, 3)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := []Option{WithJoinTimeout(time.Duration(1000-300*r) * time.Millisecond)}
			if r == rank.Main {
				opts = append(opts, WithListener(lis))
			}
			s, err := Join(context.Background(), ids[r], opts...)
			if err == nil {
				_ = s.Close()
			}
			errs[r] = err
		}()
	}
	wg.Wait()
	for r, err := range errs {
		var joinErr *JoinTimeoutError
		require.True(t, errors.As(err, &joinErr), "rank %d: expected *JoinTimeoutError, got %v", r, err)
		assert.Equal(t, r, joinErr.Rank)
		assert.Equal(t, 3, joinErr.WorldSize)
	}
}

func TestCollectiveTimeout(t *testing.T) {
	// Rank 1 never reaches the barrier, so the main rank's barrier times out.
	lis, ids := group(t, 2)
	var wg sync.WaitGroup
	var mainErr error
	rank1Ready := make(chan *Session, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s, err := Join(context.Background(), ids[0], WithListener(lis), WithTimeout(300*time.Millisecond))
		if err != nil {
			mainErr = err
			return
		}
		mainErr = s.Barrier(context.Background())
		s.Abort("barrier failed")
	}()
	go func() {
		defer wg.Done()
		s, err := Join(context.Background(), ids[1], WithTimeout(10*time.Second))
		if err != nil {
			rank1Ready <- nil
			return
		}
		rank1Ready <- s
	}()
	wg.Wait()
	var timeoutErr *CollectiveTimeoutError
	require.True(t, errors.As(mainErr, &timeoutErr), "expected *CollectiveTimeoutError, got %v", mainErr)
	assert.Equal(t, "barrier", timeoutErr.Op)

	// The main rank aborted and stopped the rendezvous: rank 1 fails right away.
	s1 := <-rank1Ready
	require.NotNil(t, s1)
	start := time.Now()
	err := s1.Barrier(context.Background())
	elapsed := time.Since(start)
	var abortedErr *GroupAbortedError
	require.True(t, errors.As(err, &abortedErr), "expected *GroupAbortedError, got %v", err)
	assert.Less(t, elapsed, 2*time.Second)
	s1.Abort("done")
}

func TestMainAbortWhilePeerComputes(t *testing.T) {
	lis, ids := group(t, 2)
	sessions := make([]*Session, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := []Option{WithJoinTimeout(10 * time.Second), WithTimeout(10 * time.Second)}
			if r == rank.Main {
				opts = append(opts, WithListener(lis))
			}
			sessions[r], errs[r] = Join(context.Background(), ids[r], opts...)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Rank 1 is still busy with its step when the main rank aborts.
	sessions[0].Abort("main rank failed")
	assert.Equal(t, Closed, sessions[0].Phase())
	time.Sleep(100 * time.Millisecond)

	for _, fn := range []func() error{
		func() error { return sessions[1].Barrier(context.Background()) },
		func() error {
			_, err := sessions[1].AllReduceAverage(context.Background(), []float64{1})
			return err
		},
	} {
		start := time.Now()
		err := fn()
		var abortedErr *GroupAbortedError
		require.True(t, errors.As(err, &abortedErr), "expected *GroupAbortedError, got %v", err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, "aborted", statusLabel(err))
	}
	sessions[1].Abort("group gone")
	assert.Equal(t, Closed, sessions[1].Phase())
}

func TestAbortPropagates(t *testing.T) {
	const worldSize = 3
	errs := runGroup(t, worldSize, func(s *Session) error {
		if s.Identity().Rank == 2 {
			s.Abort("model blew up")
			return nil
		}
		return s.Barrier(context.Background())
	})
	for r := range 2 {
		var abortedErr *GroupAbortedError
		require.True(t, errors.As(errs[r], &abortedErr), "rank %d: expected *GroupAbortedError, got %v", r, errs[r])
		assert.Contains(t, abortedErr.Reason, "model blew up")
	}
	assert.NoError(t, errs[2], "Close after Abort is a no-op")
}

func TestMismatch(t *testing.T) {
	errs := runGroup(t, 2, func(s *Session) error {
		if s.Identity().Rank == 0 {
			return s.Barrier(context.Background())
		}
		_, err := s.AllReduceAverage(context.Background(), []float64{1, 2})
		return err
	})
	var mismatchErr *CollectiveMismatchError
	var abortedErr *GroupAbortedError
	matched := 0
	for _, err := range errs {
		require.Error(t, err)
		if errors.As(err, &mismatchErr) {
			matched++
		} else {
			require.True(t, errors.As(err, &abortedErr), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, matched, "the second rank to arrive sees the mismatch")
}

func TestPhaseTransitions(t *testing.T) {
	lis, ids := group(t, 1)
	s, err := Join(context.Background(), ids[0], WithListener(lis))
	require.NoError(t, err)
	assert.Equal(t, Joined, s.Phase())
	require.NoError(t, s.Barrier(context.Background()))
	avg, err := s.AllReduceAverage(context.Background(), []float64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, avg)
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.Phase())
	require.NoError(t, s.Close(), "Close is idempotent")
	err = s.Barrier(context.Background())
	assert.True(t, errors.Is(err, ErrNotJoined))
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionFloat16} {
		parsed, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseCompression("zstd")
	assert.Error(t, err)
}
