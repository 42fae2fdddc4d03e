// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/gomlx/ddp/internal/telemetry"
	"github.com/gomlx/ddp/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/x448/float16"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// rendezvous is the group's meeting point, served by the main rank. It registers members and runs
// collective rounds: each round collects one request per rank, combines them and releases all of them
// with the same reply.
type rendezvous struct {
	worldSize int
	sessionID string

	mu       sync.Mutex
	members  map[int]member
	formed   chan struct{}
	rounds   map[uint64]*round
	left     sets.Set[int]
	allLeft  chan struct{}
	aborted  chan struct{}
	abortMsg string
}

// round of a collective operation, identified by its sequence number.
type round struct {
	seq        uint64
	op         opKind
	source     int
	length     int
	compressed bool
	arrived    sets.Set[int]
	sum        []float64
	payload    []byte
	reply      *roundReply
	done       chan struct{}
}

func newRendezvous(worldSize int) *rendezvous {
	return &rendezvous{
		worldSize: worldSize,
		sessionID: uuid.NewString(),
		members:   make(map[int]member, worldSize),
		formed:    make(chan struct{}),
		rounds:    make(map[uint64]*round),
		left:      sets.Make[int](worldSize),
		allLeft:   make(chan struct{}),
		aborted:   make(chan struct{}),
	}
}

// abortLocked poisons the group: every pending and future call fails with codes.Aborted.
func (rv *rendezvous) abortLocked(reason string) {
	select {
	case <-rv.aborted:
		return
	default:
	}
	rv.abortMsg = reason
	close(rv.aborted)
	klog.Warningf("rendezvous %s aborted: %s", rv.sessionID, reason)
}

func (rv *rendezvous) abortedStatus() error {
	return status.Error(codes.Aborted, rv.abortMsg)
}

func (rv *rendezvous) isAbortedLocked() bool {
	select {
	case <-rv.aborted:
		return true
	default:
		return false
	}
}

// Join implements rendezvousService.
func (rv *rendezvous) Join(ctx context.Context, req *joinRequest) (*joinReply, error) {
	rv.mu.Lock()
	if rv.isAbortedLocked() {
		rv.mu.Unlock()
		return nil, rv.abortedStatus()
	}
	if req.WorldSize != rv.worldSize {
		rv.mu.Unlock()
		return nil, status.Errorf(codes.InvalidArgument,
			"rank %d has world size %d, but the group was created with world size %d",
			req.Rank, req.WorldSize, rv.worldSize)
	}
	if req.Rank < 0 || req.Rank >= rv.worldSize {
		rv.mu.Unlock()
		return nil, status.Errorf(codes.InvalidArgument, "rank %d out of range [0, %d)", req.Rank, rv.worldSize)
	}
	if _, found := rv.members[req.Rank]; found {
		rv.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d joined twice", req.Rank)
	}
	rv.members[req.Rank] = member{
		Rank: req.Rank, LocalRank: req.LocalRank, LocalWorldSize: req.LocalWorldSize, Hostname: req.Hostname}
	klog.V(1).Infof("rendezvous %s: rank %d joined from %q (%d of %d)",
		rv.sessionID, req.Rank, req.Hostname, len(rv.members), rv.worldSize)
	if len(rv.members) == rv.worldSize {
		close(rv.formed)
	}
	rv.mu.Unlock()

	select {
	case <-rv.formed:
	case <-rv.aborted:
		return nil, rv.abortedStatus()
	case <-ctx.Done():
		rv.mu.Lock()
		defer rv.mu.Unlock()
		select {
		case <-rv.formed:
			// Formed just as this rank gave up: the others will time out in their first collective.
		default:
			klog.Warningf("rendezvous %s: rank %d gave up waiting, ranks %v never joined",
				rv.sessionID, req.Rank, rv.missingLocked(rv.joinedLocked()))
			delete(rv.members, req.Rank)
		}
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	rv.mu.Lock()
	defer rv.mu.Unlock()
	reply := &joinReply{SessionID: rv.sessionID, Members: make([]member, 0, rv.worldSize)}
	for _, m := range rv.members {
		reply.Members = append(reply.Members, m)
	}
	sort.Slice(reply.Members, func(i, j int) bool { return reply.Members[i].Rank < reply.Members[j].Rank })
	return reply, nil
}

// Round implements rendezvousService.
func (rv *rendezvous) Round(ctx context.Context, req *roundRequest) (*roundReply, error) {
	rv.mu.Lock()
	if rv.isAbortedLocked() {
		rv.mu.Unlock()
		return nil, rv.abortedStatus()
	}
	if err := rv.checkMemberLocked(req.SessionID, req.Rank); err != nil {
		rv.mu.Unlock()
		return nil, err
	}
	length := len(req.Values)
	if req.Compressed {
		length = len(req.Half)
	}
	r, found := rv.rounds[req.Seq]
	if !found {
		r = &round{
			seq:        req.Seq,
			op:         req.Op,
			source:     req.Source,
			length:     length,
			compressed: req.Compressed,
			arrived:    sets.Make[int](rv.worldSize),
			done:       make(chan struct{}),
		}
		if req.Op == opAllReduce {
			r.sum = make([]float64, length)
		}
		rv.rounds[req.Seq] = r
	} else if mismatch := r.mismatch(req, length); mismatch != "" {
		rv.abortLocked(fmt.Sprintf("rank %d: collective #%d mismatched: %s", req.Rank, req.Seq, mismatch))
		rv.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, mismatch)
	}
	if r.arrived.Has(req.Rank) {
		rv.mu.Unlock()
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d issued collective #%d twice", req.Rank, req.Seq)
	}
	r.arrived.Insert(req.Rank)
	r.accumulate(req)
	if len(r.arrived) == rv.worldSize {
		r.reply = r.combine(rv.worldSize)
		delete(rv.rounds, req.Seq)
		close(r.done)
	}
	rv.mu.Unlock()

	select {
	case <-r.done:
		return r.reply, nil
	case <-rv.aborted:
		select {
		case <-r.done:
			// Completed before the abort: the rank will notice the abort in its next collective.
			return r.reply, nil
		default:
		}
		return nil, rv.abortedStatus()
	case <-ctx.Done():
		rv.mu.Lock()
		klog.Warningf("rendezvous %s: rank %d gave up on collective #%d (%s), still waiting for ranks %v",
			rv.sessionID, req.Rank, req.Seq, req.Op, rv.missingLocked(r.arrived))
		rv.mu.Unlock()
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// joinedLocked returns the ranks that joined so far.
func (rv *rendezvous) joinedLocked() sets.Set[int] {
	joined := sets.Make[int](len(rv.members))
	for r := range rv.members {
		joined.Insert(r)
	}
	return joined
}

// missingLocked returns the ranks of the group not in present, in order.
func (rv *rendezvous) missingLocked(present sets.Set[int]) []int {
	return sets.Sorted(sets.Range(rv.worldSize).Sub(present))
}

// Leave implements rendezvousService.
func (rv *rendezvous) Leave(_ context.Context, req *leaveRequest) (*leaveReply, error) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if req.SessionID != rv.sessionID {
		return nil, status.Errorf(codes.InvalidArgument, "unknown session %q", req.SessionID)
	}
	if req.Abort {
		rv.abortLocked(fmt.Sprintf("rank %d aborted: %s", req.Rank, req.Reason))
	}
	rv.left.Insert(req.Rank)
	remaining := rv.worldSize - len(rv.left)
	if remaining == 0 {
		close(rv.allLeft)
	}
	klog.V(1).Infof("rendezvous %s: rank %d left, %d remaining", rv.sessionID, req.Rank, remaining)
	return &leaveReply{Remaining: remaining}, nil
}

func (rv *rendezvous) checkMemberLocked(sessionID string, rankIdx int) error {
	if sessionID != rv.sessionID {
		return status.Errorf(codes.InvalidArgument, "unknown session %q", sessionID)
	}
	if _, found := rv.members[rankIdx]; !found {
		return status.Errorf(codes.FailedPrecondition, "rank %d is not a member of the group", rankIdx)
	}
	if rv.left.Has(rankIdx) {
		return status.Errorf(codes.FailedPrecondition, "rank %d already left the group", rankIdx)
	}
	return nil
}

// waitAllLeft waits for every rank to leave, up to timeout. It returns whether they all did.
func (rv *rendezvous) waitAllLeft(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rv.allLeft:
		return true
	case <-rv.aborted:
		return false
	case <-timer.C:
		return false
	}
}

func (r *round) mismatch(req *roundRequest, length int) string {
	switch {
	case req.Op != r.op:
		return fmt.Sprintf("rank %d issued %s while others issued %s", req.Rank, req.Op, r.op)
	case req.Op == opBroadcast && req.Source != r.source:
		return fmt.Sprintf("rank %d broadcasts from rank %d while others from rank %d", req.Rank, req.Source, r.source)
	case req.Op == opAllReduce && length != r.length:
		return fmt.Sprintf("rank %d reduces %d values while others reduce %d", req.Rank, length, r.length)
	case req.Op == opAllReduce && req.Compressed != r.compressed:
		return fmt.Sprintf("rank %d compression setting differs from the others", req.Rank)
	}
	return ""
}

func (r *round) accumulate(req *roundRequest) {
	switch r.op {
	case opBroadcast:
		if req.Rank == r.source {
			r.payload = req.Payload
		}
	case opAllReduce:
		if r.compressed {
			for i, bits := range req.Half {
				r.sum[i] += float64(float16.Frombits(bits).Float32())
			}
		} else {
			for i, v := range req.Values {
				r.sum[i] += v
			}
		}
	}
}

func (r *round) combine(worldSize int) *roundReply {
	reply := &roundReply{}
	switch r.op {
	case opBroadcast:
		reply.Payload = r.payload
	case opAllReduce:
		for i := range r.sum {
			r.sum[i] /= float64(worldSize)
		}
		if r.compressed {
			reply.Half = encodeHalf(r.sum)
		} else {
			reply.Values = r.sum
		}
	}
	return reply
}

// serverInterceptor logs and counts the RPCs served by the rendezvous.
func serverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	reply, err := handler(ctx, req)
	method := path.Base(info.FullMethod)
	code := status.Code(err)
	telemetry.RendezvousRPCs.WithLabelValues(method, code.String()).Inc()
	if klog.V(3).Enabled() {
		klog.Infof("rendezvous %s: %s in %s", method, code, time.Since(start))
	}
	return reply, err
}
