// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective implements the communication group of a distributed training run: joining the group,
// barriers, broadcasts and all-reduce averages.
//
// The main rank (rank 0) hosts the rendezvous, a small gRPC service listening on MASTER_ADDR:MASTER_PORT,
// in its own process. All ranks, including rank 0, talk to it as clients. Every collective operation is
// a synchronous round with a deadline: it completes on every rank once all ranks have issued it, or fails
// on every rank. There are no retries, any failure is fatal for the run.
//
// A Session is not meant to be used concurrently: collectives are ordered by a per-session sequence number
// and every rank must issue the same collectives in the same order.
package collective

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gomlx/ddp/internal/telemetry"
	"github.com/gomlx/ddp/pkg/distributed/rank"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

// Phase of a Session. It only moves forward: Unjoined -> Joined -> Closed.
type Phase int

const (
	Unjoined Phase = iota
	Joined
	Closed
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Unjoined:
		return "Unjoined"
	case Joined:
		return "Joined"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

type opKind string

const (
	opJoin      opKind = "join"
	opBarrier   opKind = "barrier"
	opBroadcast opKind = "broadcast"
	opAllReduce opKind = "all_reduce"
	opLeave     opKind = "leave"
)

// leaveTimeout bounds the Leave call made when aborting.
const leaveTimeout = 5 * time.Second

// Session is the membership of this process in the training group.
type Session struct {
	id   rank.Identity
	opts options

	conn       *grpc.ClientConn
	server     *grpc.Server
	rendezvous *rendezvous

	mu        sync.Mutex
	phase     Phase
	seq       uint64
	sessionID string
	members   []rank.Identity
}

// Join the training group described by id, blocking until all id.WorldSize ranks joined or the join timeout
// elapsed, in which case it returns a *JoinTimeoutError.
//
// If id is the main rank, Join also starts the rendezvous service, which lives as long as the Session.
func Join(ctx context.Context, id rank.Identity, opts ...Option) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s := &Session{id: id, opts: defaultOptions()}
	for _, opt := range opts {
		opt(&s.opts)
	}

	target := id.Rendezvous.Address()
	if id.IsMain() {
		var err error
		target, err = s.serve()
		if err != nil {
			return nil, err
		}
	}

	// Only Join waits for the rendezvous to come up: once the group formed, an unreachable rendezvous
	// means the main rank is gone, and collectives fail right away.
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(gobCodec{}),
			grpc.WaitForReady(true),
			grpc.MaxCallRecvMsgSize(s.opts.maxMessageSize),
			grpc.MaxCallSendMsgSize(s.opts.maxMessageSize),
		))
	if err != nil {
		s.stopServer(0)
		return nil, errors.Wrapf(err, "failed to create rendezvous client for %s", target)
	}
	s.conn = conn

	hostname, _ := os.Hostname()
	req := &joinRequest{
		Rank:           id.Rank,
		LocalRank:      id.LocalRank,
		LocalWorldSize: id.LocalWorldSize,
		WorldSize:      id.WorldSize,
		Hostname:       hostname,
	}
	start := time.Now()
	joinCtx, cancel := context.WithTimeout(ctx, s.opts.joinTimeout)
	defer cancel()
	reply := &joinReply{}
	err = s.conn.Invoke(joinCtx, fullMethod(methodJoin), req, reply)
	if err != nil {
		err = joinStatusToError(err, id, s.opts.joinTimeout)
		telemetry.RecordCollective(string(opJoin), time.Since(start), statusLabel(err))
		klog.Errorf("[%s] failed to join: %v", id, err)
		_ = s.conn.Close()
		s.stopServer(0)
		return nil, err
	}
	telemetry.RecordCollective(string(opJoin), time.Since(start), statusLabel(nil))

	s.sessionID = reply.SessionID
	s.members = make([]rank.Identity, 0, len(reply.Members))
	for _, m := range reply.Members {
		s.members = append(s.members, rank.Identity{
			Rank: m.Rank, LocalRank: m.LocalRank, LocalWorldSize: m.LocalWorldSize,
			WorldSize: id.WorldSize, Rendezvous: id.Rendezvous,
		})
	}
	s.phase = Joined
	klog.V(1).Infof("[%s] joined session %s in %s", id, s.sessionID, time.Since(start))
	return s, nil
}

// serve starts the rendezvous service and returns the address this process should dial to reach it.
func (s *Session) serve() (string, error) {
	lis := s.opts.listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.id.Rendezvous.Port)))
		if err != nil {
			return "", errors.Wrapf(err, "failed to listen on rendezvous port %d", s.id.Rendezvous.Port)
		}
	}
	s.rendezvous = newRendezvous(s.id.WorldSize)
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(gobCodec{}),
		grpc.MaxRecvMsgSize(s.opts.maxMessageSize),
		grpc.MaxSendMsgSize(s.opts.maxMessageSize),
		grpc.ChainUnaryInterceptor(serverInterceptor),
	)
	s.server.RegisterService(&rendezvousServiceDesc, s.rendezvous)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			klog.Errorf("rendezvous server on %s stopped: %v", lis.Addr(), err)
		}
	}()
	klog.V(1).Infof("[%s] rendezvous listening on %s", s.id, lis.Addr())

	if tcpAddr, ok := lis.Addr().(*net.TCPAddr); ok {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(tcpAddr.Port)), nil
	}
	return lis.Addr().String(), nil
}

// stopServer stops the rendezvous service, if this process hosts it. It waits up to grace for in-flight
// RPCs to finish.
func (s *Session) stopServer(grace time.Duration) {
	if s.server == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.server.Stop()
		<-done
	}
	s.server = nil
}

// Identity of this rank.
func (s *Session) Identity() rank.Identity { return s.id }

// ID is the unique identifier of the group, chosen by the main rank when the group formed.
func (s *Session) ID() string { return s.sessionID }

// Members of the group, sorted by rank, as reported when the group formed.
func (s *Session) Members() []rank.Identity { return s.members }

// Timeout is the time limit of each collective operation.
func (s *Session) Timeout() time.Duration { return s.opts.timeout }

// Phase of the session.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// round runs one collective round, filling in the session and sequence number of req.
func (s *Session) round(ctx context.Context, req *roundRequest) (*roundReply, error) {
	s.mu.Lock()
	if s.phase != Joined {
		phase := s.phase
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrNotJoined, "%s in phase %s", req.Op, phase)
	}
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	req.SessionID = s.sessionID
	req.Rank = s.id.Rank
	req.Seq = seq
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	reply := &roundReply{}
	err := s.conn.Invoke(opCtx, fullMethod(methodRound), req, reply, grpc.WaitForReady(false))
	err = statusToError(err, req.Op, seq, s.opts.timeout)
	telemetry.RecordCollective(string(req.Op), time.Since(start), statusLabel(err))
	if err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("[%s] %s #%d done in %s", s.id, req.Op, seq, time.Since(start))
	}
	return reply, nil
}

// Barrier blocks until every rank reached it.
func (s *Session) Barrier(ctx context.Context) error {
	_, err := s.round(ctx, &roundRequest{Op: opBarrier})
	return err
}

// Broadcast returns the value given by sourceRank on every rank. The value passed by the other ranks is ignored.
func (s *Session) Broadcast(ctx context.Context, value []byte, sourceRank int) ([]byte, error) {
	if sourceRank < 0 || sourceRank >= s.id.WorldSize {
		return nil, errors.Errorf("broadcast source rank %d out of range [0, %d)", sourceRank, s.id.WorldSize)
	}
	req := &roundRequest{Op: opBroadcast, Source: sourceRank}
	if s.id.Rank == sourceRank {
		req.Payload = value
	}
	reply, err := s.round(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// AllReduceAverage returns, on every rank, the element-wise average of buf over all ranks.
// All ranks must pass buffers of the same length.
func (s *Session) AllReduceAverage(ctx context.Context, buf []float64) ([]float64, error) {
	req := &roundRequest{Op: opAllReduce}
	if s.opts.compression == CompressionFloat16 {
		req.Compressed = true
		req.Half = encodeHalf(buf)
	} else {
		req.Values = buf
	}
	reply, err := s.round(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Compressed {
		return decodeHalf(reply.Half), nil
	}
	if reply.Values == nil {
		// gob doesn't distinguish an empty slice from nil.
		return []float64{}, nil
	}
	return reply.Values, nil
}

// AllReduceAverageOf is AllReduceAverage for any numeric slice. The average is returned as float64.
func AllReduceAverageOf[T constraints.Integer | constraints.Float](ctx context.Context, s *Session, values []T) ([]float64, error) {
	buf := make([]float64, len(values))
	for i, v := range values {
		buf[i] = float64(v)
	}
	return s.AllReduceAverage(ctx, buf)
}

// BroadcastObject gob-encodes *value on sourceRank and decodes it into *value on every other rank.
func BroadcastObject[T any](ctx context.Context, s *Session, value *T, sourceRank int) error {
	var payload []byte
	if s.id.Rank == sourceRank {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(value); err != nil {
			return errors.Wrapf(err, "failed to encode %T for broadcast", value)
		}
		payload = buf.Bytes()
	}
	payload, err := s.Broadcast(ctx, payload, sourceRank)
	if err != nil {
		return err
	}
	if s.id.Rank == sourceRank {
		return nil
	}
	var decoded T
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&decoded); err != nil {
		return errors.Wrapf(err, "failed to decode broadcast %T", value)
	}
	*value = decoded
	return nil
}

// Close leaves the group. It is idempotent.
//
// On the main rank it waits, up to the collective timeout, for the other ranks to leave before stopping
// the rendezvous.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase != Joined {
		s.mu.Unlock()
		return nil
	}
	s.phase = Closed
	s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()
	err := s.conn.Invoke(ctx, fullMethod(methodLeave), &leaveRequest{SessionID: s.sessionID, Rank: s.id.Rank}, &leaveReply{},
		grpc.WaitForReady(false))
	err = statusToError(err, opLeave, s.seq, s.opts.timeout)
	telemetry.RecordCollective(string(opLeave), time.Since(start), statusLabel(err))
	if s.rendezvous != nil {
		if !s.rendezvous.waitAllLeft(s.opts.timeout) {
			klog.Warningf("[%s] not all ranks left session %s before shutting down the rendezvous", s.id, s.sessionID)
		}
	}
	_ = s.conn.Close()
	s.stopServer(leaveTimeout)
	if err != nil {
		return errors.WithMessagef(err, "failed to leave session %s", s.sessionID)
	}
	klog.V(1).Infof("[%s] left session %s", s.id, s.sessionID)
	return nil
}

// Abort tears down this rank's membership and marks the group as aborted, so the other ranks' pending and
// future collectives fail with a *GroupAbortedError instead of waiting for their timeout.
// It is idempotent and never blocks for more than a few seconds.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	if s.phase != Joined {
		s.mu.Unlock()
		return
	}
	s.phase = Closed
	s.mu.Unlock()

	klog.Warningf("[%s] aborting session %s: %s", s.id, s.sessionID, reason)
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	req := &leaveRequest{SessionID: s.sessionID, Rank: s.id.Rank, Abort: true, Reason: reason}
	if err := s.conn.Invoke(ctx, fullMethod(methodLeave), req, &leaveReply{}, grpc.WaitForReady(false)); err != nil {
		klog.V(1).Infof("[%s] failed to notify abort: %v", s.id, err)
	}
	_ = s.conn.Close()
	s.stopServer(leaveTimeout)
}

func encodeHalf(values []float64) []uint16 {
	half := make([]uint16, len(values))
	for i, v := range values {
		half[i] = float16.Fromfloat32(float32(v)).Bits()
	}
	return half
}

func decodeHalf(half []uint16) []float64 {
	values := make([]float64, len(half))
	for i, bits := range half {
		values[i] = float64(float16.Frombits(bits).Float32())
	}
	return values
}
