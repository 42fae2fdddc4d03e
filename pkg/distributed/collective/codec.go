// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

// gobCodec is the gRPC codec used by the rendezvous: messages are plain Go structs encoded with encoding/gob,
// so no generated protobuf code is needed.
type gobCodec struct{}

// codecName is sent as the gRPC content-subtype.
const codecName = "ddpgob"

// Marshal implements encoding.Codec.
func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrapf(err, "failed to gob-encode %T", v)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements encoding.Codec.
func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrapf(err, "failed to gob-decode %T", v)
	}
	return nil
}

// Name implements encoding.Codec.
func (gobCodec) Name() string {
	return codecName
}

// Wire messages.

type joinRequest struct {
	Rank, LocalRank, LocalWorldSize, WorldSize int
	Hostname                                   string
}

type member struct {
	Rank, LocalRank, LocalWorldSize int
	Hostname                        string
}

type joinReply struct {
	SessionID string
	Members   []member
}

type roundRequest struct {
	SessionID string
	Rank      int
	Seq       uint64
	Op        opKind

	// Source is the broadcasting rank, only for broadcast.
	Source  int
	Payload []byte

	// Values to reduce. If Compressed, they are sent in Half instead, as float16 bits.
	Values     []float64
	Half       []uint16
	Compressed bool
}

type roundReply struct {
	Payload []byte
	Values  []float64
	Half    []uint16
}

type leaveRequest struct {
	SessionID string
	Rank      int
	Abort     bool
	Reason    string
}

type leaveReply struct {
	Remaining int
}

// rendezvousService is implemented by the server hosted on the main rank.
type rendezvousService interface {
	Join(ctx context.Context, req *joinRequest) (*joinReply, error)
	Round(ctx context.Context, req *roundRequest) (*roundReply, error)
	Leave(ctx context.Context, req *leaveRequest) (*leaveReply, error)
}

const serviceName = "ddp.collective.Rendezvous"

const (
	methodJoin  = "Join"
	methodRound = "Round"
	methodLeave = "Leave"
)

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// unaryHandler adapts a typed rendezvousService method to a grpc.MethodDesc.
func unaryHandler[Req, Reply any](method string, fn func(rendezvousService, context.Context, *Req) (*Reply, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(rendezvousService), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(rendezvousService), ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rendezvousService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodJoin, rendezvousService.Join),
		unaryHandler(methodRound, rendezvousService.Round),
		unaryHandler(methodLeave, rendezvousService.Leave),
	},
	Metadata: "ddp/collective",
}
