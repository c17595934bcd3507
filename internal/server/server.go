// Package server exposes the download queue over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/dlqueue/internal/admission"
	"github.com/ChuLiYu/dlqueue/internal/controller"
	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// Queue is the controller API the service needs.
type Queue interface {
	EnqueueDownload(ctx context.Context, req types.Request) (bool, error)
	Status(ctx context.Context) (controller.Status, error)
	ClearPending(ctx context.Context) error
	ClearFinished(ctx context.Context, withRecords bool) error
	RemoveFinished(ctx context.Context, downloadID int64, withRecords bool) (bool, error)
}

// Canceller stops an active transfer by target name.
type Canceller interface {
	Cancel(target string) bool
}

// ProgressReply is one row of the progress table.
type ProgressReply struct {
	Target       string              `json:"target"`
	URL          string              `json:"url"`
	RecordID     int64               `json:"record_id"`
	State        types.DownloadState `json:"state"`
	CurrentBytes int64               `json:"current_bytes"`
	TotalBytes   int64               `json:"total_bytes"`
	Error        string              `json:"error,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// StatusReply is the payload of the Status RPC.
type StatusReply struct {
	Uptime   string                 `json:"uptime"`
	Pending  int                    `json:"pending"`
	Launched int                    `json:"launched"`
	Running  int                    `json:"running"`
	Finished int                    `json:"finished"`
	LastID   uint64                 `json:"last_id"`
	Items    map[string][]ItemReply `json:"items"`
	Progress []ProgressReply        `json:"progress"`
}

// ItemReply is one queue item.
type ItemReply struct {
	ID         uint64 `json:"id"`
	URL        string `json:"url"`
	Target     string `json:"target"`
	DownloadID int64  `json:"download_id,omitempty"`
}

// Server implements DownloadQueueServer on top of the controller.
type Server struct {
	queue    Queue
	canceler Canceller
	log      zerolog.Logger
}

var _ DownloadQueueServer = (*Server)(nil)

// New creates the service. canceler may be nil, in which case Cancel is
// unimplemented.
func New(queue Queue, canceler Canceller) *Server {
	return &Server{queue: queue, canceler: canceler, log: logger.With("server")}
}

// Enqueue adds a download request.
func (s *Server) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.Request
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if req.FileName == "" {
		return nil, status.Error(codes.InvalidArgument, "file_name is required")
	}

	accepted, err := s.queue.EnqueueDownload(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"accepted": accepted})
}

// Status returns counters, the content of every set and the progress table.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.queue.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(statusReply(st))
}

func (s *Server) ClearPending(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.queue.ClearPending(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ClearFinished(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	withRecords := in.GetFields()["with_records"].GetBoolValue()
	if err := s.queue.ClearFinished(ctx, withRecords); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) RemoveFinished(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	id := int64(fields["download_id"].GetNumberValue())
	if id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "download_id must be positive")
	}
	removed, err := s.queue.RemoveFinished(ctx, id, fields["with_records"].GetBoolValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"removed": removed})
}

// Cancel stops the active transfer of a target.
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.canceler == nil {
		return nil, status.Error(codes.Unimplemented, "cancel is not available")
	}
	target := in.GetFields()["target"].GetStringValue()
	if target == "" {
		return nil, status.Error(codes.InvalidArgument, "target is required")
	}
	return structpb.NewStruct(map[string]any{"cancelled": s.canceler.Cancel(target)})
}

// ListenAndServe serves the service on addr until ctx is done, then stops
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	RegisterDownloadQueueServer(gs, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		s.log.Info().Msg("gRPC server stopped")
		return nil
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc")
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrStopped), errors.Is(err, controller.ErrNotStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func statusReply(st controller.Status) StatusReply {
	r := StatusReply{
		Uptime:   st.Uptime.Round(time.Second).String(),
		Pending:  st.Stats.Pending,
		Launched: st.Stats.Launched,
		Running:  st.Stats.Running,
		Finished: st.Stats.Finished,
		LastID:   st.Stats.LastID,
		Items: map[string][]ItemReply{
			"pending":  items(st.View.Pending),
			"launched": items(st.View.Launched),
			"running":  items(st.View.Running),
			"finished": items(st.View.Finished),
		},
		Progress: make([]ProgressReply, 0, len(st.View.Progress)),
	}
	for _, p := range st.View.Progress {
		r.Progress = append(r.Progress, progressReply(p))
	}
	return r
}

func items(in []types.QueueItem) []ItemReply {
	out := make([]ItemReply, len(in))
	for i, it := range in {
		out[i] = ItemReply{ID: it.ID, URL: it.Request.URL, Target: it.Request.TargetName(), DownloadID: it.DownloadID}
	}
	return out
}

func progressReply(p admission.Progress) ProgressReply {
	return ProgressReply{
		Target:       p.Request.TargetName(),
		URL:          p.Request.URL,
		RecordID:     p.RecordID,
		State:        p.State,
		CurrentBytes: p.CurrentBytes,
		TotalBytes:   p.TotalBytes,
		Error:        p.Error,
		UpdatedAt:    p.UpdatedAt,
	}
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// decode fills v from a Struct through its JSON form.
func decode(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
