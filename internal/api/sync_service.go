package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Engine is the part of the sync engine the service exposes.
type Engine interface {
	Connect(ctx context.Context, sess model.Session) error
	Disconnect()
	Logout()
	SendMessage(conversationID, text string) (string, error)
	MarkRead(conversationID, messageID string) error
	SetTyping(conversationID string, typing bool) error
	SetPresence(st model.PresenceStatus) error
	DeleteMessage(conversationID, messageID string) error
	RetryMessage(messageID string) (string, error)
	SyncConversation(conversationID string) error
	Conversation(id string) (intsync.ConversationView, bool)
	Conversations() []intsync.ConversationView
	Presence(userID string) (model.Presence, bool)
	Typing(conversationID string) []string
	Status() status.State
	Session() (model.Session, bool)
	Pending() int
	Buffered() int
}

// Authenticator exchanges credentials for a session.
type Authenticator interface {
	Login(ctx context.Context, userID, password string) (model.Session, error)
}

// SyncService implements chatsync.v1.SyncService over the engine.
type SyncService struct {
	sessionName string
	startedAt   time.Time
	engine      Engine
	auth        Authenticator
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewSyncService creates the service. auth may be nil, in which case Login
// is unavailable.
func NewSyncService(sessionName string, engine Engine, auth Authenticator, b *bus.Bus, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		engine:      engine,
		auth:        auth,
		bus:         b,
		logger:      logger,
	}
}

var okReply = &structpb.Struct{Fields: map[string]*structpb.Value{"ok": structpb.NewBoolValue(true)}}

func (s *SyncService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.auth == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "backend not configured")
	}
	userID, err := required(req, "user_id")
	if err != nil {
		return nil, err
	}
	sess, err := s.auth.Login(ctx, userID, str(req, "password"))
	if err != nil {
		return nil, toStatus("login", err)
	}
	if err := s.engine.Connect(ctx, sess); err != nil {
		return nil, toStatus("connect", err)
	}
	return structpb.NewStruct(map[string]any{"user_id": sess.UserID})
}

func (s *SyncService) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.engine.Logout()
	return okReply, nil
}

// Connect reconnects with the stored session.
func (s *SyncService) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sess, found := s.engine.Session()
	if !found {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "not logged in")
	}
	if err := s.engine.Connect(ctx, sess); err != nil {
		return nil, toStatus("connect", err)
	}
	return structpb.NewStruct(map[string]any{"state": string(s.engine.Status())})
}

func (s *SyncService) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.engine.Disconnect()
	return okReply, nil
}

func (s *SyncService) SendMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.engine.SendMessage(str(req, "conversation_id"), str(req, "text"))
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return structpb.NewStruct(map[string]any{"client_id": id})
}

func (s *SyncService) MarkRead(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.MarkRead(str(req, "conversation_id"), str(req, "message_id")); err != nil {
		return nil, toStatus("mark read", err)
	}
	return okReply, nil
}

func (s *SyncService) SetTyping(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	typing := req.GetFields()["typing"].GetBoolValue()
	if err := s.engine.SetTyping(str(req, "conversation_id"), typing); err != nil {
		return nil, toStatus("set typing", err)
	}
	return okReply, nil
}

func (s *SyncService) SetPresence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.SetPresence(model.PresenceStatus(str(req, "status"))); err != nil {
		return nil, toStatus("set presence", err)
	}
	return okReply, nil
}

func (s *SyncService) DeleteMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.DeleteMessage(str(req, "conversation_id"), str(req, "message_id")); err != nil {
		return nil, toStatus("delete message", err)
	}
	return okReply, nil
}

func (s *SyncService) RetryMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.engine.RetryMessage(str(req, "message_id"))
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	return structpb.NewStruct(map[string]any{"client_id": id})
}

// SyncConversation asks the backend for one conversation's newer history.
func (s *SyncService) SyncConversation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.SyncConversation(str(req, "conversation_id")); err != nil {
		return nil, toStatus("sync conversation", err)
	}
	return okReply, nil
}

func (s *SyncService) GetConversation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	v, found := s.engine.Conversation(id)
	if !found {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", id)
	}
	return toStruct(conversationOut(v, s.engine.Typing(id)))
}

func (s *SyncService) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	views := s.engine.Conversations()
	out := make([]conversationSummary, 0, len(views))
	for _, v := range views {
		out = append(out, summarize(v))
	}
	return toStruct(map[string]any{"conversations": out})
}

func (s *SyncService) GetPresence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := required(req, "user_id")
	if err != nil {
		return nil, err
	}
	p, found := s.engine.Presence(userID)
	if !found {
		return nil, grpcstatus.Errorf(codes.NotFound, "no presence for %q", userID)
	}
	return toStruct(p)
}

func (s *SyncService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":         s.sessionName,
		"state":           string(s.engine.Status()),
		"conversations":   len(s.engine.Conversations()),
		"pending_tasks":   s.engine.Pending(),
		"buffered_frames": s.engine.Buffered(),
		"uptime_ms":       time.Since(s.startedAt).Milliseconds(),
	}
	if sess, found := s.engine.Session(); found {
		resp["user_id"] = sess.UserID
	}
	return structpb.NewStruct(resp)
}

// Watch streams bus events whose topic starts with the requested prefix
// until the client goes away. Events are dropped for a client that falls
// 256 behind.
func (s *SyncService) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(str(req, "topic"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(envelope{
				EventID:          evt.ID,
				Session:          s.sessionName,
				Topic:            evt.Topic,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          evt.Payload,
			})
			if err != nil {
				s.logger.Warn("unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps engine and backend errors onto gRPC codes.
func toStatus(op string, err error) error {
	var (
		validationErr *model.ValidationError
		authErr       *model.AuthError
		netErr        *model.NetworkError
	)
	switch {
	case errors.As(err, &validationErr):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.As(err, &authErr):
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.As(err, &netErr):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	}
	return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
}
