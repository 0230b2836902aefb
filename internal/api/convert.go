package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/model"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func required(req *structpb.Struct, key string) (string, error) {
	v := str(req, key)
	if strings.TrimSpace(v) == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// toStruct converts v to a Struct through its JSON form, so the wire shape
// follows the model's json tags.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// FromStruct decodes a Struct into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return json.Unmarshal(data, v)
}

type envelope struct {
	EventID          string `json:"event_id"`
	Session          string `json:"session"`
	Topic            string `json:"topic"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Payload          any    `json:"payload,omitempty"`
}

type conversationDetail struct {
	intsync.ConversationView
	Typing []string `json:"typing,omitempty"`
}

func conversationOut(v intsync.ConversationView, typing []string) conversationDetail {
	return conversationDetail{ConversationView: v, Typing: typing}
}

// conversationSummary is a list entry without the message history.
type conversationSummary struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	UnreadCount  int            `json:"unread_count"`
	LastReadAt   time.Time      `json:"last_read_at,omitzero"`
	LastMessage  *model.Message `json:"last_message,omitempty"`
}

func summarize(v intsync.ConversationView) conversationSummary {
	s := conversationSummary{
		ID:           v.ID,
		Participants: v.Participants,
		UnreadCount:  v.UnreadCount,
		LastReadAt:   v.LastReadAt,
	}
	if m, ok := v.LastMessage(); ok {
		s.LastMessage = &m
	}
	return s
}
