package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// every websocket message is one json envelope:
//
//	{"event": "<event type>", "payload": {...}}
//
// event types mirror the wire names used by the room server.
type EventType string

const (
	// client to server
	EventJoinRoom        EventType = "join_room"
	EventLeaveRoom       EventType = "leave_room"
	EventPing            EventType = "ping"
	EventCursorMove      EventType = "cursor_move"
	EventContentChange   EventType = "content_change"
	EventCommentAdd      EventType = "comment_add"
	EventCommentUpdate   EventType = "comment_update"
	EventCommentDelete   EventType = "comment_delete"
	EventCommentResolve  EventType = "comment_resolve"
	EventChatSend        EventType = "chat_send"
	EventChatFileSend    EventType = "chat_file_send"
	EventLockAcquire     EventType = "lock_acquire"
	EventLockRelease     EventType = "lock_release"
	EventRoleSet         EventType = "role_set"
	EventUserBlock       EventType = "user_block"
	EventUserUnblock     EventType = "user_unblock"
	EventUserKick        EventType = "user_kick"
	EventPresenceRequest EventType = "presence_request"

	// server to client
	EventRoomState       EventType = "room_state"
	EventError           EventType = "error"
	EventPong            EventType = "pong"
	EventCursorMoved     EventType = "cursor_moved"
	EventContentChanged  EventType = "content_changed"
	EventCommentAdded    EventType = "comment_added"
	EventCommentUpdated  EventType = "comment_updated"
	EventCommentDeleted  EventType = "comment_deleted"
	EventCommentResolved EventType = "comment_resolved"
	EventChatMessage     EventType = "chat_message"
	EventChatFile        EventType = "chat_file"
	EventLockAcquired    EventType = "lock_acquired"
	EventLockReleased    EventType = "lock_released"
	EventLockDenied      EventType = "lock_denied"
	EventRoleChanged     EventType = "role_changed"
	EventUserKicked      EventType = "user_kicked"
	EventPresenceUpdated EventType = "presence_updated"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"

	// both directions. the server re-stamps `user_id` before rebroadcast.
	EventChatReaction EventType = "chat_reaction"
)

const (
	ErrorCodeJoinDenied = "join_denied"
	ErrorCodeForbidden  = "forbidden"
	ErrorCodeBadRequest = "bad_request"
)

type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinRoom struct {
	RoomId      string `json:"room_id"`
	User        *User  `json:"user"`
	Password    string `json:"password,omitempty"`
	InviteToken string `json:"invite_token,omitempty"`
}

type LeaveRoom struct {
	RoomId string `json:"room_id"`
}

type Ping struct {
	SendTime int64 `json:"send_time"`
}

type Pong struct {
	SendTime int64 `json:"send_time"`
}

type CursorMove struct {
	RoomId   string   `json:"room_id"`
	Position Position `json:"position"`
}

type CursorMoved struct {
	UserId   Id        `json:"user_id"`
	Position Position  `json:"position"`
	MoveTime time.Time `json:"move_time"`
}

type ContentChangePublish struct {
	RoomId string         `json:"room_id"`
	Change *ContentChange `json:"change"`
}

type ContentChanged struct {
	Change *ContentChange `json:"change"`
}

type CommentAdd struct {
	RoomId   string `json:"room_id"`
	StepId   string `json:"step_id"`
	Content  string `json:"content"`
	Mentions []Id   `json:"mentions,omitempty"`
	ParentId *Id    `json:"parent_id,omitempty"`
}

type CommentAdded struct {
	Comment *StepComment `json:"comment"`
}

type CommentUpdate struct {
	RoomId    string `json:"room_id"`
	StepId    string `json:"step_id"`
	CommentId Id     `json:"comment_id"`
	Content   string `json:"content"`
	Mentions  []Id   `json:"mentions,omitempty"`
}

type CommentUpdated struct {
	StepId    string `json:"step_id"`
	CommentId Id     `json:"comment_id"`
	Content   string `json:"content"`
	Mentions  []Id   `json:"mentions,omitempty"`
}

type CommentDelete struct {
	RoomId    string `json:"room_id"`
	StepId    string `json:"step_id"`
	CommentId Id     `json:"comment_id"`
}

type CommentDeleted struct {
	StepId    string `json:"step_id"`
	CommentId Id     `json:"comment_id"`
}

type CommentResolve struct {
	RoomId    string `json:"room_id"`
	StepId    string `json:"step_id"`
	CommentId Id     `json:"comment_id"`
	Resolved  bool   `json:"resolved"`
}

type CommentResolved struct {
	StepId    string `json:"step_id"`
	CommentId Id     `json:"comment_id"`
	Resolved  bool   `json:"resolved"`
}

type ChatSend struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
}

type ChatFileSend struct {
	RoomId      string            `json:"room_id"`
	TransferId  Id                `json:"transfer_id"`
	Content     string            `json:"content,omitempty"`
	Attachments []*ChatAttachment `json:"attachments"`
}

// broadcast to the room when a file send lands.
// the sender matches `TransferId` against its pending transfers.
type ChatFileDelivered struct {
	TransferId Id           `json:"transfer_id"`
	Message    *ChatMessage `json:"message"`
}

type ChatReaction struct {
	RoomId    string `json:"room_id"`
	MessageId Id     `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserId    Id     `json:"user_id"`
}

type LockAcquire struct {
	RoomId     string `json:"room_id"`
	ResourceId string `json:"resource_id"`
}

type LockRelease struct {
	RoomId     string `json:"room_id"`
	ResourceId string `json:"resource_id"`
}

type LockAcquired struct {
	Lock *LockInfo `json:"lock"`
}

type LockReleased struct {
	ResourceId string `json:"resource_id"`
	OwnerId    Id     `json:"owner_id"`
}

type LockDenied struct {
	ResourceId string `json:"resource_id"`
	OwnerId    Id     `json:"owner_id"`
}

type RoleSet struct {
	RoomId string `json:"room_id"`
	UserId Id     `json:"user_id"`
	Role   Role   `json:"role"`
}

type RoleChanged struct {
	UserId Id   `json:"user_id"`
	Role   Role `json:"role"`
}

type UserBlock struct {
	RoomId string `json:"room_id"`
	UserId Id     `json:"user_id"`
}

type UserUnblock struct {
	RoomId string `json:"room_id"`
	UserId Id     `json:"user_id"`
}

type UserKick struct {
	RoomId string `json:"room_id"`
	UserId Id     `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type UserKicked struct {
	UserId Id     `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type PresenceRequest struct {
	RoomId string `json:"room_id"`
}

type PresenceUpdated struct {
	Users []*User `json:"users"`
}

type UserJoined struct {
	User *User `json:"user"`
}

type UserLeft struct {
	UserId Id `json:"user_id"`
}

type RoomState struct {
	Room  *Room       `json:"room"`
	You   *User       `json:"you"`
	Users []*User     `json:"users"`
	Locks []*LockInfo `json:"locks,omitempty"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func ToEnvelope(message any) (*Envelope, error) {
	var eventType EventType
	switch v := message.(type) {
	case *JoinRoom:
		eventType = EventJoinRoom
	case *LeaveRoom:
		eventType = EventLeaveRoom
	case *Ping:
		eventType = EventPing
	case *Pong:
		eventType = EventPong
	case *CursorMove:
		eventType = EventCursorMove
	case *CursorMoved:
		eventType = EventCursorMoved
	case *ContentChangePublish:
		eventType = EventContentChange
	case *ContentChanged:
		eventType = EventContentChanged
	case *CommentAdd:
		eventType = EventCommentAdd
	case *CommentAdded:
		eventType = EventCommentAdded
	case *CommentUpdate:
		eventType = EventCommentUpdate
	case *CommentUpdated:
		eventType = EventCommentUpdated
	case *CommentDelete:
		eventType = EventCommentDelete
	case *CommentDeleted:
		eventType = EventCommentDeleted
	case *CommentResolve:
		eventType = EventCommentResolve
	case *CommentResolved:
		eventType = EventCommentResolved
	case *ChatSend:
		eventType = EventChatSend
	case *ChatMessage:
		eventType = EventChatMessage
	case *ChatFileSend:
		eventType = EventChatFileSend
	case *ChatFileDelivered:
		eventType = EventChatFile
	case *ChatReaction:
		eventType = EventChatReaction
	case *LockAcquire:
		eventType = EventLockAcquire
	case *LockRelease:
		eventType = EventLockRelease
	case *LockAcquired:
		eventType = EventLockAcquired
	case *LockReleased:
		eventType = EventLockReleased
	case *LockDenied:
		eventType = EventLockDenied
	case *RoleSet:
		eventType = EventRoleSet
	case *RoleChanged:
		eventType = EventRoleChanged
	case *UserBlock:
		eventType = EventUserBlock
	case *UserUnblock:
		eventType = EventUserUnblock
	case *UserKick:
		eventType = EventUserKick
	case *UserKicked:
		eventType = EventUserKicked
	case *PresenceRequest:
		eventType = EventPresenceRequest
	case *PresenceUpdated:
		eventType = EventPresenceUpdated
	case *UserJoined:
		eventType = EventUserJoined
	case *UserLeft:
		eventType = EventUserLeft
	case *RoomState:
		eventType = EventRoomState
	case *ErrorNotice:
		eventType = EventError
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Event:   eventType,
		Payload: b,
	}, nil
}

func RequireToEnvelope(message any) *Envelope {
	envelope, err := ToEnvelope(message)
	if err != nil {
		panic(err)
	}
	return envelope
}

func FromEnvelope(envelope *Envelope) (any, error) {
	var message any
	switch envelope.Event {
	case EventJoinRoom:
		message = &JoinRoom{}
	case EventLeaveRoom:
		message = &LeaveRoom{}
	case EventPing:
		message = &Ping{}
	case EventPong:
		message = &Pong{}
	case EventCursorMove:
		message = &CursorMove{}
	case EventCursorMoved:
		message = &CursorMoved{}
	case EventContentChange:
		message = &ContentChangePublish{}
	case EventContentChanged:
		message = &ContentChanged{}
	case EventCommentAdd:
		message = &CommentAdd{}
	case EventCommentAdded:
		message = &CommentAdded{}
	case EventCommentUpdate:
		message = &CommentUpdate{}
	case EventCommentUpdated:
		message = &CommentUpdated{}
	case EventCommentDelete:
		message = &CommentDelete{}
	case EventCommentDeleted:
		message = &CommentDeleted{}
	case EventCommentResolve:
		message = &CommentResolve{}
	case EventCommentResolved:
		message = &CommentResolved{}
	case EventChatSend:
		message = &ChatSend{}
	case EventChatMessage:
		message = &ChatMessage{}
	case EventChatFileSend:
		message = &ChatFileSend{}
	case EventChatFile:
		message = &ChatFileDelivered{}
	case EventChatReaction:
		message = &ChatReaction{}
	case EventLockAcquire:
		message = &LockAcquire{}
	case EventLockRelease:
		message = &LockRelease{}
	case EventLockAcquired:
		message = &LockAcquired{}
	case EventLockReleased:
		message = &LockReleased{}
	case EventLockDenied:
		message = &LockDenied{}
	case EventRoleSet:
		message = &RoleSet{}
	case EventRoleChanged:
		message = &RoleChanged{}
	case EventUserBlock:
		message = &UserBlock{}
	case EventUserUnblock:
		message = &UserUnblock{}
	case EventUserKick:
		message = &UserKick{}
	case EventUserKicked:
		message = &UserKicked{}
	case EventPresenceRequest:
		message = &PresenceRequest{}
	case EventPresenceUpdated:
		message = &PresenceUpdated{}
	case EventUserJoined:
		message = &UserJoined{}
	case EventUserLeft:
		message = &UserLeft{}
	case EventRoomState:
		message = &RoomState{}
	case EventError:
		message = &ErrorNotice{}
	default:
		return nil, fmt.Errorf("Unknown event type: %s", envelope.Event)
	}
	err := json.Unmarshal(envelope.Payload, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeMessage(message any) ([]byte, error) {
	envelope, err := ToEnvelope(message)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(envelope)
	return b, err
}

func RequireEncodeMessage(message any) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessage(b []byte) (any, error) {
	envelope := &Envelope{}
	err := json.Unmarshal(b, envelope)
	if err != nil {
		return nil, err
	}
	return FromEnvelope(envelope)
}
