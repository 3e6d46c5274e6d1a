package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// use this type when counting bytes
type ByteCount = int64

// pixel coordinates relative to the tracked surface origin
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type User struct {
	UserId      Id        `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color,omitempty"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Role        Role      `json:"role,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

func (self *User) Copy() *User {
	user := *self
	return &user
}

type UserCursor struct {
	UserId     Id        `json:"user_id"`
	Position   Position  `json:"position"`
	User       *User     `json:"user,omitempty"`
	UpdateTime time.Time `json:"update_time"`
}

type ContentChangeKind string

const (
	ContentChangeInsert  ContentChangeKind = "insert"
	ContentChangeDelete  ContentChangeKind = "delete"
	ContentChangeReplace ContentChangeKind = "replace"
)

// a minimal edit against the text of one tracked element.
// `Position` and `Length` address the text before the change.
type ContentChange struct {
	Kind       ContentChangeKind `json:"kind"`
	TargetId   string            `json:"target_id"`
	Position   int               `json:"position"`
	Length     int               `json:"length,omitempty"`
	Content    string            `json:"content,omitempty"`
	UserId     Id                `json:"user_id"`
	ChangeTime time.Time         `json:"change_time"`
}

type Room struct {
	RoomId   string            `json:"room_id"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type LockInfo struct {
	ResourceId  string    `json:"resource_id"`
	OwnerId     Id        `json:"owner_id"`
	AcquireTime time.Time `json:"acquire_time"`
}

type StepComment struct {
	CommentId  Id        `json:"comment_id"`
	StepId     string    `json:"step_id"`
	AuthorId   Id        `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Mentions   []Id      `json:"mentions,omitempty"`
	ParentId   *Id       `json:"parent_id,omitempty"`
	Resolved   bool      `json:"resolved"`
	CreateTime time.Time `json:"create_time"`
}

func (self *StepComment) Copy() *StepComment {
	comment := *self
	comment.Mentions = append([]Id{}, self.Mentions...)
	if self.ParentId != nil {
		parentId := *self.ParentId
		comment.ParentId = &parentId
	}
	return &comment
}

type ChatAttachment struct {
	AttachmentId Id        `json:"attachment_id"`
	FileName     string    `json:"file_name"`
	MimeType     string    `json:"mime_type,omitempty"`
	Size         ByteCount `json:"size"`
	PayloadRef   string    `json:"payload_ref,omitempty"`
}

type ChatMessage struct {
	MessageId   Id                `json:"message_id"`
	RoomId      string            `json:"room_id"`
	UserId      Id                `json:"user_id"`
	UserName    string            `json:"user_name,omitempty"`
	UserColor   string            `json:"user_color,omitempty"`
	Content     string            `json:"content"`
	Reactions   map[string][]Id   `json:"reactions,omitempty"`
	Attachments []*ChatAttachment `json:"attachments,omitempty"`
	CreateTime  time.Time         `json:"create_time"`
	// set on messages synthesized locally when a file send was never confirmed.
	// local messages are never put on the wire.
	LocalOnly bool `json:"-"`
}

func (self *ChatMessage) Copy() *ChatMessage {
	message := *self
	if self.Reactions != nil {
		reactions := map[string][]Id{}
		for emoji, userIds := range self.Reactions {
			reactions[emoji] = append([]Id{}, userIds...)
		}
		message.Reactions = reactions
	}
	if self.Attachments != nil {
		message.Attachments = append([]*ChatAttachment{}, self.Attachments...)
	}
	return &message
}

// `ReactedTo` reports whether `userId` currently has `emoji` set on the message.
func (self *ChatMessage) ReactedTo(emoji string, userId Id) bool {
	for _, reactedUserId := range self.Reactions[emoji] {
		if reactedUserId == userId {
			return true
		}
	}
	return false
}
