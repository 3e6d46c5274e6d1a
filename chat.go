package collab

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// bounded chat history in server send order. when the cap is exceeded
// the oldest message falls off. entries are immutable once inserted.
// reaction toggles replace the message so snapshots handed to consumers
// never change under them.
//
// callers hold the session lock.
type chatStore struct {
	limit      int
	messages   []*ChatMessage
	messageIds map[Id]*ChatMessage
}

func newChatStore(limit int) *chatStore {
	return &chatStore{
		limit:      limit,
		messages:   []*ChatMessage{},
		messageIds: map[Id]*ChatMessage{},
	}
}

func (self *chatStore) append(message *ChatMessage) bool {
	if _, ok := self.messageIds[message.MessageId]; ok {
		// duplicate delivery
		return false
	}
	self.messageIds[message.MessageId] = message
	self.messages = append(self.messages, message)
	for self.limit < len(self.messages) {
		evicted := self.messages[0]
		self.messages = slices.Delete(self.messages, 0, 1)
		delete(self.messageIds, evicted.MessageId)
	}
	return true
}

// toggles `emoji` by `userId` on the message. applying the same toggle
// twice returns the message to its prior state.
func (self *chatStore) applyReaction(messageId Id, emoji string, userId Id) (*ChatMessage, bool) {
	message, ok := self.messageIds[messageId]
	if !ok || emoji == "" {
		return nil, false
	}
	next := message.Copy()
	if next.Reactions == nil {
		next.Reactions = map[string][]Id{}
	}
	userIds := next.Reactions[emoji]
	if i := slices.Index(userIds, userId); 0 <= i {
		userIds = slices.Delete(userIds, i, i+1)
		if len(userIds) == 0 {
			delete(next.Reactions, emoji)
		} else {
			next.Reactions[emoji] = userIds
		}
	} else {
		next.Reactions[emoji] = append(userIds, userId)
	}
	if len(next.Reactions) == 0 {
		next.Reactions = nil
	}
	self.replace(message, next)
	return next, true
}

func (self *chatStore) replace(previous *ChatMessage, next *ChatMessage) {
	self.messageIds[next.MessageId] = next
	for i, existing := range self.messages {
		if existing == previous {
			self.messages[i] = next
			break
		}
	}
}

func (self *chatStore) remove(messageId Id) bool {
	message, ok := self.messageIds[messageId]
	if !ok {
		return false
	}
	delete(self.messageIds, messageId)
	for i, existing := range self.messages {
		if existing == message {
			self.messages = slices.Delete(self.messages, i, i+1)
			break
		}
	}
	return true
}

func (self *chatStore) history() []*ChatMessage {
	return slices.Clone(self.messages)
}

func (self *chatStore) message(messageId Id) *ChatMessage {
	return self.messageIds[messageId]
}

func (self *chatStore) latest() *ChatMessage {
	if len(self.messages) == 0 {
		return nil
	}
	return self.messages[len(self.messages)-1]
}

func (self *chatStore) count() int {
	return len(self.messages)
}

// builds the local placeholder shown when a file send was never
// confirmed. it carries the attachment metadata and a caption so the
// sender's timeline still shows the attempt. the caller picks the
// message id so a late server copy can find and replace it.
func newLocalFileMessage(
	messageId Id,
	roomId string,
	user *User,
	content string,
	attachments []*ChatAttachment,
	createTime time.Time,
) *ChatMessage {
	caption := content
	if caption == "" {
		names := make([]string, 0, len(attachments))
		for _, attachment := range attachments {
			names = append(names, attachment.FileName)
		}
		if len(names) == 1 {
			caption = fmt.Sprintf("Sent a file: %s", names[0])
		} else {
			caption = fmt.Sprintf("Sent %d files: %s", len(names), strings.Join(names, ", "))
		}
	}
	message := &ChatMessage{
		MessageId:   messageId,
		RoomId:      roomId,
		Content:     caption,
		Attachments: attachments,
		CreateTime:  createTime,
		LocalOnly:   true,
	}
	if user != nil {
		message.UserId = user.UserId
		message.UserName = user.DisplayName
		message.UserColor = user.Color
	}
	return message
}
