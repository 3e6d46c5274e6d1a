package collab

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type OperationType string

const (
	OpCursorMove      OperationType = "cursor_move"
	OpContentChange   OperationType = "content_change"
	OpCommentAdd      OperationType = "comment_add"
	OpCommentUpdate   OperationType = "comment_update"
	OpCommentDelete   OperationType = "comment_delete"
	OpCommentResolve  OperationType = "comment_resolve"
	OpChatSend        OperationType = "chat_send"
	OpChatFileSend    OperationType = "chat_file_send"
	OpChatReaction    OperationType = "chat_reaction"
	OpLockAcquire     OperationType = "lock_acquire"
	OpLockRelease     OperationType = "lock_release"
	OpRoleSet         OperationType = "role_set"
	OpUserKick        OperationType = "user_kick"
	OpUserBlock       OperationType = "user_block"
	OpUserUnblock     OperationType = "user_unblock"
	OpPresenceRequest OperationType = "presence_request"
)

type UpdatePolicy string

const (
	// apply locally right away, then tell the server
	UpdatePolicyOptimistic UpdatePolicy = "optimistic"
	// local state changes only on a server confirmation
	UpdatePolicyConfirmOnly UpdatePolicy = "confirm_only"
	// local effect with a best effort server notice
	UpdatePolicyLocal UpdatePolicy = "local"
)

// OperationPolicy is the consistency contract per operation.
// High frequency ephemeral state is optimistic, everything contended or
// durable waits for the server, blocks are a client side mute.
func OperationPolicy(op OperationType) UpdatePolicy {
	switch op {
	case OpCursorMove, OpContentChange, OpPresenceRequest:
		return UpdatePolicyOptimistic
	case OpUserBlock, OpUserUnblock:
		return UpdatePolicyLocal
	default:
		return UpdatePolicyConfirmOnly
	}
}

type EventFunction func(event any)

// all handlers are optional. handlers run on internal goroutines and a
// panic in one is recovered and logged without stopping the session.
type CollaboratorHandlers struct {
	OnStatusChanged   func(status ConnectionStatus, err error)
	OnRoomState       func(room *Room)
	OnUserJoined      func(user *User)
	OnUserLeft        func(userId Id)
	OnPresenceUpdated func(users []*User)
	OnCursorMoved     func(cursor *UserCursor)
	OnContentChanged  func(change *ContentChange)
	OnCommentsChanged func(stepId string)
	OnChatMessage     func(message *ChatMessage)
	OnChatReaction    func(message *ChatMessage)
	OnLockChanged     func(resourceId string, lock *LockInfo)
	OnRoleChanged     func(userId Id, role Role)
	OnKicked          func(reason string)
	OnError           func(err error)
}

type CollaboratorOptions struct {
	Url         string
	RoomId      string
	User        *User
	Password    string
	InviteToken string
	Handlers    *CollaboratorHandlers
}

type CollaboratorSettings struct {
	TransportSettings *RoomTransportSettings
	SessionSettings   *SessionSettings
}

func DefaultCollaboratorSettings() *CollaboratorSettings {
	return &CollaboratorSettings{
		TransportSettings: DefaultRoomTransportSettings(),
		SessionSettings:   DefaultSessionSettings(),
	}
}

type pendingFileSend struct {
	transferId  Id
	content     string
	attachments []*ChatAttachment
	ackTimer    *time.Timer
}

// Collaborator is the one entry point for a collaborative session:
// join a room, observe its state, publish presence, locks, comments
// and chat. One Collaborator is one join. After a terminal disconnect
// create a new one to rejoin.
type Collaborator struct {
	ctx    context.Context
	cancel context.CancelFunc

	options  *CollaboratorOptions
	settings *CollaboratorSettings

	transport *RoomTransport
	store     *SessionStore

	eventCallbacks *CallbackList[EventFunction]

	stateLock    sync.Mutex
	lastStatus   ConnectionStatus
	pendingFiles map[Id]*pendingFileSend
	// transfers written off to a placeholder, keyed to the placeholder
	// message id. a late ack consumes the entry and swaps the server
	// copy in for the placeholder.
	degradedFiles map[Id]Id

	removeStatusCallback func()
	closeOnce            sync.Once
}

func NewCollaboratorWithDefaults(ctx context.Context, options *CollaboratorOptions) *Collaborator {
	return NewCollaborator(ctx, options, DefaultCollaboratorSettings())
}

func NewCollaborator(
	ctx context.Context,
	options *CollaboratorOptions,
	settings *CollaboratorSettings,
) *Collaborator {
	cancelCtx, cancel := context.WithCancel(ctx)
	join := &JoinRoom{
		RoomId:      options.RoomId,
		User:        options.User,
		Password:    options.Password,
		InviteToken: options.InviteToken,
	}
	collaborator := &Collaborator{
		ctx:            cancelCtx,
		cancel:         cancel,
		options:        options,
		settings:       settings,
		transport:      NewRoomTransport(cancelCtx, options.Url, join, settings.TransportSettings),
		store:          NewSessionStore(settings.SessionSettings),
		eventCallbacks: NewCallbackList[EventFunction](),
		lastStatus:     ConnectionStatusDisconnected,
		pendingFiles:   map[Id]*pendingFileSend{},
		degradedFiles:  map[Id]Id{},
	}
	collaborator.removeStatusCallback = collaborator.transport.AddStatusCallback(collaborator.statusChanged)
	go collaborator.runEvents()
	return collaborator
}

// Connect joins the room. It resolves when the server confirms the
// join, denies it, or the join window closes. A failed first connect
// is surfaced immediately and does not retry.
func (self *Collaborator) Connect(ctx context.Context) error {
	return self.transport.Connect(ctx)
}

func (self *Collaborator) runEvents() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.transport.Receive():
			applied, notify := self.store.Apply(message)
			for _, n := range notify {
				HandleError(n)
			}
			if !applied {
				continue
			}
			self.dispatch(message)
			for _, eventCallback := range self.eventCallbacks.Get() {
				eventCallback := eventCallback
				HandleError(func() {
					eventCallback(message)
				})
			}
		}
	}
}

func (self *Collaborator) dispatch(message any) {
	handlers := self.handlers()
	emit := func(handler func()) {
		if handler != nil {
			HandleError(handler)
		}
	}

	switch v := message.(type) {
	case *RoomState:
		if handlers.OnRoomState != nil {
			room := self.store.Room()
			emit(func() {
				handlers.OnRoomState(room)
			})
		}
	case *CursorMoved:
		if handlers.OnCursorMoved != nil {
			cursor := self.store.Cursor(v.UserId)
			if cursor != nil {
				emit(func() {
					handlers.OnCursorMoved(cursor)
				})
			}
		}
	case *ContentChanged:
		if handlers.OnContentChanged != nil {
			emit(func() {
				handlers.OnContentChanged(v.Change)
			})
		}
	case *CommentAdded:
		if handlers.OnCommentsChanged != nil {
			emit(func() {
				handlers.OnCommentsChanged(v.Comment.StepId)
			})
		}
	case *CommentUpdated:
		if handlers.OnCommentsChanged != nil {
			emit(func() {
				handlers.OnCommentsChanged(v.StepId)
			})
		}
	case *CommentDeleted:
		if handlers.OnCommentsChanged != nil {
			emit(func() {
				handlers.OnCommentsChanged(v.StepId)
			})
		}
	case *CommentResolved:
		if handlers.OnCommentsChanged != nil {
			emit(func() {
				handlers.OnCommentsChanged(v.StepId)
			})
		}
	case *ChatMessage:
		if handlers.OnChatMessage != nil {
			emit(func() {
				handlers.OnChatMessage(v)
			})
		}
	case *ChatFileDelivered:
		self.resolveFileAck(v.TransferId)
		if handlers.OnChatMessage != nil {
			emit(func() {
				handlers.OnChatMessage(v.Message)
			})
		}
	case *ChatReaction:
		if handlers.OnChatReaction != nil {
			message := self.store.ChatMessage(v.MessageId)
			if message != nil {
				emit(func() {
					handlers.OnChatReaction(message)
				})
			}
		}
	case *LockAcquired:
		if handlers.OnLockChanged != nil {
			emit(func() {
				handlers.OnLockChanged(v.Lock.ResourceId, v.Lock)
			})
		}
	case *LockReleased:
		if handlers.OnLockChanged != nil {
			emit(func() {
				handlers.OnLockChanged(v.ResourceId, nil)
			})
		}
	case *LockDenied:
		// the pending acquire callback already observed the denial
	case *RoleChanged:
		if handlers.OnRoleChanged != nil {
			emit(func() {
				handlers.OnRoleChanged(v.UserId, NormalizeRole(v.Role))
			})
		}
	case *UserJoined:
		if handlers.OnUserJoined != nil {
			emit(func() {
				handlers.OnUserJoined(v.User)
			})
		}
	case *UserLeft:
		if handlers.OnUserLeft != nil {
			emit(func() {
				handlers.OnUserLeft(v.UserId)
			})
		}
	case *PresenceUpdated:
		if handlers.OnPresenceUpdated != nil {
			emit(func() {
				handlers.OnPresenceUpdated(v.Users)
			})
		}
	case *UserKicked:
		currentUser := self.store.CurrentUser()
		if currentUser != nil && v.UserId == currentUser.UserId {
			glog.Infof("[c]%s kicked from %s\n", currentUser.UserId, self.options.RoomId)
			// a kick is terminal. no reconnect may follow.
			self.transport.Disconnect()
			emit(func() {
				if handlers.OnKicked != nil {
					handlers.OnKicked(v.Reason)
				}
			})
		}
	case *ErrorNotice:
		if handlers.OnError != nil {
			emit(func() {
				handlers.OnError(noticeError(v))
			})
		}
	}
}

func (self *Collaborator) statusChanged(status ConnectionStatus, err error) {
	notify := self.store.SetStatus(status, err)
	for _, n := range notify {
		HandleError(n)
	}

	var resync bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		resync = status == ConnectionStatusConnected &&
			self.lastStatus == ConnectionStatusReconnecting
		self.lastStatus = status
	}()
	if resync {
		// presence may have moved arbitrarily while the socket was down
		self.RequestPresence()
	}

	handlers := self.handlers()
	if handlers.OnStatusChanged != nil {
		HandleError(func() {
			handlers.OnStatusChanged(status, err)
		})
	}
	if err != nil && handlers.OnError != nil {
		HandleError(func() {
			handlers.OnError(err)
		})
	}
}

func (self *Collaborator) handlers() *CollaboratorHandlers {
	if self.options.Handlers != nil {
		return self.options.Handlers
	}
	return &CollaboratorHandlers{}
}

// AddEventCallback observes every applied server event, for consumers
// that want the raw stream next to the typed handlers. The returned
// function unsubscribes.
func (self *Collaborator) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *Collaborator) submit(op OperationType, message any, local func()) bool {
	switch OperationPolicy(op) {
	case UpdatePolicyOptimistic:
		if local != nil {
			local()
		}
		return self.transport.Send(message)
	case UpdatePolicyLocal:
		if local != nil {
			local()
		}
		// best effort notice, the local effect stands either way
		self.transport.Send(message)
		return true
	default:
		return self.transport.Send(message)
	}
}

func (self *Collaborator) permitted(action Action) bool {
	role := self.store.CurrentRole()
	if !Can(role, action) {
		glog.V(1).Infof("[c]%s blocked by role %s\n", action, role)
		return false
	}
	return true
}

// SendCursorPosition publishes the local cursor. The own cursor entry
// updates immediately, peers converge on last writer wins.
func (self *Collaborator) SendCursorPosition(position Position) bool {
	return self.submit(OpCursorMove, &CursorMove{
		RoomId:   self.options.RoomId,
		Position: position,
	}, func() {
		self.store.TrackOwnCursor(position, time.Now())
	})
}

// SendContentChange publishes one edit. The local document already
// reflects it, so there is no local apply step.
func (self *Collaborator) SendContentChange(change *ContentChange) bool {
	if change == nil || !self.permitted(ActionEditContent) {
		return false
	}
	publish := *change
	if currentUser := self.store.CurrentUser(); currentUser != nil {
		publish.UserId = currentUser.UserId
	}
	if publish.ChangeTime.IsZero() {
		publish.ChangeTime = time.Now()
	}
	return self.submit(OpContentChange, &ContentChangePublish{
		RoomId: self.options.RoomId,
		Change: &publish,
	}, nil)
}

// AddComment publishes a comment on a step. Mentions resolve against
// the current user list, longest display name first. The comment lands
// in local state when the server confirms it.
func (self *Collaborator) AddComment(stepId string, content string, parentId *Id) bool {
	content = strings.TrimSpace(content)
	if stepId == "" || content == "" || !self.permitted(ActionComment) {
		return false
	}
	return self.submit(OpCommentAdd, &CommentAdd{
		RoomId:   self.options.RoomId,
		StepId:   stepId,
		Content:  content,
		Mentions: ExtractMentions(content, maps.Values(self.store.Users())),
		ParentId: parentId,
	}, nil)
}

func (self *Collaborator) UpdateComment(stepId string, commentId Id, content string) bool {
	content = strings.TrimSpace(content)
	if content == "" || !self.permitted(ActionComment) {
		return false
	}
	return self.submit(OpCommentUpdate, &CommentUpdate{
		RoomId:    self.options.RoomId,
		StepId:    stepId,
		CommentId: commentId,
		Content:   content,
		Mentions:  ExtractMentions(content, maps.Values(self.store.Users())),
	}, nil)
}

func (self *Collaborator) DeleteComment(stepId string, commentId Id) bool {
	if !self.permitted(ActionComment) {
		return false
	}
	return self.submit(OpCommentDelete, &CommentDelete{
		RoomId:    self.options.RoomId,
		StepId:    stepId,
		CommentId: commentId,
	}, nil)
}

func (self *Collaborator) ResolveComment(stepId string, commentId Id, resolved bool) bool {
	if !self.permitted(ActionComment) {
		return false
	}
	return self.submit(OpCommentResolve, &CommentResolve{
		RoomId:    self.options.RoomId,
		StepId:    stepId,
		CommentId: commentId,
		Resolved:  resolved,
	}, nil)
}

// SendChatMessage publishes a chat message. Leading and trailing
// whitespace is trimmed and a message that trims to nothing is
// rejected. The message appears in local history when the server
// echoes it back, which keeps history order identical for everyone.
func (self *Collaborator) SendChatMessage(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" || !self.permitted(ActionChat) {
		return false
	}
	return self.submit(OpChatSend, &ChatSend{
		RoomId:  self.options.RoomId,
		Content: content,
	}, nil)
}

// SendChatFiles publishes attachment metadata with an optional
// message. The send must be acknowledged inside the file ack window.
// When the window closes, or the transport is down, the send degrades
// to a local placeholder message so the timeline still shows the
// attempt. Returns the transfer id used to correlate the outcome.
func (self *Collaborator) SendChatFiles(content string, files []*ChatAttachment) (Id, bool) {
	content = strings.TrimSpace(content)
	if len(files) == 0 || !self.permitted(ActionChat) {
		return Id{}, false
	}
	attachments := make([]*ChatAttachment, 0, len(files))
	for _, file := range files {
		attachment := *file
		if (attachment.AttachmentId == Id{}) {
			attachment.AttachmentId = NewId()
		}
		attachments = append(attachments, &attachment)
	}
	transferId := NewId()

	sent := self.submit(OpChatFileSend, &ChatFileSend{
		RoomId:      self.options.RoomId,
		TransferId:  transferId,
		Content:     content,
		Attachments: attachments,
	}, nil)
	if !sent {
		// down transport, no ack will ever come
		localMessageId := NewId()
		self.stateLock.Lock()
		self.degradedFiles[transferId] = localMessageId
		self.stateLock.Unlock()
		self.degradeFileSend(transferId, localMessageId, content, attachments)
		return transferId, false
	}

	ackTimer := time.AfterFunc(self.settings.SessionSettings.FileAckTimeout, func() {
		self.fileAckTimeout(transferId)
	})
	self.stateLock.Lock()
	self.pendingFiles[transferId] = &pendingFileSend{
		transferId:  transferId,
		content:     content,
		attachments: attachments,
		ackTimer:    ackTimer,
	}
	self.stateLock.Unlock()
	return transferId, true
}

func (self *Collaborator) resolveFileAck(transferId Id) {
	var pending *pendingFileSend
	var localMessageId Id
	degraded := false
	self.stateLock.Lock()
	if p, ok := self.pendingFiles[transferId]; ok {
		pending = p
		delete(self.pendingFiles, transferId)
	} else if messageId, ok := self.degradedFiles[transferId]; ok {
		localMessageId = messageId
		degraded = true
		delete(self.degradedFiles, transferId)
	}
	self.stateLock.Unlock()
	if pending != nil {
		pending.ackTimer.Stop()
	}
	if degraded {
		// the send was already written off. the server copy is in the
		// history, so the placeholder comes out.
		glog.Infof("[c]late file ack %s\n", transferId)
		self.store.RemoveLocalMessage(localMessageId)
	}
}

func (self *Collaborator) fileAckTimeout(transferId Id) {
	localMessageId := NewId()
	self.stateLock.Lock()
	pending, ok := self.pendingFiles[transferId]
	if ok {
		delete(self.pendingFiles, transferId)
		// claim the transfer before the lock drops, so a racing late
		// ack sees the placeholder id
		self.degradedFiles[transferId] = localMessageId
	}
	self.stateLock.Unlock()
	if !ok {
		return
	}
	glog.Infof("[c]file ack timeout %s\n", transferId)
	self.degradeFileSend(transferId, localMessageId, pending.content, pending.attachments)
}

// appends the placeholder under `messageId` and settles against an ack
// that may have landed while the placeholder was being built. exactly
// one of the placeholder and the server copy survives in the history.
func (self *Collaborator) degradeFileSend(transferId Id, messageId Id, content string, attachments []*ChatAttachment) {
	local := newLocalFileMessage(
		messageId,
		self.options.RoomId,
		self.store.CurrentUser(),
		content,
		attachments,
		time.Now(),
	)
	self.store.AppendLocalMessage(local)

	self.stateLock.Lock()
	_, degraded := self.degradedFiles[transferId]
	self.stateLock.Unlock()
	if !degraded {
		// an ack consumed the claim mid append. the send made it after
		// all, so the placeholder comes out and no timeout surfaces.
		self.store.RemoveLocalMessage(messageId)
		return
	}

	handlers := self.handlers()
	if handlers.OnChatMessage != nil {
		HandleError(func() {
			handlers.OnChatMessage(local)
		})
	}
	if handlers.OnError != nil {
		HandleError(func() {
			handlers.OnError(&AckTimeoutError{TransferId: transferId})
		})
	}
}

// ToggleChatReaction toggles an emoji on a message. The toggle lands
// when the server rebroadcasts it, so every participant folds the same
// toggle sequence in the same order.
func (self *Collaborator) ToggleChatReaction(messageId Id, emoji string) bool {
	if emoji == "" || !self.permitted(ActionReact) {
		return false
	}
	currentUser := self.store.CurrentUser()
	if currentUser == nil {
		return false
	}
	return self.submit(OpChatReaction, &ChatReaction{
		RoomId:    self.options.RoomId,
		MessageId: messageId,
		Emoji:     emoji,
		UserId:    currentUser.UserId,
	}, nil)
}

// AcquireLock requests a lock on a resource. The callback resolves
// with the grant, the denial, or a connection error when the transport
// goes down first. Local lock state never changes before the server
// confirms.
func (self *Collaborator) AcquireLock(resourceId string, callback LockResultFunction) bool {
	if resourceId == "" || !self.permitted(ActionLock) {
		return false
	}
	if callback != nil {
		self.store.AwaitLock(resourceId, callback)
	}
	sent := self.submit(OpLockAcquire, &LockAcquire{
		RoomId:     self.options.RoomId,
		ResourceId: resourceId,
	}, nil)
	if !sent && callback != nil {
		notify := self.store.FailLock(resourceId, &ConnectionError{Op: "lock_acquire"})
		for _, n := range notify {
			HandleError(n)
		}
	}
	return sent
}

func (self *Collaborator) ReleaseLock(resourceId string) bool {
	if resourceId == "" || !self.permitted(ActionLock) {
		return false
	}
	return self.submit(OpLockRelease, &LockRelease{
		RoomId:     self.options.RoomId,
		ResourceId: resourceId,
	}, nil)
}

// SetRole changes another user's role. Owner only, and the server
// enforces the same rule.
func (self *Collaborator) SetRole(userId Id, role Role) bool {
	if !role.Valid() || !self.permitted(ActionManageRoles) {
		return false
	}
	return self.submit(OpRoleSet, &RoleSet{
		RoomId: self.options.RoomId,
		UserId: userId,
		Role:   role,
	}, nil)
}

// KickUser removes a user from the room. Owner only. Kicking yourself
// is not a thing, use Disconnect.
func (self *Collaborator) KickUser(userId Id, reason string) bool {
	currentUser := self.store.CurrentUser()
	if currentUser != nil && userId == currentUser.UserId {
		return false
	}
	if !self.permitted(ActionKick) {
		return false
	}
	return self.submit(OpUserKick, &UserKick{
		RoomId: self.options.RoomId,
		UserId: userId,
		Reason: reason,
	}, nil)
}

// BlockUser mutes a user locally. Their cursor and chat stop appearing
// here. The server keeps relaying, other participants are unaffected.
func (self *Collaborator) BlockUser(userId Id) bool {
	currentUser := self.store.CurrentUser()
	if currentUser != nil && userId == currentUser.UserId {
		return false
	}
	return self.submit(OpUserBlock, &UserBlock{
		RoomId: self.options.RoomId,
		UserId: userId,
	}, func() {
		self.store.Block(userId)
	})
}

func (self *Collaborator) UnblockUser(userId Id) bool {
	return self.submit(OpUserUnblock, &UserUnblock{
		RoomId: self.options.RoomId,
		UserId: userId,
	}, func() {
		self.store.Unblock(userId)
	})
}

// RequestPresence asks the server for the authoritative roster. The
// answer repairs any local divergence. Called automatically after a
// reconnect.
func (self *Collaborator) RequestPresence() bool {
	return self.submit(OpPresenceRequest, &PresenceRequest{
		RoomId: self.options.RoomId,
	}, nil)
}

func (self *Collaborator) Status() ConnectionStatus {
	return self.store.Status()
}

func (self *Collaborator) LastError() error {
	return self.store.LastError()
}

func (self *Collaborator) CurrentUser() *User {
	return self.store.CurrentUser()
}

func (self *Collaborator) CurrentRole() Role {
	return self.store.CurrentRole()
}

func (self *Collaborator) Room() *Room {
	return self.store.Room()
}

func (self *Collaborator) Users() map[Id]*User {
	return self.store.Users()
}

func (self *Collaborator) Cursors() map[Id]*UserCursor {
	return self.store.Cursors()
}

func (self *Collaborator) Locks() map[string]*LockInfo {
	return self.store.Locks()
}

func (self *Collaborator) HoldsLock(resourceId string) bool {
	return self.store.HoldsLock(resourceId)
}

func (self *Collaborator) CommentsForStep(stepId string) []*StepComment {
	return self.store.CommentsForStep(stepId)
}

func (self *Collaborator) CommentThreadsForStep(stepId string) []*CommentThread {
	return self.store.CommentThreadsForStep(stepId)
}

func (self *Collaborator) ChatHistory() []*ChatMessage {
	return self.store.ChatHistory()
}

func (self *Collaborator) BlockedUserIds() []Id {
	return self.store.BlockedUserIds()
}

func (self *Collaborator) IsBlocked(userId Id) bool {
	return self.store.IsBlocked(userId)
}

func (self *Collaborator) Snapshot() *SessionSnapshot {
	return self.store.Snapshot()
}

// Disconnect leaves the room and tears the session down.
func (self *Collaborator) Disconnect() {
	self.closeOnce.Do(func() {
		self.transport.Disconnect()
		self.removeStatusCallback()

		self.stateLock.Lock()
		pending := maps.Values(self.pendingFiles)
		self.pendingFiles = map[Id]*pendingFileSend{}
		self.stateLock.Unlock()
		for _, p := range pending {
			p.ackTimer.Stop()
		}

		self.cancel()
		self.store.Close()
	})
}

func (self *Collaborator) Close() {
	self.Disconnect()
}
