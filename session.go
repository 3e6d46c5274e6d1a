package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type SessionSettings struct {
	// cursors older than this are dropped from the live cursor cache
	CursorStaleAfter time.Duration
	// bounded chat history length
	ChatHistoryLimit int
	// how long a file send may stay unacknowledged before it degrades
	// to a local placeholder message
	FileAckTimeout time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		CursorStaleAfter: 30 * time.Second,
		ChatHistoryLimit: 500,
		FileAckTimeout:   5 * time.Second,
	}
}

type SessionSnapshot struct {
	Status         ConnectionStatus
	LastError      error
	CurrentUser    *User
	Room           *Room
	Users          map[Id]*User
	Cursors        map[Id]*UserCursor
	Locks          map[string]*LockInfo
	BlockedUserIds []Id
	ChatMessages   []*ChatMessage
	CommentCount   int
}

// SessionStore is the session's single source of truth. All writes
// happen on the event loop that calls `Apply` and `SetStatus`, all
// reads copy out under the state lock, so consumers never observe a
// partially applied event.
type SessionStore struct {
	settings *SessionSettings

	stateLock   sync.Mutex
	status      ConnectionStatus
	lastError   error
	currentUser *User
	room        *Room
	users       map[Id]*User
	presence    *presenceStore
	locks       *lockStore
	comments    *commentStore
	chat        *chatStore
	access      *accessStore

	closeOnce sync.Once
}

func NewSessionStore(settings *SessionSettings) *SessionStore {
	store := &SessionStore{
		settings: settings,
		status:   ConnectionStatusDisconnected,
		users:    map[Id]*User{},
		presence: newPresenceStore(settings.CursorStaleAfter),
		locks:    newLockStore(),
		comments: newCommentStore(),
		chat:     newChatStore(settings.ChatHistoryLimit),
		access:   newAccessStore(),
	}
	store.presence.start()
	return store
}

func (self *SessionStore) Close() {
	self.closeOnce.Do(func() {
		self.presence.stop()
	})
}

// Apply folds one server event into the session state. It reports
// whether the event changed state. Events from blocked users report
// false and leave no trace. The returned callbacks must be invoked
// after the state lock is released.
func (self *SessionStore) Apply(message any) (bool, []func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch v := message.(type) {
	case *RoomState:
		self.applyRoomState(v)
		return true, nil
	case *CursorMoved:
		if self.access.isBlocked(v.UserId) {
			return false, nil
		}
		self.presence.upsert(&UserCursor{
			UserId:     v.UserId,
			Position:   v.Position,
			User:       self.users[v.UserId],
			UpdateTime: v.MoveTime,
		})
		return true, nil
	case *ContentChanged:
		// content lives with the consumer, nothing is stored here.
		// blocks do not mute document changes.
		return v.Change != nil, nil
	case *CommentAdded:
		if v.Comment == nil {
			return false, nil
		}
		return self.comments.applyAdded(v.Comment), nil
	case *CommentUpdated:
		return self.comments.applyUpdated(v.StepId, v.CommentId, v.Content, v.Mentions), nil
	case *CommentDeleted:
		return self.comments.applyDeleted(v.StepId, v.CommentId), nil
	case *CommentResolved:
		return self.comments.applyResolved(v.StepId, v.CommentId, v.Resolved), nil
	case *ChatMessage:
		if self.access.isBlocked(v.UserId) {
			return false, nil
		}
		return self.chat.append(v), nil
	case *ChatFileDelivered:
		if v.Message == nil || self.access.isBlocked(v.Message.UserId) {
			return false, nil
		}
		return self.chat.append(v.Message), nil
	case *ChatReaction:
		if self.access.isBlocked(v.UserId) {
			return false, nil
		}
		_, ok := self.chat.applyReaction(v.MessageId, v.Emoji, v.UserId)
		return ok, nil
	case *LockAcquired:
		if v.Lock == nil {
			return false, nil
		}
		var currentUserId Id
		if self.currentUser != nil {
			currentUserId = self.currentUser.UserId
		}
		return true, self.locks.applyAcquired(v.Lock, currentUserId)
	case *LockDenied:
		return true, self.locks.applyDenied(v.ResourceId, v.OwnerId)
	case *LockReleased:
		self.locks.applyReleased(v.ResourceId, v.OwnerId)
		return true, nil
	case *RoleChanged:
		return self.applyRoleChanged(v.UserId, v.Role), nil
	case *UserJoined:
		if v.User == nil {
			return false, nil
		}
		self.users[v.User.UserId] = v.User
		return true, nil
	case *UserLeft:
		if _, ok := self.users[v.UserId]; !ok {
			return false, nil
		}
		delete(self.users, v.UserId)
		self.presence.remove(v.UserId)
		return true, nil
	case *PresenceUpdated:
		self.applyPresenceUpdated(v.Users)
		return true, nil
	case *UserKicked:
		if self.currentUser != nil && v.UserId == self.currentUser.UserId {
			self.lastError = &KickedError{Reason: v.Reason}
		}
		return true, nil
	case *ErrorNotice:
		self.lastError = noticeError(v)
		return true, nil
	default:
		glog.V(2).Infof("[s]drop unexpected message %T\n", v)
		return false, nil
	}
}

// callers hold the state lock
func (self *SessionStore) applyRoomState(roomState *RoomState) {
	self.room = roomState.Room
	if roomState.You != nil {
		you := roomState.You.Copy()
		you.Role = NormalizeRole(you.Role)
		self.currentUser = you
		self.access.setRole(you.Role)
	}
	users := map[Id]*User{}
	now := time.Now()
	for _, user := range roomState.Users {
		next := user.Copy()
		next.IsOnline = true
		if next.LastSeen.IsZero() {
			next.LastSeen = now
		}
		users[next.UserId] = next
	}
	if self.currentUser != nil {
		if _, ok := users[self.currentUser.UserId]; !ok {
			users[self.currentUser.UserId] = self.currentUser
		}
	}
	self.users = users
	self.locks.reset(roomState.Locks)
	// cursors restart from live traffic after a (re)join
	self.presence.clear()
}

// callers hold the state lock
func (self *SessionStore) applyRoleChanged(userId Id, role Role) bool {
	user, ok := self.users[userId]
	if !ok {
		return false
	}
	next := user.Copy()
	next.Role = NormalizeRole(role)
	self.users[userId] = next
	if self.currentUser != nil && userId == self.currentUser.UserId {
		self.currentUser = next
		self.access.setRole(next.Role)
	}
	return true
}

// callers hold the state lock
func (self *SessionStore) applyPresenceUpdated(users []*User) {
	next := map[Id]*User{}
	for _, user := range users {
		next[user.UserId] = user
	}
	// users absent from the authoritative roster are gone
	for userId := range self.users {
		if _, ok := next[userId]; !ok {
			if self.currentUser != nil && userId == self.currentUser.UserId {
				next[userId] = self.users[userId]
				continue
			}
			self.presence.remove(userId)
		}
	}
	self.users = next
}

// records the local side of an optimistic cursor move
func (self *SessionStore) TrackOwnCursor(position Position, moveTime time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.currentUser == nil {
		return
	}
	self.presence.upsert(&UserCursor{
		UserId:     self.currentUser.UserId,
		Position:   position,
		User:       self.currentUser,
		UpdateTime: moveTime,
	})
}

// registers a callback resolved by the next grant or denial for the
// resource. register before sending the acquire so the confirmation
// cannot race past it.
func (self *SessionStore) AwaitLock(resourceId string, callback LockResultFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.locks.await(resourceId, callback)
}

// fails the pending acquires for one resource. used when the acquire
// request never made it onto the wire.
func (self *SessionStore) FailLock(resourceId string, err error) []func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.locks.resolvePending(resourceId, nil, err)
}

func (self *SessionStore) SetStatus(status ConnectionStatus, err error) []func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.status = status
	if err != nil {
		self.lastError = err
	}
	if status != ConnectionStatusConnected {
		// a grant sent on the dead socket can never arrive
		return self.locks.failAllPending(&ConnectionError{Op: "lock_acquire"})
	}
	return nil
}

func (self *SessionStore) Block(userId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.access.block(userId)
	// drop the blocked user's cursor so nothing of theirs stays visible
	self.presence.remove(userId)
}

func (self *SessionStore) Unblock(userId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.access.unblock(userId)
}

func (self *SessionStore) IsBlocked(userId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.access.isBlocked(userId)
}

func (self *SessionStore) BlockedUserIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.access.blockedUserIds()
}

func (self *SessionStore) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

func (self *SessionStore) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastError
}

func (self *SessionStore) CurrentUser() *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.currentUser == nil {
		return nil
	}
	return self.currentUser.Copy()
}

func (self *SessionStore) CurrentRole() Role {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.access.currentRole()
}

func (self *SessionStore) Room() *Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.room == nil {
		return nil
	}
	room := *self.room
	room.Metadata = maps.Clone(self.room.Metadata)
	return &room
}

func (self *SessionStore) Users() map[Id]*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.users)
}

func (self *SessionStore) User(userId Id) *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.users[userId]
}

func (self *SessionStore) Cursors() map[Id]*UserCursor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.presence.snapshot()
}

func (self *SessionStore) Cursor(userId Id) *UserCursor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.presence.cursor(userId)
}

// drops expired cursors now instead of waiting for the sweep
func (self *SessionStore) PruneCursors() {
	self.presence.prune()
}

func (self *SessionStore) Locks() map[string]*LockInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.locks.snapshot()
}

func (self *SessionStore) Lock(resourceId string) *LockInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.locks.lock(resourceId)
}

func (self *SessionStore) HoldsLock(resourceId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.currentUser == nil {
		return false
	}
	return self.locks.heldBy(resourceId, self.currentUser.UserId)
}

func (self *SessionStore) CommentsForStep(stepId string) []*StepComment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.comments.commentsFor(stepId)
}

func (self *SessionStore) CommentThreadsForStep(stepId string) []*CommentThread {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return BuildThreads(self.comments.commentsFor(stepId))
}

func (self *SessionStore) Comment(commentId Id) *StepComment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.comments.comment(commentId)
}

func (self *SessionStore) CommentStepIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.comments.stepIds()
}

func (self *SessionStore) ChatHistory() []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.chat.history()
}

func (self *SessionStore) ChatMessage(messageId Id) *ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.chat.message(messageId)
}

// appends a locally synthesized message, bypassing the blocked filter
func (self *SessionStore) AppendLocalMessage(message *ChatMessage) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.chat.append(message)
}

// removes a locally synthesized message. server delivered messages are
// never removed, so a stale id is a no-op.
func (self *SessionStore) RemoveLocalMessage(messageId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	message := self.chat.message(messageId)
	if message == nil || !message.LocalOnly {
		return false
	}
	return self.chat.remove(messageId)
}

func (self *SessionStore) Snapshot() *SessionSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var currentUser *User
	if self.currentUser != nil {
		currentUser = self.currentUser.Copy()
	}
	var room *Room
	if self.room != nil {
		r := *self.room
		r.Metadata = maps.Clone(self.room.Metadata)
		room = &r
	}
	return &SessionSnapshot{
		Status:         self.status,
		LastError:      self.lastError,
		CurrentUser:    currentUser,
		Room:           room,
		Users:          maps.Clone(self.users),
		Cursors:        self.presence.snapshot(),
		Locks:          self.locks.snapshot(),
		BlockedUserIds: self.access.blockedUserIds(),
		ChatMessages:   self.chat.history(),
		CommentCount:   self.comments.count(),
	}
}

func noticeError(notice *ErrorNotice) error {
	switch notice.Code {
	case ErrorCodeJoinDenied:
		return &JoinDeniedError{
			Code:    notice.Code,
			Message: notice.Message,
		}
	default:
		return fmt.Errorf("%s: %s", notice.Code, notice.Message)
	}
}
