package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// color assignment order for joiners that do not bring their own
var roomColorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

type RoomServerSettings struct {
	ChatHistoryLimit int
	SendBufferSize   int
	// the join request must arrive inside this window
	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	// must exceed the client heartbeat interval
	ReadTimeout time.Duration
	// per room passwords. a room missing here joins without one
	RoomPasswords map[string]string
	// hs256 secret for invite tokens. empty disables invites
	InviteSecret string
	// bearer token required to mint invites. empty leaves minting open
	AdminToken string
	// role for joiners that present neither an invite nor a prior role
	DefaultRole Role
	InviteTtl   time.Duration
}

func DefaultRoomServerSettings() *RoomServerSettings {
	return &RoomServerSettings{
		ChatHistoryLimit: 500,
		SendBufferSize:   TransportBufferSize,
		JoinTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      90 * time.Second,
		RoomPasswords:    map[string]string{},
		DefaultRole:      RoleEditor,
		InviteTtl:        1 * time.Hour,
	}
}

// RoomServer is the arbitration side of a collaborative session: it
// admits joins, assigns roles and colors, fans events out to the room,
// and settles everything contended, locks first of all. Rooms come into
// existence on first join and live until the server closes.
type RoomServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RoomServerSettings

	upgrader *websocket.Upgrader

	startTime time.Time

	stateLock sync.Mutex
	rooms     map[string]*serverRoom
}

func NewRoomServerWithDefaults(ctx context.Context) *RoomServer {
	return NewRoomServer(ctx, DefaultRoomServerSettings())
}

func NewRoomServer(ctx context.Context, settings *RoomServerSettings) *RoomServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RoomServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
		rooms:     map[string]*serverRoom{},
	}
}

func (self *RoomServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{room_id}", self.handleWs)
	router.HandleFunc("/rooms/{room_id}/invites", self.handleCreateInvite).Methods("POST")
	router.HandleFunc("/rooms/{room_id}/status", self.handleRoomStatus).Methods("GET")
	router.HandleFunc("/status", self.handleStatus).Methods("GET")
	return router
}

func (self *RoomServer) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: self.Router(),
	}
	go func() {
		select {
		case <-self.ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()
	glog.Infof("[rs]listen %s\n", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *RoomServer) Close() {
	self.cancel()
}

// returns the room, creating and starting it on first use
func (self *RoomServer) room(roomId string) *serverRoom {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.rooms[roomId]
	if !ok {
		room = newServerRoom(self.ctx, roomId, self.settings)
		self.rooms[roomId] = room
		go room.run()
	}
	return room
}

func (self *RoomServer) lookupRoom(roomId string) *serverRoom {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.rooms[roomId]
}

func (self *RoomServer) handleWs(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["room_id"]
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[rs]%s upgrade error = %s\n", roomId, err)
		return
	}
	self.room(roomId).accept(ws)
}

func (self *RoomServer) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["room_id"]
	if self.settings.InviteSecret == "" {
		http.Error(w, "Invites are not enabled.", http.StatusNotFound)
		return
	}
	if self.settings.AdminToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != fmt.Sprintf("Bearer %s", self.settings.AdminToken) {
			http.Error(w, "Invalid auth token.", http.StatusUnauthorized)
			return
		}
	}

	args := &CreateInviteArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "Invalid request body.", http.StatusBadRequest)
		return
	}
	ttl := self.settings.InviteTtl
	if 0 < args.TtlSeconds {
		ttl = time.Duration(args.TtlSeconds) * time.Second
	}
	inviteToken, err := MintInviteToken(self.settings.InviteSecret, roomId, NormalizeRole(args.Role), ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&CreateInviteResult{
		InviteToken: inviteToken,
		ExpireTime:  time.Now().Add(ttl),
	})
}

func (self *RoomServer) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["room_id"]
	room := self.lookupRoom(roomId)
	if room == nil {
		http.Error(w, "Room not found.", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(room.status())
}

func (self *RoomServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	roomCount := len(self.rooms)
	clientCount := 0
	for _, room := range self.rooms {
		clientCount += room.clientCount()
	}
	self.stateLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&ServerStatusResult{
		RoomCount:   roomCount,
		ClientCount: clientCount,
		StartTime:   self.startTime,
	})
}

type inboundMessage struct {
	client  *serverClient
	message any
}

// one room. the run goroutine owns all mutation, fan out, and client
// lifecycle, so arbitration is a total order: the first acquire to
// reach it wins and everyone observes the same grant sequence. the
// state lock only makes reads safe for the http handlers.
type serverRoom struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId   string
	settings *RoomServerSettings

	register   chan *serverClient
	unregister chan *serverClient
	inbound    chan *inboundMessage

	stateLock   sync.Mutex
	room        *Room
	clients     map[*serverClient]bool
	userClients map[Id]*serverClient
	users       map[Id]*User
	// roles survive leave and rejoin
	roles     map[Id]Role
	locks     map[string]*LockInfo
	comments  *commentStore
	chat      *chatStore
	joinCount int
}

func newServerRoom(ctx context.Context, roomId string, settings *RoomServerSettings) *serverRoom {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &serverRoom{
		ctx:        cancelCtx,
		cancel:     cancel,
		roomId:     roomId,
		settings:   settings,
		register:   make(chan *serverClient),
		unregister: make(chan *serverClient),
		inbound:    make(chan *inboundMessage, TransportBufferSize),
		room: &Room{
			RoomId: roomId,
			Name:   roomId,
		},
		clients:     map[*serverClient]bool{},
		userClients: map[Id]*serverClient{},
		users:       map[Id]*User{},
		roles:       map[Id]Role{},
		locks:       map[string]*LockInfo{},
		comments:    newCommentStore(),
		chat:        newChatStore(settings.ChatHistoryLimit),
	}
}

func (self *serverRoom) run() {
	defer func() {
		self.stateLock.Lock()
		clients := maps.Keys(self.clients)
		self.stateLock.Unlock()
		for _, client := range clients {
			client.close()
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case client := <-self.register:
			self.handleRegister(client)
		case client := <-self.unregister:
			self.handleUnregister(client)
		case in := <-self.inbound:
			self.handleMessage(in.client, in.message)
		}
	}
}

// runs the join handshake on the fresh connection. the first message
// must be the join request. admission failures answer with a join
// denied notice and close.
func (self *serverRoom) accept(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	m, err := DecodeMessage(message)
	if err != nil {
		self.denyJoin(ws, "The first message must be the join request.")
		return
	}
	join, ok := m.(*JoinRoom)
	if !ok {
		self.denyJoin(ws, "The first message must be the join request.")
		return
	}
	if join.User == nil || join.User.DisplayName == "" {
		self.denyJoin(ws, "Join requires a user with a display name.")
		return
	}

	proposedRole, denyMessage := self.admit(join)
	if denyMessage != "" {
		glog.Infof("[r]%s deny %s: %s\n", self.roomId, join.User.DisplayName, denyMessage)
		self.denyJoin(ws, denyMessage)
		return
	}

	user := join.User.Copy()
	if (user.UserId == Id{}) {
		user.UserId = NewId()
	}
	client := newServerClient(self, ws, user, proposedRole)
	select {
	case <-self.ctx.Done():
		ws.Close()
	case self.register <- client:
	}
}

// checks the credentials against the room settings and returns the
// role the joiner would get. a valid invite token bypasses the room
// password and carries its own role.
func (self *serverRoom) admit(join *JoinRoom) (Role, string) {
	if join.InviteToken != "" && self.settings.InviteSecret != "" {
		invite, err := ParseInviteToken(self.settings.InviteSecret, join.InviteToken)
		if err != nil {
			return "", "Invalid invite token."
		}
		if invite.RoomId != self.roomId {
			return "", "Invite token is for another room."
		}
		return NormalizeRole(invite.Role), ""
	}
	if password, ok := self.settings.RoomPasswords[self.roomId]; ok && password != "" {
		if join.Password != password {
			return "", "Wrong room password."
		}
	}
	return NormalizeRole(self.settings.DefaultRole), ""
}

func (self *serverRoom) denyJoin(ws *websocket.Conn, message string) {
	notice := RequireEncodeMessage(&ErrorNotice{
		Code:    ErrorCodeJoinDenied,
		Message: message,
	})
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(websocket.TextMessage, notice)
	ws.Close()
}

func (self *serverRoom) handleRegister(client *serverClient) {
	var bumped *serverClient
	var roomState *RoomState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		userId := client.user.UserId
		if previous, ok := self.userClients[userId]; ok {
			// one connection per user. the newest wins.
			delete(self.clients, previous)
			bumped = previous
		}

		// a remembered role survives leave and rejoin and wins over
		// whatever the new join proposes
		role, ok := self.roles[userId]
		if !ok {
			if len(self.roles) == 0 {
				// the first joiner owns the room
				role = RoleOwner
			} else {
				role = client.proposedRole
			}
			self.roles[userId] = role
		}
		client.user.Role = role
		if client.user.Color == "" {
			client.user.Color = roomColorPalette[self.joinCount%len(roomColorPalette)]
		}
		client.user.IsOnline = true
		client.user.LastSeen = time.Now()
		self.joinCount += 1

		self.clients[client] = true
		self.userClients[userId] = client
		self.users[userId] = client.user

		roomState = &RoomState{
			Room:  self.room,
			You:   client.user,
			Users: self.userList(),
			Locks: self.lockList(),
		}
	}()
	if bumped != nil {
		bumped.close()
	}

	client.enqueue(RequireEncodeMessage(roomState))
	go client.writePump()
	go client.readPump()

	self.broadcastExcept(client, &UserJoined{User: client.user})
	self.broadcast(&PresenceUpdated{Users: self.userListSnapshot()})
	glog.Infof("[r]%s join %s (%s)\n", self.roomId, client.user.DisplayName, client.user.Role)
}

func (self *serverRoom) handleUnregister(client *serverClient) {
	var releasedLocks []*LockInfo
	removed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.clients[client]; !ok {
			// already bumped or kicked
			return
		}
		delete(self.clients, client)
		userId := client.user.UserId
		if self.userClients[userId] == client {
			delete(self.userClients, userId)
			delete(self.users, userId)
			releasedLocks = self.releaseLocksOf(userId)
			removed = true
		}
	}()
	client.close()
	if !removed {
		return
	}

	for _, lock := range releasedLocks {
		self.broadcast(&LockReleased{
			ResourceId: lock.ResourceId,
			OwnerId:    lock.OwnerId,
		})
	}
	self.broadcast(&UserLeft{UserId: client.user.UserId})
	self.broadcast(&PresenceUpdated{Users: self.userListSnapshot()})
	glog.Infof("[r]%s leave %s\n", self.roomId, client.user.DisplayName)
}

func (self *serverRoom) handleMessage(client *serverClient, message any) {
	// any inbound frame is proof of life
	self.touch(client)
	switch v := message.(type) {
	case *Ping:
		self.unicast(client, &Pong{SendTime: v.SendTime})
	case *LeaveRoom:
		// teardown continues on the read pump exit
		client.close()
	case *CursorMove:
		self.broadcastExcept(client, &CursorMoved{
			UserId:   client.user.UserId,
			Position: v.Position,
			MoveTime: time.Now(),
		})
	case *ContentChangePublish:
		if v.Change == nil {
			return
		}
		if !self.can(client, ActionEditContent) {
			self.forbid(client, "content_change")
			return
		}
		change := *v.Change
		change.UserId = client.user.UserId
		if change.ChangeTime.IsZero() {
			change.ChangeTime = time.Now()
		}
		self.broadcastExcept(client, &ContentChanged{Change: &change})
	case *CommentAdd:
		if !self.can(client, ActionComment) {
			self.forbid(client, "comment_add")
			return
		}
		content := strings.TrimSpace(v.Content)
		if v.StepId == "" || content == "" {
			self.notice(client, ErrorCodeBadRequest, "Comment requires a step and content.")
			return
		}
		comment := &StepComment{
			CommentId:  NewId(),
			StepId:     v.StepId,
			AuthorId:   client.user.UserId,
			AuthorName: client.user.DisplayName,
			Content:    content,
			Mentions:   v.Mentions,
			ParentId:   v.ParentId,
			CreateTime: time.Now(),
		}
		self.stateLock.Lock()
		self.comments.applyAdded(comment)
		self.stateLock.Unlock()
		self.broadcast(&CommentAdded{Comment: comment})
	case *CommentUpdate:
		existing := self.commentFor(v.CommentId)
		if existing == nil {
			return
		}
		if !self.canEditComment(client, existing) {
			self.forbid(client, "comment_update")
			return
		}
		self.stateLock.Lock()
		applied := self.comments.applyUpdated(v.StepId, v.CommentId, v.Content, v.Mentions)
		self.stateLock.Unlock()
		if applied {
			self.broadcast(&CommentUpdated{
				StepId:    v.StepId,
				CommentId: v.CommentId,
				Content:   v.Content,
				Mentions:  v.Mentions,
			})
		}
	case *CommentDelete:
		existing := self.commentFor(v.CommentId)
		if existing == nil {
			return
		}
		if !self.canEditComment(client, existing) {
			self.forbid(client, "comment_delete")
			return
		}
		self.stateLock.Lock()
		applied := self.comments.applyDeleted(v.StepId, v.CommentId)
		self.stateLock.Unlock()
		if applied {
			self.broadcast(&CommentDeleted{
				StepId:    v.StepId,
				CommentId: v.CommentId,
			})
		}
	case *CommentResolve:
		existing := self.commentFor(v.CommentId)
		if existing == nil {
			return
		}
		if !self.canResolveComment(client, existing) {
			self.forbid(client, "comment_resolve")
			return
		}
		self.stateLock.Lock()
		applied := self.comments.applyResolved(v.StepId, v.CommentId, v.Resolved)
		self.stateLock.Unlock()
		if applied {
			self.broadcast(&CommentResolved{
				StepId:    v.StepId,
				CommentId: v.CommentId,
				Resolved:  v.Resolved,
			})
		}
	case *ChatSend:
		if !self.can(client, ActionChat) {
			self.forbid(client, "chat_send")
			return
		}
		content := strings.TrimSpace(v.Content)
		if content == "" {
			return
		}
		chatMessage := &ChatMessage{
			MessageId:  NewId(),
			RoomId:     self.roomId,
			UserId:     client.user.UserId,
			UserName:   client.user.DisplayName,
			UserColor:  client.user.Color,
			Content:    content,
			CreateTime: time.Now(),
		}
		self.stateLock.Lock()
		self.chat.append(chatMessage)
		self.stateLock.Unlock()
		self.broadcast(chatMessage)
	case *ChatFileSend:
		if !self.can(client, ActionChat) {
			self.forbid(client, "chat_file_send")
			return
		}
		if len(v.Attachments) == 0 {
			self.notice(client, ErrorCodeBadRequest, "File send requires attachments.")
			return
		}
		chatMessage := &ChatMessage{
			MessageId:   NewId(),
			RoomId:      self.roomId,
			UserId:      client.user.UserId,
			UserName:    client.user.DisplayName,
			UserColor:   client.user.Color,
			Content:     strings.TrimSpace(v.Content),
			Attachments: v.Attachments,
			CreateTime:  time.Now(),
		}
		self.stateLock.Lock()
		self.chat.append(chatMessage)
		self.stateLock.Unlock()
		self.broadcast(&ChatFileDelivered{
			TransferId: v.TransferId,
			Message:    chatMessage,
		})
	case *ChatReaction:
		if !self.can(client, ActionReact) {
			self.forbid(client, "chat_reaction")
			return
		}
		self.stateLock.Lock()
		_, applied := self.chat.applyReaction(v.MessageId, v.Emoji, client.user.UserId)
		self.stateLock.Unlock()
		if applied {
			self.broadcast(&ChatReaction{
				RoomId:    self.roomId,
				MessageId: v.MessageId,
				Emoji:     v.Emoji,
				UserId:    client.user.UserId,
			})
		}
	case *LockAcquire:
		if !self.can(client, ActionLock) {
			self.forbid(client, "lock_acquire")
			return
		}
		if v.ResourceId == "" {
			self.notice(client, ErrorCodeBadRequest, "Lock requires a resource.")
			return
		}
		var granted *LockInfo
		var holder *LockInfo
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			existing := self.locks[v.ResourceId]
			if existing != nil && existing.OwnerId != client.user.UserId {
				holder = existing
				return
			}
			if existing != nil {
				// reacquire confirms the standing lock
				granted = existing
				return
			}
			granted = &LockInfo{
				ResourceId:  v.ResourceId,
				OwnerId:     client.user.UserId,
				AcquireTime: time.Now(),
			}
			self.locks[v.ResourceId] = granted
		}()
		if holder != nil {
			self.unicast(client, &LockDenied{
				ResourceId: v.ResourceId,
				OwnerId:    holder.OwnerId,
			})
			return
		}
		self.broadcast(&LockAcquired{Lock: granted})
	case *LockRelease:
		var released *LockInfo
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			existing := self.locks[v.ResourceId]
			if existing == nil {
				return
			}
			if existing.OwnerId != client.user.UserId && !self.roles[client.user.UserId].AtLeast(RoleOwner) {
				return
			}
			delete(self.locks, v.ResourceId)
			released = existing
		}()
		if released != nil {
			self.broadcast(&LockReleased{
				ResourceId: released.ResourceId,
				OwnerId:    released.OwnerId,
			})
		}
	case *RoleSet:
		if !self.can(client, ActionManageRoles) {
			self.forbid(client, "role_set")
			return
		}
		if v.UserId == client.user.UserId {
			self.notice(client, ErrorCodeBadRequest, "Cannot change your own role.")
			return
		}
		if !v.Role.Valid() {
			self.notice(client, ErrorCodeBadRequest, "Unknown role.")
			return
		}
		applied := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if _, ok := self.roles[v.UserId]; !ok {
				return
			}
			self.roles[v.UserId] = v.Role
			if user, ok := self.users[v.UserId]; ok {
				user.Role = v.Role
			}
			applied = true
		}()
		if applied {
			self.broadcast(&RoleChanged{
				UserId: v.UserId,
				Role:   v.Role,
			})
		}
	case *UserKick:
		if !self.can(client, ActionKick) {
			self.forbid(client, "user_kick")
			return
		}
		if v.UserId == client.user.UserId {
			self.notice(client, ErrorCodeBadRequest, "Cannot kick yourself.")
			return
		}
		self.stateLock.Lock()
		target := self.userClients[v.UserId]
		self.stateLock.Unlock()
		if target == nil {
			return
		}
		self.kick(target, v.Reason)
	case *PresenceRequest:
		self.unicast(client, &PresenceUpdated{Users: self.userListSnapshot()})
	case *UserBlock, *UserUnblock:
		// a client side mute, nothing to arbitrate
		glog.V(2).Infof("[r]%s ignore client side mute from %s\n", self.roomId, client.user.DisplayName)
	default:
		glog.V(2).Infof("[r]%s drop unexpected message %T\n", self.roomId, v)
	}
}

func (self *serverRoom) kick(target *serverClient, reason string) {
	self.unicast(target, &UserKicked{
		UserId: target.user.UserId,
		Reason: reason,
	})

	var releasedLocks []*LockInfo
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		delete(self.clients, target)
		userId := target.user.UserId
		if self.userClients[userId] == target {
			delete(self.userClients, userId)
			delete(self.users, userId)
			releasedLocks = self.releaseLocksOf(userId)
		}
	}()
	target.close()

	for _, lock := range releasedLocks {
		self.broadcast(&LockReleased{
			ResourceId: lock.ResourceId,
			OwnerId:    lock.OwnerId,
		})
	}
	self.broadcast(&UserLeft{UserId: target.user.UserId})
	self.broadcast(&PresenceUpdated{Users: self.userListSnapshot()})
	glog.Infof("[r]%s kick %s\n", self.roomId, target.user.DisplayName)
}

// callers hold the state lock
func (self *serverRoom) releaseLocksOf(userId Id) []*LockInfo {
	released := []*LockInfo{}
	for resourceId, lock := range self.locks {
		if lock.OwnerId == userId {
			released = append(released, lock)
			delete(self.locks, resourceId)
		}
	}
	return released
}

func (self *serverRoom) roleOf(client *serverClient) Role {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.roles[client.user.UserId]
}

func (self *serverRoom) can(client *serverClient, action Action) bool {
	return Can(self.roleOf(client), action)
}

// the author may edit and delete, the room owner may moderate
func (self *serverRoom) canEditComment(client *serverClient, comment *StepComment) bool {
	if comment.AuthorId == client.user.UserId {
		return self.can(client, ActionComment)
	}
	return self.roleOf(client).AtLeast(RoleOwner)
}

// the author or any editor may settle a thread
func (self *serverRoom) canResolveComment(client *serverClient, comment *StepComment) bool {
	if comment.AuthorId == client.user.UserId {
		return self.can(client, ActionComment)
	}
	return self.roleOf(client).AtLeast(RoleEditor)
}

func (self *serverRoom) commentFor(commentId Id) *StepComment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.comments.comment(commentId)
}

func (self *serverRoom) touch(client *serverClient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	client.user.LastSeen = time.Now()
}

func (self *serverRoom) forbid(client *serverClient, what string) {
	glog.V(1).Infof("[r]%s forbid %s for %s\n", self.roomId, what, client.user.DisplayName)
	self.notice(client, ErrorCodeForbidden, fmt.Sprintf("%s requires a higher role.", what))
}

func (self *serverRoom) notice(client *serverClient, code string, message string) {
	self.unicast(client, &ErrorNotice{
		Code:    code,
		Message: message,
	})
}

func (self *serverRoom) unicast(client *serverClient, message any) {
	b, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[r]%s unicast encode error = %s\n", self.roomId, err)
		return
	}
	client.enqueue(b)
}

func (self *serverRoom) broadcast(message any) {
	self.broadcastExcept(nil, message)
}

func (self *serverRoom) broadcastExcept(except *serverClient, message any) {
	b, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[r]%s broadcast encode error = %s\n", self.roomId, err)
		return
	}
	self.stateLock.Lock()
	clients := make([]*serverClient, 0, len(self.clients))
	for client := range self.clients {
		if client != except {
			clients = append(clients, client)
		}
	}
	self.stateLock.Unlock()
	for _, client := range clients {
		client.enqueue(b)
	}
}

// callers hold the state lock. returns copies so the marshal in the
// http status handlers never reads a user the run goroutine mutates.
func (self *serverRoom) userList() []*User {
	users := make([]*User, 0, len(self.users))
	for _, user := range self.users {
		users = append(users, user.Copy())
	}
	slices.SortFunc(users, func(a *User, b *User) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		if a.UserId.LessThan(b.UserId) {
			return -1
		}
		if b.UserId.LessThan(a.UserId) {
			return 1
		}
		return 0
	})
	return users
}

func (self *serverRoom) userListSnapshot() []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.userList()
}

// callers hold the state lock
func (self *serverRoom) lockList() []*LockInfo {
	locks := maps.Values(self.locks)
	slices.SortFunc(locks, func(a *LockInfo, b *LockInfo) int {
		return strings.Compare(a.ResourceId, b.ResourceId)
	})
	return locks
}

func (self *serverRoom) status() *RoomStatusResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &RoomStatusResult{
		RoomId:       self.roomId,
		Name:         self.room.Name,
		UserCount:    len(self.users),
		Users:        self.userList(),
		LockCount:    len(self.locks),
		MessageCount: self.chat.count(),
	}
}

func (self *serverRoom) clientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.clients)
}

type serverClient struct {
	room *serverRoom
	ws   *websocket.Conn
	user *User

	proposedRole Role

	send chan []byte

	closeOnce sync.Once
}

func newServerClient(
	room *serverRoom,
	ws *websocket.Conn,
	user *User,
	proposedRole Role,
) *serverClient {
	return &serverClient{
		room:         room,
		ws:           ws,
		user:         user,
		proposedRole: proposedRole,
		send:         make(chan []byte, room.settings.SendBufferSize),
	}
}

// the room run goroutine owns enqueue and close,
// so a send never races the channel close
func (self *serverClient) enqueue(b []byte) {
	select {
	case self.send <- b:
	default:
		glog.Infof("[r]%s drop send to %s, buffer full\n", self.room.roomId, self.user.DisplayName)
	}
}

func (self *serverClient) close() {
	self.closeOnce.Do(func() {
		close(self.send)
	})
}

func (self *serverClient) writePump() {
	defer self.ws.Close()

	for message := range self.send {
		self.ws.SetWriteDeadline(time.Now().Add(self.room.settings.WriteTimeout))
		if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			glog.V(2).Infof("[r]%s-> %s error = %s\n", self.room.roomId, self.user.DisplayName, err)
			return
		}
	}
	// the room closed the channel, say goodbye
	deadline := time.Now().Add(self.room.settings.WriteTimeout)
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	self.ws.WriteControl(websocket.CloseMessage, closeMessage, deadline)
}

func (self *serverClient) readPump() {
	defer func() {
		select {
		case self.room.unregister <- self:
		case <-self.room.ctx.Done():
		}
		self.ws.Close()
	}()

	for {
		self.ws.SetReadDeadline(time.Now().Add(self.room.settings.ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := DecodeMessage(message)
		if err != nil {
			glog.V(2).Infof("[r]%s<- %s drop undecodable message = %s\n", self.room.roomId, self.user.DisplayName, err)
			continue
		}
		select {
		case self.room.inbound <- &inboundMessage{client: self, message: m}:
		case <-self.room.ctx.Done():
			return
		}
	}
}
