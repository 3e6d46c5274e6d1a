package collab

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func TestRoomServerJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	aWs, roomStateA := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()

	assert.Equal(t, roomStateA.Room.RoomId, "pipeline-42")
	assert.Equal(t, roomStateA.Room.Name, "pipeline-42")
	assert.Equal(t, roomStateA.You.UserId, ada.UserId)
	// the first joiner owns the room
	assert.Equal(t, roomStateA.You.Role, RoleOwner)
	assert.Equal(t, roomStateA.You.IsOnline, true)
	// a joiner without a color gets one from the palette
	assert.NotEqual(t, roomStateA.You.Color, "")
	assert.Equal(t, len(roomStateA.Users), 1)
	assert.Equal(t, len(roomStateA.Locks), 0)

	mei := &User{UserId: NewId(), DisplayName: "mei", Color: "#123456"}
	bWs, roomStateB := testJoin(t, srv, "pipeline-42", mei, "", "")
	defer bWs.Close()

	assert.Equal(t, roomStateB.You.Role, RoleEditor)
	// a brought color sticks
	assert.Equal(t, roomStateB.You.Color, "#123456")
	// the roster sorts by display name
	assert.Equal(t, len(roomStateB.Users), 2)
	assert.Equal(t, roomStateB.Users[0].DisplayName, "ada")
	assert.Equal(t, roomStateB.Users[1].DisplayName, "mei")

	joined := readMessage[*UserJoined](t, aWs)
	assert.Equal(t, joined.User.UserId, mei.UserId)
	assert.Equal(t, joined.User.Role, RoleEditor)
	presence := readMessage[*PresenceUpdated](t, aWs)
	assert.Equal(t, len(presence.Users), 2)

	// a join without a user id gets one assigned
	cWs, roomStateC := testJoin(t, srv, "pipeline-42", &User{DisplayName: "kay"}, "", "")
	assert.NotEqual(t, roomStateC.You.UserId, Id{})

	// a dropped connection announces the leave
	cWs.Close()
	left := readMessage[*UserLeft](t, aWs)
	assert.Equal(t, left.UserId, roomStateC.You.UserId)

	bWs.Close()
	left = readMessage[*UserLeft](t, aWs)
	assert.Equal(t, left.UserId, mei.UserId)
}

func TestRoomServerJoinDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRoomServerSettings()
	settings.RoomPasswords = map[string]string{"pipeline-42": "hunter2"}
	server := NewRoomServer(ctx, settings)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	// wrong password
	ws := testDial(t, srv, "pipeline-42")
	writeMessage(t, ws, &JoinRoom{
		RoomId:   "pipeline-42",
		User:     &User{UserId: NewId(), DisplayName: "ada"},
		Password: "guess",
	})
	notice := readMessage[*ErrorNotice](t, ws)
	assert.Equal(t, notice.Code, ErrorCodeJoinDenied)
	assert.Equal(t, notice.Message, "Wrong room password.")
	// the server hangs up after the denial
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.NotEqual(t, err, nil)
	ws.Close()

	// the first message must be the join request
	ws = testDial(t, srv, "pipeline-42")
	writeMessage(t, ws, &Ping{SendTime: time.Now().UnixMilli()})
	notice = readMessage[*ErrorNotice](t, ws)
	assert.Equal(t, notice.Code, ErrorCodeJoinDenied)
	assert.Equal(t, notice.Message, "The first message must be the join request.")
	ws.Close()

	// a join needs a named user
	ws = testDial(t, srv, "pipeline-42")
	writeMessage(t, ws, &JoinRoom{
		RoomId: "pipeline-42",
		User:   &User{UserId: NewId()},
	})
	notice = readMessage[*ErrorNotice](t, ws)
	assert.Equal(t, notice.Message, "Join requires a user with a display name.")
	ws.Close()

	// the password opens the room
	ws, roomState := testJoin(t, srv, "pipeline-42", &User{UserId: NewId(), DisplayName: "ada"}, "hunter2", "")
	assert.Equal(t, roomState.Room.RoomId, "pipeline-42")
	ws.Close()

	// a room without a configured password stays open
	ws, roomState = testJoin(t, srv, "sidecar", &User{UserId: NewId(), DisplayName: "ada"}, "", "")
	assert.Equal(t, roomState.Room.RoomId, "sidecar")
	ws.Close()
}

func TestRoomServerInviteJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRoomServerSettings()
	settings.InviteSecret = "test secret"
	settings.RoomPasswords = map[string]string{"pipeline-42": "hunter2"}
	server := NewRoomServer(ctx, settings)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	aWs, _ := testJoin(t, srv, "pipeline-42", ada, "hunter2", "")
	defer aWs.Close()

	// an invite bypasses the room password and carries its role
	inviteToken, err := MintInviteToken("test secret", "pipeline-42", RoleViewer, 1*time.Hour)
	assert.Equal(t, err, nil)
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	bWs, roomStateB := testJoin(t, srv, "pipeline-42", mei, "", inviteToken)
	assert.Equal(t, roomStateB.You.Role, RoleViewer)
	assert.Equal(t, len(roomStateB.Users), 2)
	bWs.Close()

	// a token for another room is refused
	otherToken, err := MintInviteToken("test secret", "sidecar", RoleEditor, 1*time.Hour)
	assert.Equal(t, err, nil)
	ws := testDial(t, srv, "pipeline-42")
	writeMessage(t, ws, &JoinRoom{
		RoomId:      "pipeline-42",
		User:        &User{UserId: NewId(), DisplayName: "kay"},
		InviteToken: otherToken,
	})
	notice := readMessage[*ErrorNotice](t, ws)
	assert.Equal(t, notice.Code, ErrorCodeJoinDenied)
	assert.Equal(t, notice.Message, "Invite token is for another room.")
	ws.Close()

	// garbage is refused
	ws = testDial(t, srv, "pipeline-42")
	writeMessage(t, ws, &JoinRoom{
		RoomId:      "pipeline-42",
		User:        &User{UserId: NewId(), DisplayName: "kay"},
		InviteToken: "not a token",
	})
	notice = readMessage[*ErrorNotice](t, ws)
	assert.Equal(t, notice.Message, "Invalid invite token.")
	ws.Close()
}

func TestRoomServerBump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	ws1, roomState1 := testJoin(t, srv, "pipeline-42", ada, "", "")
	assert.Equal(t, roomState1.You.Role, RoleOwner)

	// the same user joins again. the newest connection wins and the
	// remembered role survives the bump.
	ws2, roomState2 := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer ws2.Close()
	assert.Equal(t, roomState2.You.Role, RoleOwner)
	assert.Equal(t, len(roomState2.Users), 1)

	room := server.lookupRoom("pipeline-42")
	assert.NotEqual(t, room, nil)
	assert.Equal(t, room.clientCount(), 1)

	// the old socket is closed out
	ws1.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws1.ReadMessage()
		if err != nil {
			break
		}
	}
	ws1.Close()
}

func TestRoomServerLocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	aWs, _ := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()
	bWs, _ := testJoin(t, srv, "pipeline-42", mei, "", "")
	defer bWs.Close()

	// settle the join chatter so the fences below read clean
	readThroughPong(t, aWs)
	readThroughPong(t, bWs)

	// the first acquire wins and everyone hears the grant
	writeMessage(t, aWs, &LockAcquire{RoomId: "pipeline-42", ResourceId: "step-1"})
	grantA := readMessage[*LockAcquired](t, aWs)
	assert.Equal(t, grantA.Lock.ResourceId, "step-1")
	assert.Equal(t, grantA.Lock.OwnerId, ada.UserId)
	assert.Equal(t, grantA.Lock.AcquireTime.IsZero(), false)
	grantB := readMessage[*LockAcquired](t, bWs)
	assert.Equal(t, grantB.Lock.OwnerId, ada.UserId)

	// the loser is denied, and only the loser hears it
	writeMessage(t, bWs, &LockAcquire{RoomId: "pipeline-42", ResourceId: "step-1"})
	denied := readMessage[*LockDenied](t, bWs)
	assert.Equal(t, denied.ResourceId, "step-1")
	assert.Equal(t, denied.OwnerId, ada.UserId)
	assert.Equal(t, hasMessageType[*LockDenied](readThroughPong(t, aWs)), false)

	// reacquire confirms the standing lock
	writeMessage(t, aWs, &LockAcquire{RoomId: "pipeline-42", ResourceId: "step-1"})
	grantA = readMessage[*LockAcquired](t, aWs)
	assert.Equal(t, grantA.Lock.OwnerId, ada.UserId)
	readMessage[*LockAcquired](t, bWs)

	// a release by a non holder is ignored
	writeMessage(t, bWs, &LockRelease{RoomId: "pipeline-42", ResourceId: "step-1"})
	assert.Equal(t, hasMessageType[*LockReleased](readThroughPong(t, bWs)), false)

	// the holder releases and everyone hears it
	writeMessage(t, aWs, &LockRelease{RoomId: "pipeline-42", ResourceId: "step-1"})
	releasedA := readMessage[*LockReleased](t, aWs)
	assert.Equal(t, releasedA.ResourceId, "step-1")
	assert.Equal(t, releasedA.OwnerId, ada.UserId)
	readMessage[*LockReleased](t, bWs)

	// a held lock travels in the join snapshot
	writeMessage(t, aWs, &LockAcquire{RoomId: "pipeline-42", ResourceId: "step-2"})
	readMessage[*LockAcquired](t, aWs)
	cWs, roomStateC := testJoin(t, srv, "pipeline-42", &User{UserId: NewId(), DisplayName: "kay"}, "", "")
	assert.Equal(t, len(roomStateC.Locks), 1)
	assert.Equal(t, roomStateC.Locks[0].ResourceId, "step-2")
	assert.Equal(t, roomStateC.Locks[0].OwnerId, ada.UserId)
	cWs.Close()

	// a disconnect releases everything the user held
	aWs.Close()
	releasedB := readMessage[*LockReleased](t, bWs)
	assert.Equal(t, releasedB.ResourceId, "step-2")
	assert.Equal(t, releasedB.OwnerId, ada.UserId)
	left := readMessage[*UserLeft](t, bWs)
	assert.Equal(t, left.UserId, ada.UserId)
}

func TestRoomServerRoles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRoomServerSettings()
	settings.DefaultRole = RoleViewer
	server := NewRoomServer(ctx, settings)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	aWs, roomStateA := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()
	bWs, roomStateB := testJoin(t, srv, "pipeline-42", mei, "", "")
	defer bWs.Close()

	assert.Equal(t, roomStateA.You.Role, RoleOwner)
	assert.Equal(t, roomStateB.You.Role, RoleViewer)

	readThroughPong(t, aWs)
	readThroughPong(t, bWs)

	// document mutation is gated on the editor role
	change := &ContentChange{
		Kind:     ContentChangeInsert,
		TargetId: "step-1",
		Position: 0,
		Content:  "X",
	}
	writeMessage(t, bWs, &ContentChangePublish{RoomId: "pipeline-42", Change: change})
	notice := readMessage[*ErrorNotice](t, bWs)
	assert.Equal(t, notice.Code, ErrorCodeForbidden)
	assert.Equal(t, notice.Message, "content_change requires a higher role.")

	writeMessage(t, bWs, &LockAcquire{RoomId: "pipeline-42", ResourceId: "step-1"})
	notice = readMessage[*ErrorNotice](t, bWs)
	assert.Equal(t, notice.Message, "lock_acquire requires a higher role.")

	// the owner promotes
	writeMessage(t, aWs, &RoleSet{RoomId: "pipeline-42", UserId: mei.UserId, Role: RoleEditor})
	changed := readMessage[*RoleChanged](t, aWs)
	assert.Equal(t, changed.UserId, mei.UserId)
	assert.Equal(t, changed.Role, RoleEditor)
	readMessage[*RoleChanged](t, bWs)

	// now the change lands, stamped with the true author
	writeMessage(t, bWs, &ContentChangePublish{RoomId: "pipeline-42", Change: change})
	contentChanged := readMessage[*ContentChanged](t, aWs)
	assert.Equal(t, contentChanged.Change.TargetId, "step-1")
	assert.Equal(t, contentChanged.Change.Content, "X")
	assert.Equal(t, contentChanged.Change.UserId, mei.UserId)
	assert.Equal(t, contentChanged.Change.ChangeTime.IsZero(), false)
	// the author does not hear the echo
	assert.Equal(t, hasMessageType[*ContentChanged](readThroughPong(t, bWs)), false)

	// only the owner manages roles
	writeMessage(t, bWs, &RoleSet{RoomId: "pipeline-42", UserId: ada.UserId, Role: RoleViewer})
	notice = readMessage[*ErrorNotice](t, bWs)
	assert.Equal(t, notice.Message, "role_set requires a higher role.")

	// not your own role
	writeMessage(t, aWs, &RoleSet{RoomId: "pipeline-42", UserId: ada.UserId, Role: RoleViewer})
	notice = readMessage[*ErrorNotice](t, aWs)
	assert.Equal(t, notice.Code, ErrorCodeBadRequest)
	assert.Equal(t, notice.Message, "Cannot change your own role.")

	// only known roles
	writeMessage(t, aWs, &RoleSet{RoomId: "pipeline-42", UserId: mei.UserId, Role: Role("janitor")})
	notice = readMessage[*ErrorNotice](t, aWs)
	assert.Equal(t, notice.Message, "Unknown role.")

	// a role set for a user the room has never seen goes nowhere
	writeMessage(t, aWs, &RoleSet{RoomId: "pipeline-42", UserId: NewId(), Role: RoleEditor})
	assert.Equal(t, hasMessageType[*RoleChanged](readThroughPong(t, aWs)), false)
}

func TestRoomServerComments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	kay := &User{UserId: NewId(), DisplayName: "kay"}
	aWs, _ := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()
	bWs, _ := testJoin(t, srv, "pipeline-42", mei, "", "")
	defer bWs.Close()
	cWs, _ := testJoin(t, srv, "pipeline-42", kay, "", "")
	defer cWs.Close()

	// demote kay to viewer
	writeMessage(t, aWs, &RoleSet{RoomId: "pipeline-42", UserId: kay.UserId, Role: RoleViewer})
	readMessage[*RoleChanged](t, aWs)

	readThroughPong(t, aWs)
	readThroughPong(t, bWs)
	readThroughPong(t, cWs)

	// the server assigns the comment identity and trims the content
	writeMessage(t, bWs, &CommentAdd{
		RoomId:   "pipeline-42",
		StepId:   "step-1",
		Content:  "  hello @ada  ",
		Mentions: []Id{ada.UserId},
	})
	added := readMessage[*CommentAdded](t, aWs)
	assert.NotEqual(t, added.Comment.CommentId, Id{})
	assert.Equal(t, added.Comment.StepId, "step-1")
	assert.Equal(t, added.Comment.AuthorId, mei.UserId)
	assert.Equal(t, added.Comment.AuthorName, "mei")
	assert.Equal(t, added.Comment.Content, "hello @ada")
	assert.Equal(t, added.Comment.Mentions, []Id{ada.UserId})
	assert.Equal(t, added.Comment.CreateTime.IsZero(), false)
	commentId := added.Comment.CommentId
	readMessage[*CommentAdded](t, bWs)
	readMessage[*CommentAdded](t, cWs)

	// viewers may comment
	writeMessage(t, cWs, &CommentAdd{
		RoomId:  "pipeline-42",
		StepId:  "step-1",
		Content: "looks wrong to me",
	})
	kayAdded := readMessage[*CommentAdded](t, cWs)
	assert.Equal(t, kayAdded.Comment.AuthorId, kay.UserId)
	readMessage[*CommentAdded](t, aWs)
	readMessage[*CommentAdded](t, bWs)

	// only the author or the owner may edit
	writeMessage(t, cWs, &CommentUpdate{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
		Content:   "redacted",
	})
	notice := readMessage[*ErrorNotice](t, cWs)
	assert.Equal(t, notice.Code, ErrorCodeForbidden)
	assert.Equal(t, notice.Message, "comment_update requires a higher role.")

	writeMessage(t, bWs, &CommentUpdate{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
		Content:   "hello @ada, second try",
		Mentions:  []Id{ada.UserId},
	})
	updated := readMessage[*CommentUpdated](t, aWs)
	assert.Equal(t, updated.CommentId, commentId)
	assert.Equal(t, updated.Content, "hello @ada, second try")
	readMessage[*CommentUpdated](t, bWs)
	readMessage[*CommentUpdated](t, cWs)

	// the owner moderates someone else's comment
	writeMessage(t, aWs, &CommentUpdate{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
		Content:   "moderated",
	})
	updated = readMessage[*CommentUpdated](t, aWs)
	assert.Equal(t, updated.Content, "moderated")
	readMessage[*CommentUpdated](t, bWs)
	readMessage[*CommentUpdated](t, cWs)

	// a viewer cannot settle someone else's thread
	writeMessage(t, cWs, &CommentResolve{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
		Resolved:  true,
	})
	notice = readMessage[*ErrorNotice](t, cWs)
	assert.Equal(t, notice.Message, "comment_resolve requires a higher role.")

	// the author settles their own
	writeMessage(t, bWs, &CommentResolve{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
		Resolved:  true,
	})
	resolved := readMessage[*CommentResolved](t, aWs)
	assert.Equal(t, resolved.CommentId, commentId)
	assert.Equal(t, resolved.Resolved, true)
	readMessage[*CommentResolved](t, bWs)
	readMessage[*CommentResolved](t, cWs)

	// a viewer settles their own too
	writeMessage(t, cWs, &CommentResolve{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: kayAdded.Comment.CommentId,
		Resolved:  true,
	})
	resolved = readMessage[*CommentResolved](t, cWs)
	assert.Equal(t, resolved.CommentId, kayAdded.Comment.CommentId)

	// delete follows the same rule as edit
	writeMessage(t, cWs, &CommentDelete{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
	})
	notice = readMessage[*ErrorNotice](t, cWs)
	assert.Equal(t, notice.Message, "comment_delete requires a higher role.")

	writeMessage(t, bWs, &CommentDelete{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: commentId,
	})
	deleted := readMessage[*CommentDeleted](t, aWs)
	assert.Equal(t, deleted.CommentId, commentId)
	readMessage[*CommentDeleted](t, bWs)
	readMessage[*CommentDeleted](t, cWs)

	// an empty comment is refused
	writeMessage(t, bWs, &CommentAdd{RoomId: "pipeline-42", StepId: "step-1", Content: "   "})
	notice = readMessage[*ErrorNotice](t, bWs)
	assert.Equal(t, notice.Code, ErrorCodeBadRequest)
	assert.Equal(t, notice.Message, "Comment requires a step and content.")

	// an update against an unknown comment goes nowhere
	writeMessage(t, bWs, &CommentUpdate{
		RoomId:    "pipeline-42",
		StepId:    "step-1",
		CommentId: NewId(),
		Content:   "missing",
	})
	assert.Equal(t, hasMessageType[*CommentUpdated](readThroughPong(t, bWs)), false)
}

func TestRoomServerChat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	aWs, _ := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()
	bWs, _ := testJoin(t, srv, "pipeline-42", mei, "", "")
	defer bWs.Close()

	readThroughPong(t, aWs)
	readThroughPong(t, bWs)

	// chat is stamped by the server and broadcast to everyone
	writeMessage(t, aWs, &ChatSend{RoomId: "pipeline-42", Content: "  hello room  "})
	chatA := readMessage[*ChatMessage](t, aWs)
	assert.NotEqual(t, chatA.MessageId, Id{})
	assert.Equal(t, chatA.RoomId, "pipeline-42")
	assert.Equal(t, chatA.UserId, ada.UserId)
	assert.Equal(t, chatA.UserName, "ada")
	assert.Equal(t, chatA.Content, "hello room")
	assert.Equal(t, chatA.CreateTime.IsZero(), false)
	chatB := readMessage[*ChatMessage](t, bWs)
	assert.Equal(t, chatB.MessageId, chatA.MessageId)

	// blank chat is dropped
	writeMessage(t, aWs, &ChatSend{RoomId: "pipeline-42", Content: "   "})
	assert.Equal(t, hasMessageType[*ChatMessage](readThroughPong(t, aWs)), false)

	// reactions are stamped with the true sender, whatever the payload claims
	writeMessage(t, bWs, &ChatReaction{
		RoomId:    "pipeline-42",
		MessageId: chatA.MessageId,
		Emoji:     "👍",
		UserId:    ada.UserId,
	})
	reaction := readMessage[*ChatReaction](t, aWs)
	assert.Equal(t, reaction.MessageId, chatA.MessageId)
	assert.Equal(t, reaction.Emoji, "👍")
	assert.Equal(t, reaction.UserId, mei.UserId)
	readMessage[*ChatReaction](t, bWs)

	// the same reaction again toggles off, and that also rebroadcasts
	writeMessage(t, bWs, &ChatReaction{
		RoomId:    "pipeline-42",
		MessageId: chatA.MessageId,
		Emoji:     "👍",
	})
	reaction = readMessage[*ChatReaction](t, aWs)
	assert.Equal(t, reaction.UserId, mei.UserId)
	readMessage[*ChatReaction](t, bWs)

	// a reaction to an unknown message goes nowhere
	writeMessage(t, bWs, &ChatReaction{
		RoomId:    "pipeline-42",
		MessageId: NewId(),
		Emoji:     "👍",
	})
	assert.Equal(t, hasMessageType[*ChatReaction](readThroughPong(t, bWs)), false)

	// file sends land as chat deliveries carrying the transfer id
	transferId := NewId()
	writeMessage(t, aWs, &ChatFileSend{
		RoomId:     "pipeline-42",
		TransferId: transferId,
		Content:    "specs attached",
		Attachments: []*ChatAttachment{
			{
				AttachmentId: NewId(),
				FileName:     "pipeline.yml",
				MimeType:     "text/yaml",
				Size:         2048,
			},
		},
	})
	delivered := readMessage[*ChatFileDelivered](t, bWs)
	assert.Equal(t, delivered.TransferId, transferId)
	assert.Equal(t, delivered.Message.UserId, ada.UserId)
	assert.Equal(t, delivered.Message.Content, "specs attached")
	assert.Equal(t, len(delivered.Message.Attachments), 1)
	assert.Equal(t, delivered.Message.Attachments[0].FileName, "pipeline.yml")
	readMessage[*ChatFileDelivered](t, aWs)

	// a file send without attachments is refused
	writeMessage(t, aWs, &ChatFileSend{RoomId: "pipeline-42", TransferId: NewId()})
	notice := readMessage[*ErrorNotice](t, aWs)
	assert.Equal(t, notice.Code, ErrorCodeBadRequest)
	assert.Equal(t, notice.Message, "File send requires attachments.")
}

func TestRoomServerKick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	aWs, _ := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()
	bWs, _ := testJoin(t, srv, "pipeline-42", mei, "", "")

	readThroughPong(t, aWs)
	readThroughPong(t, bWs)

	// only the owner kicks
	writeMessage(t, bWs, &UserKick{RoomId: "pipeline-42", UserId: ada.UserId})
	notice := readMessage[*ErrorNotice](t, bWs)
	assert.Equal(t, notice.Code, ErrorCodeForbidden)
	assert.Equal(t, notice.Message, "user_kick requires a higher role.")

	// not yourself
	writeMessage(t, aWs, &UserKick{RoomId: "pipeline-42", UserId: ada.UserId})
	notice = readMessage[*ErrorNotice](t, aWs)
	assert.Equal(t, notice.Message, "Cannot kick yourself.")

	// a kick against an absent user goes nowhere
	writeMessage(t, aWs, &UserKick{RoomId: "pipeline-42", UserId: NewId()})
	assert.Equal(t, hasMessageType[*UserLeft](readThroughPong(t, aWs)), false)

	// the kicked user hears the reason, then the socket closes
	writeMessage(t, aWs, &UserKick{RoomId: "pipeline-42", UserId: mei.UserId, Reason: "taking a break"})
	kicked := readMessage[*UserKicked](t, bWs)
	assert.Equal(t, kicked.UserId, mei.UserId)
	assert.Equal(t, kicked.Reason, "taking a break")
	bWs.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := bWs.ReadMessage()
		if err != nil {
			break
		}
	}
	bWs.Close()

	left := readMessage[*UserLeft](t, aWs)
	assert.Equal(t, left.UserId, mei.UserId)

	// a kick is not a ban, and the remembered role survives
	bWs2, roomState := testJoin(t, srv, "pipeline-42", mei, "", "")
	assert.Equal(t, roomState.You.Role, RoleEditor)
	bWs2.Close()
}

func TestRoomServerPresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	mei := &User{UserId: NewId(), DisplayName: "mei"}
	aWs, _ := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer aWs.Close()
	bWs, _ := testJoin(t, srv, "pipeline-42", mei, "", "")
	defer bWs.Close()

	// ping answers with the echoed send time
	sendTime := time.Now().UnixMilli()
	writeMessage(t, aWs, &Ping{SendTime: sendTime})
	pong := readMessage[*Pong](t, aWs)
	assert.Equal(t, pong.SendTime, sendTime)
	readThroughPong(t, bWs)

	// cursor moves fan out to everyone else
	writeMessage(t, aWs, &CursorMove{
		RoomId:   "pipeline-42",
		Position: Position{X: 0.25, Y: 0.75},
	})
	moved := readMessage[*CursorMoved](t, bWs)
	assert.Equal(t, moved.UserId, ada.UserId)
	assert.Equal(t, moved.Position, Position{X: 0.25, Y: 0.75})
	assert.Equal(t, moved.MoveTime.IsZero(), false)
	// the mover does not hear the echo
	assert.Equal(t, hasMessageType[*CursorMoved](readThroughPong(t, aWs)), false)

	// a presence request is answered only to the requester
	writeMessage(t, aWs, &PresenceRequest{RoomId: "pipeline-42"})
	presence := readMessage[*PresenceUpdated](t, aWs)
	assert.Equal(t, len(presence.Users), 2)
	assert.Equal(t, hasMessageType[*PresenceUpdated](readThroughPong(t, bWs)), false)

	// client side mutes are not arbitrated
	writeMessage(t, aWs, &UserBlock{RoomId: "pipeline-42", UserId: mei.UserId})
	assert.Equal(t, len(readThroughPong(t, aWs)), 0)
}

func TestRoomServerLastSeen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewRoomServerWithDefaults(ctx)
	defer server.Close()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ada := &User{UserId: NewId(), DisplayName: "ada"}
	ws, roomState := testJoin(t, srv, "pipeline-42", ada, "", "")
	defer ws.Close()
	joined := roomState.You.LastSeen
	assert.Equal(t, joined.IsZero(), false)

	// an idle client that only pings is still seen. the pong is fifo
	// behind the ping, so the refresh has landed by the time it reads.
	select {
	case <-time.After(20 * time.Millisecond):
	}
	writeMessage(t, ws, &Ping{SendTime: time.Now().UnixMilli()})
	readMessage[*Pong](t, ws)

	status, err := NewCollabApi(srv.URL).RoomStatusSync("pipeline-42")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(status.Users), 1)
	assert.Equal(t, joined.Before(status.Users[0].LastSeen), true)
}

func testWsUrl(srv *httptest.Server, roomId string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomId
}

func testDial(t *testing.T, srv *httptest.Server, roomId string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(testWsUrl(srv, roomId), nil)
	if err != nil {
		t.Fatalf("dial error = %s", err)
	}
	return ws
}

// runs the join handshake and returns the connection with the snapshot
func testJoin(
	t *testing.T,
	srv *httptest.Server,
	roomId string,
	user *User,
	password string,
	inviteToken string,
) (*websocket.Conn, *RoomState) {
	ws := testDial(t, srv, roomId)
	writeMessage(t, ws, &JoinRoom{
		RoomId:      roomId,
		User:        user,
		Password:    password,
		InviteToken: inviteToken,
	})
	roomState := readMessage[*RoomState](t, ws)
	return ws, roomState
}

func writeMessage(t *testing.T, ws *websocket.Conn, message any) {
	if err := ws.WriteMessage(websocket.TextMessage, RequireEncodeMessage(message)); err != nil {
		t.Fatalf("write error = %s", err)
	}
}

// reads until a message of type T arrives. everything else is skipped,
// so assertions stay independent of the presence chatter.
func readMessage[T any](t *testing.T, ws *websocket.Conn) T {
	for {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, b, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %s", err)
		}
		m, err := DecodeMessage(b)
		if err != nil {
			t.Fatalf("decode error = %s", err)
		}
		if v, ok := m.(T); ok {
			return v
		}
	}
}

// sends a ping and collects everything up to the matching pong. the per
// client send channel is fifo, so a message the room sent earlier must
// show up here, and a type that never shows was never sent.
func readThroughPong(t *testing.T, ws *websocket.Conn) []any {
	sendTime := time.Now().UnixNano()
	writeMessage(t, ws, &Ping{SendTime: sendTime})
	messages := []any{}
	for {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, b, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %s", err)
		}
		m, err := DecodeMessage(b)
		if err != nil {
			t.Fatalf("decode error = %s", err)
		}
		if pong, ok := m.(*Pong); ok && pong.SendTime == sendTime {
			return messages
		}
		messages = append(messages, m)
	}
}

func hasMessageType[T any](messages []any) bool {
	for _, m := range messages {
		if _, ok := m.(T); ok {
			return true
		}
	}
	return false
}
