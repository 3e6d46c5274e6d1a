package collab

import (
	"golang.org/x/exp/maps"
)

// room roles, ordered by privilege
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

func (self Role) Valid() bool {
	switch self {
	case RoleViewer, RoleEditor, RoleOwner:
		return true
	default:
		return false
	}
}

func (self Role) Level() int {
	switch self {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}

// unknown roles fail closed
func (self Role) AtLeast(minRole Role) bool {
	if !self.Valid() || !minRole.Valid() {
		return false
	}
	return minRole.Level() <= self.Level()
}

func NormalizeRole(role Role) Role {
	if role.Valid() {
		return role
	}
	return RoleViewer
}

type Action string

const (
	// document mutation. editor and above.
	ActionEditContent Action = "edit_content"
	ActionLock        Action = "lock"

	// communication. any admitted role.
	ActionComment Action = "comment"
	ActionChat    Action = "chat"
	ActionReact   Action = "react"

	// room management. owner only.
	ActionManageRoles Action = "manage_roles"
	ActionKick        Action = "kick"
)

func Can(role Role, action Action) bool {
	switch action {
	case ActionEditContent, ActionLock:
		return role.AtLeast(RoleEditor)
	case ActionComment, ActionChat, ActionReact:
		return role.AtLeast(RoleViewer)
	case ActionManageRoles, ActionKick:
		return role.AtLeast(RoleOwner)
	default:
		return false
	}
}

// tracks the current user's role plus the locally blocked user set.
// blocks are a pure client-side mute. the server keeps relaying events
// from blocked users and this side drops them on arrival.
//
// callers hold the session lock.
type accessStore struct {
	role       Role
	blockedIds map[Id]bool
}

func newAccessStore() *accessStore {
	return &accessStore{
		role:       RoleViewer,
		blockedIds: map[Id]bool{},
	}
}

func (self *accessStore) setRole(role Role) {
	self.role = NormalizeRole(role)
}

func (self *accessStore) currentRole() Role {
	return self.role
}

func (self *accessStore) block(userId Id) {
	self.blockedIds[userId] = true
}

func (self *accessStore) unblock(userId Id) {
	delete(self.blockedIds, userId)
}

func (self *accessStore) isBlocked(userId Id) bool {
	return self.blockedIds[userId]
}

func (self *accessStore) blockedUserIds() []Id {
	return maps.Keys(self.blockedIds)
}
