package collab

import (
	"slices"
	"strings"
)

// per step comment lists in arrival order. entries are immutable once
// inserted. updates replace the entry so snapshots handed to consumers
// never change under them.
//
// callers hold the session lock.
type commentStore struct {
	stepComments map[string][]*StepComment
	commentIds   map[Id]*StepComment
}

func newCommentStore() *commentStore {
	return &commentStore{
		stepComments: map[string][]*StepComment{},
		commentIds:   map[Id]*StepComment{},
	}
}

func (self *commentStore) applyAdded(comment *StepComment) bool {
	if _, ok := self.commentIds[comment.CommentId]; ok {
		// duplicate delivery
		return false
	}
	self.commentIds[comment.CommentId] = comment
	self.stepComments[comment.StepId] = append(self.stepComments[comment.StepId], comment)
	return true
}

func (self *commentStore) applyUpdated(stepId string, commentId Id, content string, mentions []Id) bool {
	comment, ok := self.commentIds[commentId]
	if !ok || comment.StepId != stepId {
		return false
	}
	next := comment.Copy()
	next.Content = content
	next.Mentions = append([]Id{}, mentions...)
	self.replace(comment, next)
	return true
}

func (self *commentStore) applyDeleted(stepId string, commentId Id) bool {
	comment, ok := self.commentIds[commentId]
	if !ok || comment.StepId != stepId {
		return false
	}
	delete(self.commentIds, commentId)
	comments := self.stepComments[stepId]
	for i, existing := range comments {
		if existing.CommentId == commentId {
			self.stepComments[stepId] = append(comments[0:i], comments[i+1:]...)
			break
		}
	}
	// replies to the deleted comment stay and surface as thread roots
	return true
}

func (self *commentStore) applyResolved(stepId string, commentId Id, resolved bool) bool {
	comment, ok := self.commentIds[commentId]
	if !ok || comment.StepId != stepId {
		return false
	}
	next := comment.Copy()
	next.Resolved = resolved
	self.replace(comment, next)
	return true
}

func (self *commentStore) replace(previous *StepComment, next *StepComment) {
	self.commentIds[next.CommentId] = next
	comments := self.stepComments[next.StepId]
	for i, existing := range comments {
		if existing == previous {
			comments[i] = next
			break
		}
	}
}

func (self *commentStore) commentsFor(stepId string) []*StepComment {
	return slices.Clone(self.stepComments[stepId])
}

func (self *commentStore) comment(commentId Id) *StepComment {
	return self.commentIds[commentId]
}

func (self *commentStore) count() int {
	return len(self.commentIds)
}

func (self *commentStore) stepIds() []string {
	stepIds := make([]string, 0, len(self.stepComments))
	for stepId, comments := range self.stepComments {
		if 0 < len(comments) {
			stepIds = append(stepIds, stepId)
		}
	}
	slices.Sort(stepIds)
	return stepIds
}

type CommentThread struct {
	Root    *StepComment
	Replies []*StepComment
}

// assembles a flat comment list into deterministic threads.
// a comment whose parent is missing surfaces as its own root so that a
// deleted parent never hides the replies under it. a reply to a reply
// files under the topmost ancestor still present.
// roots and reply groups order by create time, then by comment id.
func BuildThreads(comments []*StepComment) []*CommentThread {
	present := map[Id]*StepComment{}
	for _, comment := range comments {
		present[comment.CommentId] = comment
	}

	rootOf := func(comment *StepComment) Id {
		at := comment
		// bounded by the list length, cycles cannot form under
		// server assigned ids but do not hang on bad input
		for range comments {
			if at.ParentId == nil {
				return at.CommentId
			}
			parent, ok := present[*at.ParentId]
			if !ok {
				return at.CommentId
			}
			at = parent
		}
		return at.CommentId
	}

	byComment := func(a *StepComment, b *StepComment) int {
		if a.CreateTime.Before(b.CreateTime) {
			return -1
		}
		if b.CreateTime.Before(a.CreateTime) {
			return 1
		}
		if a.CommentId.LessThan(b.CommentId) {
			return -1
		}
		if b.CommentId.LessThan(a.CommentId) {
			return 1
		}
		return 0
	}

	roots := []*StepComment{}
	replies := map[Id][]*StepComment{}
	for _, comment := range comments {
		rootId := rootOf(comment)
		if rootId == comment.CommentId {
			roots = append(roots, comment)
		} else {
			replies[rootId] = append(replies[rootId], comment)
		}
	}
	slices.SortStableFunc(roots, byComment)

	threads := make([]*CommentThread, 0, len(roots))
	for _, root := range roots {
		rootReplies := replies[root.CommentId]
		slices.SortStableFunc(rootReplies, byComment)
		threads = append(threads, &CommentThread{
			Root:    root,
			Replies: rootReplies,
		})
	}
	return threads
}

// resolves @name mentions in `content` against the room's user list.
// longer display names match first so "@mei lin" never resolves to "@mei",
// matching is case insensitive, and each user appears at most once.
func ExtractMentions(content string, users []*User) []Id {
	candidates := []*User{}
	for _, user := range users {
		if user.DisplayName != "" {
			candidates = append(candidates, user)
		}
	}
	slices.SortStableFunc(candidates, func(a *User, b *User) int {
		if len(b.DisplayName) != len(a.DisplayName) {
			return len(b.DisplayName) - len(a.DisplayName)
		}
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

	lower := strings.ToLower(content)
	consumed := make([]bool, len(lower))
	mentioned := []Id{}
	for _, user := range candidates {
		token := "@" + strings.ToLower(user.DisplayName)
		for from := 0; from+len(token) <= len(lower); {
			i := strings.Index(lower[from:], token)
			if i < 0 {
				break
			}
			at := from + i
			free := true
			for j := at; j < at+len(token); j += 1 {
				if consumed[j] {
					free = false
					break
				}
			}
			if free {
				for j := at; j < at+len(token); j += 1 {
					consumed[j] = true
				}
				if !slices.Contains(mentioned, user.UserId) {
					mentioned = append(mentioned, user.UserId)
				}
				from = at + len(token)
			} else {
				from = at + 1
			}
		}
	}
	return mentioned
}
