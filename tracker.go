package collab

import (
	"sync"
)

// the tracked surface's placement in absolute coordinates
type Bounds struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

type PointerEvent struct {
	X float64
	Y float64
}

type PointerFunction func(event PointerEvent)

type TextFunction func(text string)

// PointerSource is a surface that emits absolute pointer positions,
// typically a canvas or document wrapper in the embedding UI.
type PointerSource interface {
	Bounds() Bounds
	// the returned function detaches the callback
	AddPointerCallback(pointerCallback PointerFunction) func()
}

// TextSource is an editable element that emits its full text after
// every change.
type TextSource interface {
	TargetId() string
	Text() string
	// the returned function detaches the callback
	AddTextCallback(textCallback TextFunction) func()
}

// TrackCursor publishes pointer movement over the source as cursor
// positions relative to the source origin. The returned function
// detaches the listener this call attached. It is idempotent, calling
// it on any exit path leaves no listener behind.
func (self *Collaborator) TrackCursor(source PointerSource) func() {
	remove := source.AddPointerCallback(func(event PointerEvent) {
		bounds := source.Bounds()
		self.SendCursorPosition(Position{
			X: event.X - bounds.X,
			Y: event.Y - bounds.Y,
		})
	})
	var once sync.Once
	return func() {
		once.Do(remove)
	}
}

// TrackTextInput diffs each text snapshot against the previous one and
// publishes the minimal edit. The returned function detaches the
// listener this call attached, idempotently.
func (self *Collaborator) TrackTextInput(source TextSource) func() {
	previous := source.Text()
	remove := source.AddTextCallback(func(text string) {
		change, ok := diffContent(previous, text)
		if !ok {
			return
		}
		previous = text
		change.TargetId = source.TargetId()
		self.SendContentChange(change)
	})
	var once sync.Once
	return func() {
		once.Do(remove)
	}
}

// diffContent reduces an old and a new text to one minimal edit using
// the longest common prefix and suffix. Positions and lengths count
// runes. Returns false when the texts are equal.
func diffContent(previousText string, nextText string) (*ContentChange, bool) {
	if previousText == nextText {
		return nil, false
	}
	previous := []rune(previousText)
	next := []rune(nextText)

	prefix := 0
	for prefix < len(previous) && prefix < len(next) && previous[prefix] == next[prefix] {
		prefix += 1
	}
	suffix := 0
	for suffix < len(previous)-prefix && suffix < len(next)-prefix &&
		previous[len(previous)-1-suffix] == next[len(next)-1-suffix] {
		suffix += 1
	}

	removed := len(previous) - prefix - suffix
	inserted := string(next[prefix : len(next)-suffix])

	change := &ContentChange{
		Position: prefix,
	}
	switch {
	case removed == 0:
		change.Kind = ContentChangeInsert
		change.Content = inserted
	case len(inserted) == 0:
		change.Kind = ContentChangeDelete
		change.Length = removed
	default:
		change.Kind = ContentChangeReplace
		change.Length = removed
		change.Content = inserted
	}
	return change, true
}

// ApplyContentChange applies one edit to a text. Positions and lengths
// count runes. A change that does not fit the text returns the text
// unchanged.
func ApplyContentChange(text string, change *ContentChange) string {
	if change == nil {
		return text
	}
	runes := []rune(text)
	at := change.Position
	if at < 0 || len(runes) < at {
		return text
	}
	switch change.Kind {
	case ContentChangeInsert:
		return string(runes[0:at]) + change.Content + string(runes[at:])
	case ContentChangeDelete:
		end := at + change.Length
		if end < at || len(runes) < end {
			return text
		}
		return string(runes[0:at]) + string(runes[end:])
	case ContentChangeReplace:
		end := at + change.Length
		if end < at || len(runes) < end {
			return text
		}
		return string(runes[0:at]) + change.Content + string(runes[end:])
	default:
		return text
	}
}
