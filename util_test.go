package collab

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, callbacks.Len(), 0)

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	cId := callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	// registration order
	results := []int{}
	for _, callback := range callbacks.Get() {
		results = append(results, callback())
	}
	assert.Equal(t, results, []int{1, 2, 3})

	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Len(), 2)
	results = []int{}
	for _, callback := range callbacks.Get() {
		results = append(results, callback())
	}
	assert.Equal(t, results, []int{1, 3})

	// removing twice is a no-op
	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Len(), 2)

	callbacks.Remove(aId)
	callbacks.Remove(cId)
	assert.Equal(t, callbacks.Len(), 0)
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestHandleError(t *testing.T) {
	// no panic, no handlers fired
	calls := 0
	r := HandleError(func() {}, func() {
		calls += 1
	})
	assert.Equal(t, r, nil)
	assert.Equal(t, calls, 0)

	// a panic fires every handler and is returned
	var handled error
	r = HandleError(func() {
		panic(errors.New("boom"))
	}, func() {
		calls += 1
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.Equal(t, calls, 1)
	assert.Equal(t, handled.Error(), "boom")

	// a non-error panic is wrapped for the error handlers
	handled = nil
	r = HandleError(func() {
		panic("bang")
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, r, "bang")
	assert.Equal(t, handled.Error(), "bang")
}

func TestIsDoneError(t *testing.T) {
	assert.Equal(t, IsDoneError(errors.New("Done")), true)
	assert.Equal(t, IsDoneError("Done"), true)
	assert.Equal(t, IsDoneError(errors.New("some other error")), false)
	assert.Equal(t, IsDoneError("almost Done"), false)
	assert.Equal(t, IsDoneError(42), false)
	assert.Equal(t, IsDoneError(nil), false)
}
