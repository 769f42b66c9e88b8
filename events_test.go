package icechat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter(t *testing.T) {
	t.Run("fan-out in registration order", func(t *testing.T) {
		e := newEmitter()
		var order []int
		e.On(EventMessageQueued, func(Event, any) { order = append(order, 1) })
		e.On(EventMessageQueued, func(Event, any) { order = append(order, 2) })

		e.emit(EventMessageQueued, nil)
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("a panicking handler does not take down the rest", func(t *testing.T) {
		e := newEmitter()
		reached := false
		e.On(EventMessageSent, func(Event, any) { panic("bad handler") })
		e.On(EventMessageSent, func(Event, any) { reached = true })

		e.emit(EventMessageSent, nil)
		assert.True(t, reached)
	})

	t.Run("removeAll drops every listener", func(t *testing.T) {
		e := newEmitter()
		fired := false
		e.On(EventMessageSent, func(Event, any) { fired = true })

		e.removeAll()
		e.emit(EventMessageSent, nil)
		assert.False(t, fired)
	})
}
