package _switch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/adwski/relaychat/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func TestSwitch_BroadcastStaysInRoom(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	r1, r2, s1 := model.NewOutbox(4), model.NewOutbox(4), model.NewOutbox(4)
	sw.Join("R", r1, nil)
	sw.Join("R", r2, nil)
	sw.Join("S", s1, nil)

	req.Equal(2, sw.Broadcast("R", []byte("hello")))
	req.Equal([]byte("hello"), <-r1)
	req.Equal([]byte("hello"), <-r2)
	req.Empty(s1)

	req.Equal(map[string]int{"R": 2, "S": 1}, sw.Rooms())
}

func TestSwitch_LeaveIsIdempotentAndDropsEmptyRooms(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	a := sw.Join("R", model.NewOutbox(1), nil)
	b := sw.Join("R", model.NewOutbox(1), nil)
	req.NotEqual(a, b)
	req.ElementsMatch([]model.ConnID{a, b}, sw.Members("R"))

	sw.Leave(a)
	sw.Leave(a)
	req.Equal([]model.ConnID{b}, sw.Members("R"))

	sw.Leave(b)
	req.Empty(sw.Members("R"))
	req.Empty(sw.Rooms())

	sw.Leave(12345)
}

func TestSwitch_DepartedMemberMissesLaterBroadcasts(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	boxes := []model.Outbox{model.NewOutbox(4), model.NewOutbox(4), model.NewOutbox(4)}
	ids := make([]model.ConnID, len(boxes))
	for i, box := range boxes {
		ids[i] = sw.Join("R", box, nil)
	}
	sw.Leave(ids[1])

	req.Equal(2, sw.Broadcast("R", []byte("after")))
	req.Len(boxes[0], 1)
	req.Len(boxes[1], 0)
	req.Len(boxes[2], 1)
}

func TestSwitch_SlowEndpointIsEvicted(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	var evicted atomic.Int32
	slow := model.NewOutbox(1)
	fast := model.NewOutbox(4)
	sw.Join("R", slow, func() { evicted.Add(1) })
	sw.Join("R", fast, func() { t.Error("fast endpoint must not be evicted") })

	req.Equal(2, sw.Broadcast("R", []byte("1")))
	req.Equal(1, sw.Broadcast("R", []byte("2")))
	req.Equal(int32(1), evicted.Load())
	req.Len(fast, 2)
	req.Len(slow, 1)
}

func TestSwitch_BroadcastToUnknownRoom(t *testing.T) {
	require.Zero(t, newTestSwitch().Broadcast("nobody", []byte("x")))
}

func TestSwitch_ConcurrentJoinLeaveBroadcast(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	const workers = 16
	wg := &sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			room := fmt.Sprintf("room-%d", i%4)
			for j := 0; j < 100; j++ {
				box := model.NewOutbox(128)
				id := sw.Join(room, box, nil)
				sw.Broadcast(room, []byte("x"))
				sw.Members(room)
				sw.Leave(id)
			}
		}(i)
	}
	wg.Wait()

	req.Empty(sw.Rooms())
}
