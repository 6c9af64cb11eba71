package _switch

import (
	"sync"

	"github.com/adwski/relaychat/backend/model"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type endpoint struct {
	id    model.ConnID
	room  string
	tx    model.Outbox
	evict func()
}

// Switch is the room registry. It maps rooms to connection handles and
// handles back to their room so Leave does not scan rooms.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[model.ConnID]*endpoint
	conns  map[model.ConnID]*endpoint
	lastID model.ConnID
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[model.ConnID]*endpoint),
		conns:  make(map[model.ConnID]*endpoint),
	}
}

// Join registers a connection in room and returns its handle. Frames for the
// connection are queued on tx. evict is called (outside any registry lock) when
// tx is full during a broadcast; it must be safe to call more than once.
func (sw *Switch) Join(room string, tx model.Outbox, evict func()) model.ConnID {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.lastID++
	ep := &endpoint{
		id:    sw.lastID,
		room:  room,
		tx:    tx,
		evict: evict,
	}
	members, ok := sw.rooms[room]
	if !ok {
		members = make(map[model.ConnID]*endpoint)
		sw.rooms[room] = members
	}
	members[ep.id] = ep
	sw.conns[ep.id] = ep

	sw.logger.Debug().
		Str("room", room).
		Uint64("conn", uint64(ep.id)).
		Int("members", len(members)).
		Msg("endpoint joined")
	return ep.id
}

// Leave removes the connection from its room. Unknown or already removed
// handles are ignored. Empty rooms are dropped.
func (sw *Switch) Leave(id model.ConnID) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ep, ok := sw.conns[id]
	if !ok {
		return
	}
	delete(sw.conns, id)
	members := sw.rooms[ep.room]
	delete(members, id)
	if len(members) == 0 {
		delete(sw.rooms, ep.room)
	}

	sw.logger.Debug().
		Str("room", ep.room).
		Uint64("conn", uint64(id)).
		Int("members", len(members)).
		Msg("endpoint left")
}

// Broadcast queues frame for every member of room, sender included, and
// returns how many members accepted it. A member whose queue is full misses
// the frame and gets evicted; the others are not affected.
func (sw *Switch) Broadcast(room string, frame []byte) int {
	var (
		delivered int
		slow      []*endpoint
	)

	// the read lock is held for the whole pass so that membership cannot
	// change while the frame is being queued
	sw.mx.RLock()
	for _, ep := range sw.rooms[room] {
		select {
		case ep.tx <- frame:
			delivered++
		default:
			slow = append(slow, ep)
		}
	}
	sw.mx.RUnlock()

	for _, ep := range slow {
		sw.logger.Warn().
			Str("room", room).
			Uint64("conn", uint64(ep.id)).
			Msg("outbox is full, evicting slow endpoint")
		if ep.evict != nil {
			ep.evict()
		}
	}
	if delivered == 0 {
		sw.logger.Debug().
			Str("room", room).
			Msg("broadcast did not reach anyone")
	}
	return delivered
}

func (sw *Switch) Members(room string) []model.ConnID {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return lo.Keys(sw.rooms[room])
}

// Rooms returns the member count of every non-empty room.
func (sw *Switch) Rooms() map[string]int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return lo.MapValues(sw.rooms, func(members map[model.ConnID]*endpoint, _ string) int {
		return len(members)
	})
}
