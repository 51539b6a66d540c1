package app

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Rooms holds the open rooms of the hub. A room exists from its first join
// until the orchestrator stops it.
type Rooms struct {
	mu     sync.RWMutex
	byName map[domain.RoomName]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &Rooms{byName: make(map[domain.RoomName]core.RoomService)}
}

func (rs *Rooms) GetOrCreate(name domain.RoomName) core.RoomService {
	if room, ok := rs.GetRoom(name); ok {
		return room
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if room, ok := rs.byName[name]; ok {
		return room
	}
	room := core.NewRoomService(&domain.Room{Name: name})
	rs.byName[name] = room
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Int("open", len(rs.byName)).Msg("room opened")
	return room
}

func (rs *Rooms) GetRoom(name domain.RoomName) (core.RoomService, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	room, ok := rs.byName[name]
	return room, ok
}

// List reports every open room ordered by name.
func (rs *Rooms) List() []core.RoomInfo {
	rs.mu.RLock()
	out := make([]core.RoomInfo, 0, len(rs.byName))
	for name, room := range rs.byName {
		out = append(out, core.RoomInfo{Name: name, MemberCount: room.MemberCount()})
	}
	rs.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (rs *Rooms) StopRoom(name domain.RoomName) {
	rs.mu.Lock()
	_, ok := rs.byName[name]
	delete(rs.byName, name)
	rs.mu.Unlock()
	if ok {
		log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room stopped")
	}
}
