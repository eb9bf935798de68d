package session

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/text/language"

	apperrors "github.com/chronicarpg/chronica/internal/errors"
	"github.com/chronicarpg/chronica/internal/platform/id"
)

// Registry indexes live rooms by id. Its lock covers only the index; room
// state is guarded by each room's own lock, acquired after the registry lock
// is released.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry returns an empty room index.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// RoomParams carries validated room creation input.
type RoomParams struct {
	Name        string
	Description string
	IsPrivate   bool
	Password    string
	OwnerID     string
	Locale      language.Tag
	CreatedAt   time.Time
}

// Create allocates a room with a fresh short id and the two default
// channels.
func (reg *Registry) Create(params RoomParams) (*Room, error) {
	general := Channel{ID: ChannelGeneral, Name: "General", Visibility: VisibilityAll}
	gm := Channel{ID: ChannelGM, Name: "GM", Visibility: VisibilityGMOnly}

	room := &Room{
		Name:        params.Name,
		Description: params.Description,
		IsPrivate:   params.IsPrivate,
		Password:    params.Password,
		OwnerID:     params.OwnerID,
		CreatedAt:   params.CreatedAt,
		Locale:      params.Locale,
		members:     make(map[string]*Member),
		bans:        make(map[string]struct{}),
		channels: map[string]Channel{
			general.ID: general,
			gm.ID:      gm,
		},
		channelOrder: []string{general.ID, gm.ID},
		history:      make(map[string][]Event),
		voicePeers:   make(map[string]struct{}),
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for attempt := 0; attempt < 5; attempt++ {
		roomID, err := id.NewShortID()
		if err != nil {
			return nil, err
		}
		if _, taken := reg.rooms[roomID]; taken {
			continue
		}
		room.ID = roomID
		reg.rooms[roomID] = room
		return room, nil
	}
	return nil, apperrors.New(apperrors.CodeUnknown, "could not allocate a room id")
}

// Get returns the room for an id.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// DestroyIfEmpty removes the room when its roster is empty and reports
// whether it did. Bans and history vanish with the room. The emptiness
// check and the delete happen under both the registry lock and the room
// lock, and the room is marked closed so a join that already holds the
// room pointer is turned away instead of reviving a deleted room. No other
// path locks a room while holding the registry lock, so the nesting cannot
// deadlock.
func (reg *Registry) DestroyIfEmpty(roomID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) != 0 {
		return false
	}
	room.closed = true
	delete(reg.rooms, roomID)
	return true
}

// List snapshots every live room for discovery, ordered by creation time
// then id so broadcasts are stable.
func (reg *Registry) List() []RoomSummary {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	summaries := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt < summaries[j].CreatedAt
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}
