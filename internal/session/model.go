// Package session owns all live state for active rooms: rosters, channels,
// bounded history, moderation flags, and voice-peer sets.
//
// State is split the way the engine checks its invariants: the Registry maps
// room ids to rooms, the Directory maps connection ids to their session
// records, and every cross-reference between the two is by identifier, never
// by shared mutable handle. The Engine is the only writer for room state and
// serializes each room's mutations behind that room's lock.
package session

import (
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/chronicarpg/chronica/internal/dice"
)

const (
	// MaxMembers bounds a room's roster. An eleventh join fails ROOM_FULL
	// and mutates nothing.
	MaxMembers = 10

	// MaxHistory bounds each channel's retained history. Oldest entries are
	// evicted first; tombstoned entries still count.
	MaxHistory = 200
)

// Role is a member's authority level within one room.
type Role string

const (
	RoleGM     Role = "GM"
	RoleCoGM   Role = "CO_GM"
	RolePlayer Role = "PLAYER"
)

// canModerate reports whether the role may run moderation and channel
// management actions.
func (r Role) canModerate() bool {
	return r == RoleGM || r == RoleCoGM
}

// Channel visibility values.
const (
	VisibilityAll    = "all"
	VisibilityGMOnly = "gm-only"
)

// Default channels installed on every room.
const (
	ChannelGeneral = "general"
	ChannelGM      = "gm"
)

// Channel describes a named sub-stream of chat history within a room.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

// EventType tags a history record.
type EventType string

const (
	EventChat    EventType = "chat"
	EventWhisper EventType = "whisper"
	EventGM      EventType = "gm"
	EventRoll    EventType = "roll"
	EventSystem  EventType = "system"
)

// Author describes who produced an event.
type Author struct {
	ConnID   string `json:"socketId"`
	Nickname string `json:"nickname"`
	Role     Role   `json:"role"`
	Avatar   string `json:"avatar,omitempty"`
}

// Event is an immutable chat/roll/system record appended to channel history.
// Deletion tombstones the record in place rather than removing it, so
// ordering and indices stay stable.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	ChannelID  string        `json:"channelId,omitempty"`
	WhisperTo  string        `json:"whisperTo,omitempty"`
	Author     *Author       `json:"author,omitempty"`
	Message    string        `json:"message,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Outcome    *dice.Outcome `json:"outcome,omitempty"`
	Timestamp  int64         `json:"timestamp"`
	Deleted    bool          `json:"deleted,omitempty"`
}

// Member is a connection's participation record within one room.
type Member struct {
	ConnID   string `json:"socketId"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Role     Role   `json:"role"`
	Status   string `json:"status"`
	Muted    bool   `json:"muted"`
}

// Session ties a connection id to its current room participation. Every
// Session has a matching Member in the room's roster and vice versa.
type Session struct {
	RoomID   string
	Role     Role
	Nickname string
	Avatar   string
}

// Profile is the connection-level identity the gateway resolves before any
// engine call.
type Profile struct {
	UserID   string
	Nickname string
	Avatar   string
	Locale   language.Tag
}

// Room is a live session container. All fields behind mu are owned by the
// Engine, which serializes every mutation for one room behind this lock.
// Registry and Directory locks are never acquired while mu is held.
type Room struct {
	mu sync.Mutex

	ID          string
	Name        string
	Description string
	IsPrivate   bool
	Password    string
	OwnerID     string
	CreatedAt   time.Time
	Locale      language.Tag

	members      map[string]*Member
	bans         map[string]struct{}
	channels     map[string]Channel
	channelOrder []string
	history      map[string][]Event
	voicePeers   map[string]struct{}

	// closed is set when the registry drops the room; late joiners that
	// still hold the pointer are rejected.
	closed bool
}

// RoomSummary is the discovery-broadcast view of a room.
type RoomSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"isPrivate"`
	CreatedAt   int64  `json:"createdAt"`
	Population  int    `json:"population"`
}

// ChannelHistory pairs a channel with its retained events for the join
// snapshot.
type ChannelHistory struct {
	ChannelID string  `json:"channelId"`
	Messages  []Event `json:"messages"`
}

// RoomSnapshot is returned to a joining connection only.
type RoomSnapshot struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Channels    []Channel        `json:"channels"`
	Role        Role             `json:"role"`
	History     []ChannelHistory `json:"history"`
}

// appendHistory appends an event to a channel's bounded history, evicting
// the oldest entries beyond MaxHistory. Callers hold r.mu.
func (r *Room) appendHistory(channelID string, event Event) {
	list := append(r.history[channelID], event)
	if len(list) > MaxHistory {
		list = list[len(list)-MaxHistory:]
	}
	r.history[channelID] = list
}

// channelList returns channels in creation order. Callers hold r.mu.
func (r *Room) channelList() []Channel {
	channels := make([]Channel, 0, len(r.channelOrder))
	for _, id := range r.channelOrder {
		channels = append(channels, r.channels[id])
	}
	return channels
}

// memberIDs returns every member connection id. Callers hold r.mu.
func (r *Room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// moderatorIDs returns connection ids with GM or CO_GM roles. Callers hold
// r.mu.
func (r *Room) moderatorIDs() []string {
	var ids []string
	for id, member := range r.members {
		if member.Role.canModerate() {
			ids = append(ids, id)
		}
	}
	return ids
}

// audienceFor resolves the delivery audience for a channel. Callers hold
// r.mu.
func (r *Room) audienceFor(channelID string) []string {
	if channel, ok := r.channels[channelID]; ok && channel.Visibility == VisibilityGMOnly {
		return r.moderatorIDs()
	}
	return r.memberIDs()
}

// findByNickname locates a member by display nickname. Callers hold r.mu.
func (r *Room) findByNickname(nickname string) (*Member, bool) {
	for _, member := range r.members {
		if member.Nickname == nickname {
			return member, true
		}
	}
	return nil, false
}

// presenceRoster snapshots the member roster for a presence broadcast.
// Callers hold r.mu.
func (r *Room) presenceRoster() []Member {
	roster := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		roster = append(roster, *member)
	}
	return roster
}

// summary snapshots the discovery view. Callers must not hold r.mu.
func (r *Room) summary() RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomSummary{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsPrivate:   r.IsPrivate,
		CreatedAt:   r.CreatedAt.UnixMilli(),
		Population:  len(r.members),
	}
}
