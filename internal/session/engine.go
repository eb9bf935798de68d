package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chronicarpg/chronica/internal/dice"
	apperrors "github.com/chronicarpg/chronica/internal/errors"
	"github.com/chronicarpg/chronica/internal/platform/i18n"
	"github.com/chronicarpg/chronica/internal/platform/id"
	"github.com/chronicarpg/chronica/internal/platform/sanitize"
)

// Field limits applied to client-supplied input before it touches room
// state.
const (
	maxRoomNameRunes    = 50
	maxDescriptionRunes = 200
	maxPasswordRunes    = 100
	maxChannelNameRunes = 30
	maxMessageRunes     = 2000
	maxStatusRunes      = 20
	maxExpressionRunes  = 100
	maxWhisperRunes     = 60
	maxSheetValueRunes  = 500
	maxSheetDepth       = 8
)

// Leave reason tokens recorded in system events.
const (
	ReasonLeave      = "leave"
	ReasonDisconnect = "disconnect"
	ReasonBan        = "ban"
)

// Moderation actions.
const (
	ActionMute    = "mute"
	ActionUnmute  = "unmute"
	ActionPromote = "promote"
	ActionDemote  = "demote"
	ActionBan     = "ban"
)

// Config wires an Engine's collaborators. Zero-value fields get defaults.
type Config struct {
	Registry  *Registry
	Directory *Directory
	Limiter   *RateLimiter
	Now       func() time.Time
}

// Engine applies room operations and returns the deliveries each one
// produces. It is the single writer for room state: every mutation for one
// room happens behind that room's lock, and registry/directory locks are
// only taken while no room lock is held.
type Engine struct {
	registry  *Registry
	directory *Directory
	limiter   *RateLimiter
	now       func() time.Time
}

// NewEngine builds an engine from cfg, filling in defaults for nil fields.
func NewEngine(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(RateLimitEvents, RateLimitWindow)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		registry:  cfg.Registry,
		directory: cfg.Directory,
		limiter:   cfg.Limiter,
		now:       cfg.Now,
	}
}

// Directory exposes the session directory, mainly for tests.
func (e *Engine) Directory() *Directory { return e.directory }

// RoomList snapshots every live room for discovery.
func (e *Engine) RoomList() []RoomSummary {
	return e.registry.List()
}

// CreateRoomParams carries room creation input before validation.
type CreateRoomParams struct {
	Name        string
	Description string
	IsPrivate   bool
	Password    string
}

// CreateRoom registers a new empty room owned by the caller. The caller is
// not joined automatically; the creator's first join assigns the GM role.
func (e *Engine) CreateRoom(connID string, profile Profile, params CreateRoomParams) (RoomSummary, []Delivery, error) {
	name := sanitize.Text(params.Name, maxRoomNameRunes)
	if !sanitize.NonEmpty(name) {
		return RoomSummary{}, nil, apperrors.New(apperrors.CodeValidation, "room name is required")
	}

	// Only private rooms keep a password; a stray password on a public
	// room must not lock anyone out.
	password := ""
	if params.IsPrivate {
		password = sanitize.Text(params.Password, maxPasswordRunes)
	}

	room, err := e.registry.Create(RoomParams{
		Name:        name,
		Description: sanitize.Text(params.Description, maxDescriptionRunes),
		IsPrivate:   params.IsPrivate,
		Password:    password,
		OwnerID:     identityKey(profile.UserID, connID),
		Locale:      profile.Locale,
		CreatedAt:   e.now(),
	})
	if err != nil {
		return RoomSummary{}, nil, err
	}

	deliveries := []Delivery{toEveryone(DeliverRoomList, e.registry.List())}
	return room.summary(), deliveries, nil
}

// JoinRoom adds a connection to a room and returns its private snapshot.
// A connection already in another room leaves it first, but only after the
// target room has admitted it; a rejected join leaves existing membership
// untouched. Rejoining the current room resyncs the snapshot without
// touching room state.
func (e *Engine) JoinRoom(connID string, profile Profile, roomID, password string) (*RoomSnapshot, []Delivery, error) {
	room, ok := e.registry.Get(roomID)
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodeNotFound, "room not found")
	}

	session, bound := e.directory.Lookup(connID)
	if bound && session.RoomID == roomID {
		if snapshot, ok := room.resync(connID); ok {
			return snapshot, nil, nil
		}
		// Stale binding: the room no longer holds the member.
		e.directory.Unbind(connID)
		bound = false
	}

	if err := room.checkAdmission(connID, profile, password); err != nil {
		return nil, nil, err
	}

	var deliveries []Delivery
	if bound {
		deliveries = append(deliveries, e.leave(connID, ReasonLeave)...)
	}

	snapshot, role, joinDeliveries, err := e.joinLocked(room, connID, profile, password)
	if err != nil {
		return nil, deliveries, err
	}
	deliveries = append(deliveries, joinDeliveries...)

	e.directory.Bind(connID, Session{
		RoomID:   room.ID,
		Role:     role,
		Nickname: profile.Nickname,
		Avatar:   profile.Avatar,
	})

	deliveries = append(deliveries, toEveryone(DeliverRoomList, e.registry.List()))
	return snapshot, deliveries, nil
}

// admitLocked rejects connections the room will not accept. Callers hold
// r.mu.
func (r *Room) admitLocked(connID string, profile Profile, password string) error {
	if r.closed {
		return apperrors.New(apperrors.CodeNotFound, "room not found")
	}
	if _, banned := r.bans[identityKey(profile.UserID, connID)]; banned {
		return apperrors.New(apperrors.CodeBanned, "you are banned from this room")
	}
	if _, banned := r.bans[identityKey("", connID)]; banned {
		return apperrors.New(apperrors.CodeBanned, "you are banned from this room")
	}
	if r.Password != "" && sanitize.Text(password, maxPasswordRunes) != r.Password {
		return apperrors.New(apperrors.CodeWrongPassword, "wrong room password")
	}
	if len(r.members) >= MaxMembers {
		return apperrors.New(apperrors.CodeRoomFull, "room is full")
	}
	return nil
}

func (r *Room) checkAdmission(connID string, profile Profile, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked(connID, profile, password)
}

// resync rebuilds the join snapshot for an existing member.
func (r *Room) resync(connID string) (*RoomSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	member, ok := r.members[connID]
	if !ok {
		return nil, false
	}
	return r.snapshotFor(member.Role), true
}

func (e *Engine) joinLocked(room *Room, connID string, profile Profile, password string) (*RoomSnapshot, Role, []Delivery, error) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if err := room.admitLocked(connID, profile, password); err != nil {
		return nil, "", nil, err
	}

	role := RolePlayer
	if identityKey(profile.UserID, connID) == room.OwnerID {
		role = RoleGM
	}
	room.members[connID] = &Member{
		ConnID:   connID,
		UserID:   profile.UserID,
		Nickname: profile.Nickname,
		Avatar:   profile.Avatar,
		Role:     role,
		Status:   "online",
	}

	event, err := e.systemEvent(room, i18n.MemberJoined(room.Locale, profile.Nickname))
	if err != nil {
		delete(room.members, connID)
		return nil, "", nil, err
	}
	room.appendHistory(ChannelGeneral, event)

	deliveries := []Delivery{
		toAll(room, DeliverChatMessage, event),
		toAll(room, DeliverPresence, room.presenceRoster()),
	}
	return room.snapshotFor(role), role, deliveries, nil
}

// snapshotFor builds the join snapshot visible to a role. GM-only channels
// and their history are withheld from players. Callers hold r.mu.
func (r *Room) snapshotFor(role Role) *RoomSnapshot {
	snapshot := &RoomSnapshot{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Role:        role,
	}
	for _, channelID := range r.channelOrder {
		channel := r.channels[channelID]
		if channel.Visibility == VisibilityGMOnly && !role.canModerate() {
			continue
		}
		snapshot.Channels = append(snapshot.Channels, channel)
		messages := make([]Event, len(r.history[channelID]))
		copy(messages, r.history[channelID])
		snapshot.History = append(snapshot.History, ChannelHistory{
			ChannelID: channelID,
			Messages:  messages,
		})
	}
	return snapshot
}

// LeaveRoom removes a connection from its room. It is a no-op for
// connections that are not in one.
func (e *Engine) LeaveRoom(connID string) []Delivery {
	return e.leave(connID, ReasonLeave)
}

// Disconnect runs the leave flow with the disconnect reason and drops the
// connection's rate-limit window.
func (e *Engine) Disconnect(connID string) []Delivery {
	deliveries := e.leave(connID, ReasonDisconnect)
	e.limiter.Forget(connID)
	return deliveries
}

func (e *Engine) leave(connID, reason string) []Delivery {
	session, ok := e.directory.Lookup(connID)
	if !ok {
		return nil
	}
	e.directory.Unbind(connID)

	room, ok := e.registry.Get(session.RoomID)
	if !ok {
		return nil
	}

	deliveries := e.leaveLocked(room, connID, reason)
	e.registry.DestroyIfEmpty(room.ID)
	return append(deliveries, toEveryone(DeliverRoomList, e.registry.List()))
}

func (e *Engine) leaveLocked(room *Room, connID, reason string) []Delivery {
	room.mu.Lock()
	defer room.mu.Unlock()

	member, ok := room.members[connID]
	if !ok {
		return nil
	}
	delete(room.members, connID)

	var deliveries []Delivery
	if _, inVoice := room.voicePeers[connID]; inVoice {
		delete(room.voicePeers, connID)
		deliveries = append(deliveries, toAll(room, DeliverPeerLeft, PeerPayload{ConnID: connID}))
	}

	event, err := e.systemEvent(room, i18n.MemberLeft(room.Locale, member.Nickname, reason))
	if err == nil {
		room.appendHistory(ChannelGeneral, event)
		deliveries = append(deliveries, toAll(room, DeliverChatMessage, event))
	}
	deliveries = append(deliveries, toAll(room, DeliverPresence, room.presenceRoster()))
	return deliveries
}

// SendChat posts a message to a channel, or whispers it to a single member
// when whisperTo names one. Whispers are delivered but never retained.
func (e *Engine) SendChat(connID, channelID, message, whisperTo string) (*Event, []Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, nil, err
	}
	if !e.limiter.Allow(connID, e.now()) {
		return nil, nil, apperrors.New(apperrors.CodeRateLimited, "too many events, slow down")
	}

	channelID = sanitize.Text(channelID, maxChannelNameRunes)
	if !sanitize.NonEmpty(channelID) {
		channelID = ChannelGeneral
	}
	message = sanitize.Text(message, maxMessageRunes)
	if !sanitize.NonEmpty(message) {
		return nil, nil, apperrors.New(apperrors.CodeValidation, "message is empty")
	}
	whisperTo = sanitize.Text(whisperTo, maxWhisperRunes)

	return e.chatLocked(room, connID, channelID, message, whisperTo)
}

func (e *Engine) chatLocked(room *Room, connID, channelID, message, whisperTo string) (*Event, []Delivery, error) {
	room.mu.Lock()
	defer room.mu.Unlock()

	member, ok := room.members[connID]
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	if member.Muted {
		return nil, nil, apperrors.New(apperrors.CodeMuted, "you are muted")
	}

	eventID, err := id.NewID()
	if err != nil {
		return nil, nil, apperrors.New(apperrors.CodeUnknown, "could not record the message")
	}
	event := Event{
		ID:        eventID,
		Message:   message,
		Author:    authorOf(member),
		Timestamp: e.now().UnixMilli(),
	}

	if whisperTo != "" {
		target, ok := room.findByNickname(whisperTo)
		if !ok {
			return nil, nil, apperrors.New(apperrors.CodeRecipientNotFound, "recipient not found")
		}
		event.Type = EventWhisper
		event.WhisperTo = target.Nickname
		delivery := toConns(DeliverChatMessage, event, connID, target.ConnID)
		return &event, []Delivery{delivery}, nil
	}

	channel, ok := room.channels[channelID]
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodeNotFound, "channel not found")
	}
	if channel.Visibility == VisibilityGMOnly && !member.Role.canModerate() {
		return nil, nil, apperrors.New(apperrors.CodeForbidden, "channel is restricted")
	}

	event.ChannelID = channelID
	event.Type = EventChat
	if channel.Visibility == VisibilityGMOnly {
		event.Type = EventGM
	}
	room.appendHistory(channelID, event)

	delivery := toConns(DeliverChatMessage, event, room.audienceFor(channelID)...)
	return &event, []Delivery{delivery}, nil
}

// CreateChannel adds a custom public channel. Only GM and CO_GM roles may
// manage channels.
func (e *Engine) CreateChannel(connID, name string) ([]Channel, []Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, nil, err
	}
	name = sanitize.Text(name, maxChannelNameRunes)
	if !sanitize.NonEmpty(name) {
		return nil, nil, apperrors.New(apperrors.CodeValidation, "channel name is required")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	member, ok := room.members[connID]
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	if !member.Role.canModerate() {
		return nil, nil, apperrors.New(apperrors.CodeForbidden, "only the GM can manage channels")
	}

	var channelID string
	for {
		suffix, err := id.NewShortID()
		if err != nil {
			return nil, nil, apperrors.New(apperrors.CodeUnknown, "could not allocate a channel id")
		}
		channelID = "ch-" + suffix
		if _, taken := room.channels[channelID]; !taken {
			break
		}
	}
	room.channels[channelID] = Channel{ID: channelID, Name: name, Visibility: VisibilityAll}
	room.channelOrder = append(room.channelOrder, channelID)

	channels := room.channelList()
	return channels, []Delivery{toAll(room, DeliverChannels, channels)}, nil
}

// DeleteMessage tombstones a history entry. Authors may delete their own
// messages; GM and CO_GM may delete anyone's. The tombstone keeps its slot
// in the bounded history.
func (e *Engine) DeleteMessage(connID, channelID, messageID string) ([]Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, err
	}
	channelID = sanitize.Text(channelID, maxChannelNameRunes)

	room.mu.Lock()
	defer room.mu.Unlock()

	member, ok := room.members[connID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}

	list := room.history[channelID]
	index := -1
	for i := range list {
		if list[i].ID == messageID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, "message not found")
	}

	event := &list[index]
	owns := event.Author != nil && event.Author.ConnID == connID
	if !owns && !member.Role.canModerate() {
		return nil, apperrors.New(apperrors.CodeForbidden, "you cannot delete this message")
	}

	event.Deleted = true
	event.Message = i18n.MessageRemoved(room.Locale)
	event.Expression = ""
	event.Outcome = nil

	payload := DeletePayload{ChannelID: channelID, MessageID: messageID}
	return []Delivery{toConns(DeliverChatDelete, payload, room.audienceFor(channelID)...)}, nil
}

// ExecuteRoll evaluates a dice expression and appends the outcome to the
// general channel.
func (e *Engine) ExecuteRoll(connID, expression string) (*Event, []Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, nil, err
	}
	if !e.limiter.Allow(connID, e.now()) {
		return nil, nil, apperrors.New(apperrors.CodeRateLimited, "too many events, slow down")
	}

	expression = sanitize.Text(expression, maxExpressionRunes)
	if !sanitize.NonEmpty(expression) {
		return nil, nil, apperrors.New(apperrors.CodeValidation, "expression is empty")
	}

	outcome, err := dice.Evaluate(expression)
	if err != nil {
		if errors.Is(err, dice.ErrInvalidTerm) {
			return nil, nil, apperrors.New(apperrors.CodeInvalidTerm, err.Error())
		}
		return nil, nil, apperrors.New(apperrors.CodeUnknown, "could not evaluate the roll")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	member, ok := room.members[connID]
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}

	eventID, err := id.NewID()
	if err != nil {
		return nil, nil, apperrors.New(apperrors.CodeUnknown, "could not record the roll")
	}
	event := Event{
		ID:         eventID,
		Type:       EventRoll,
		ChannelID:  ChannelGeneral,
		Author:     authorOf(member),
		Expression: expression,
		Outcome:    &outcome,
		Timestamp:  e.now().UnixMilli(),
	}
	room.appendHistory(ChannelGeneral, event)

	return &event, []Delivery{toAll(room, DeliverRollResult, event)}, nil
}

// UpdateSheet relays a member's character sheet to the rest of the room.
// String values are sanitized; the engine does not retain sheets.
func (e *Engine) UpdateSheet(connID string, sheet map[string]any) ([]Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, err
	}

	cleaned, _ := sanitizeSheetValue(sheet, 0).(map[string]any)

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.members[connID]; !ok {
		return nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}

	var targets []string
	for memberID := range room.members {
		if memberID != connID {
			targets = append(targets, memberID)
		}
	}
	payload := SheetPayload{ConnID: connID, Sheet: cleaned, UpdatedAt: e.now().UnixMilli()}
	return []Delivery{toConns(DeliverSheetUpdate, payload, targets...)}, nil
}

// UpdatePresence sets a member's status line and rebroadcasts the roster.
// An empty status resets to online.
func (e *Engine) UpdatePresence(connID, status string) ([]Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, err
	}
	status = sanitize.Text(status, maxStatusRunes)
	if !sanitize.NonEmpty(status) {
		status = "online"
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	member, ok := room.members[connID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	member.Status = status
	return []Delivery{toAll(room, DeliverPresence, room.presenceRoster())}, nil
}

// Moderate applies a moderation action to a target member. The GM role can
// never be targeted. Banning removes the target immediately and bars them
// for the lifetime of the room.
func (e *Engine) Moderate(connID, action, targetID string) ([]Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, err
	}

	deliveries, newRole, banned, err := e.moderateLocked(room, connID, action, targetID)
	if err != nil {
		return nil, err
	}
	if newRole != "" {
		e.directory.UpdateRole(targetID, newRole)
	}
	if banned {
		deliveries = append(deliveries, e.leave(targetID, ReasonBan)...)
	}
	return deliveries, nil
}

func (e *Engine) moderateLocked(room *Room, connID, action, targetID string) ([]Delivery, Role, bool, error) {
	room.mu.Lock()
	defer room.mu.Unlock()

	actor, ok := room.members[connID]
	if !ok {
		return nil, "", false, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	if !actor.Role.canModerate() {
		return nil, "", false, apperrors.New(apperrors.CodeForbidden, "only the GM can moderate")
	}
	target, ok := room.members[targetID]
	if !ok {
		return nil, "", false, apperrors.New(apperrors.CodeNotFound, "target not in room")
	}
	if target.Role == RoleGM {
		return nil, "", false, apperrors.New(apperrors.CodeForbidden, "the GM cannot be targeted")
	}

	var newRole Role
	switch action {
	case ActionMute:
		target.Muted = true
	case ActionUnmute:
		target.Muted = false
	case ActionPromote:
		target.Role = RoleCoGM
		newRole = RoleCoGM
	case ActionDemote:
		target.Role = RolePlayer
		newRole = RolePlayer
	case ActionBan:
		room.bans[identityKey(target.UserID, target.ConnID)] = struct{}{}
		return nil, "", true, nil
	default:
		return nil, "", false, apperrors.New(apperrors.CodeInvalidAction, "unknown moderation action")
	}

	return []Delivery{toAll(room, DeliverPresence, room.presenceRoster())}, newRole, false, nil
}

// VoiceJoin adds the connection to the room's voice mesh and returns the
// peers that were already in it.
func (e *Engine) VoiceJoin(connID string) ([]string, []Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.members[connID]; !ok {
		return nil, nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}

	existing := make([]string, 0, len(room.voicePeers))
	for peerID := range room.voicePeers {
		if peerID != connID {
			existing = append(existing, peerID)
		}
	}
	room.voicePeers[connID] = struct{}{}

	var deliveries []Delivery
	if len(existing) > 0 {
		deliveries = append(deliveries, toConns(DeliverPeerJoined, PeerPayload{ConnID: connID}, existing...))
	}
	return existing, deliveries, nil
}

// VoiceSignal relays one opaque negotiation payload to a single member of
// the caller's room. The payload is forwarded untouched.
func (e *Engine) VoiceSignal(connID, targetID string, data json.RawMessage) ([]Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.members[connID]; !ok {
		return nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	if _, ok := room.members[targetID]; !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "target not in room")
	}

	payload := SignalPayload{From: connID, Data: data}
	return []Delivery{toConns(DeliverSignal, payload, targetID)}, nil
}

// VoiceLeave removes the connection from the voice mesh. It is a no-op for
// connections not in it.
func (e *Engine) VoiceLeave(connID string) ([]Delivery, error) {
	room, err := e.memberRoom(connID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.voicePeers[connID]; !ok {
		return nil, nil
	}
	delete(room.voicePeers, connID)
	return []Delivery{toAll(room, DeliverPeerLeft, PeerPayload{ConnID: connID})}, nil
}

// memberRoom resolves the caller's room via the directory. A stale binding
// whose room is gone is dropped.
func (e *Engine) memberRoom(connID string) (*Room, error) {
	session, ok := e.directory.Lookup(connID)
	if !ok {
		return nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	room, ok := e.registry.Get(session.RoomID)
	if !ok {
		e.directory.Unbind(connID)
		return nil, apperrors.New(apperrors.CodeForbidden, "join a room first")
	}
	return room, nil
}

// systemEvent builds a system record in the room's locale. Callers hold
// room.mu.
func (e *Engine) systemEvent(room *Room, message string) (Event, error) {
	eventID, err := id.NewID()
	if err != nil {
		return Event{}, apperrors.New(apperrors.CodeUnknown, "could not record the event")
	}
	return Event{
		ID:        eventID,
		Type:      EventSystem,
		ChannelID: ChannelGeneral,
		Author: &Author{
			Nickname: i18n.SystemLabel(room.Locale),
		},
		Message:   message,
		Timestamp: e.now().UnixMilli(),
	}, nil
}

func authorOf(member *Member) *Author {
	return &Author{
		ConnID:   member.ConnID,
		Nickname: member.Nickname,
		Role:     member.Role,
		Avatar:   member.Avatar,
	}
}

// identityKey keys bans and ownership by user identity when known, falling
// back to the connection id for guests.
func identityKey(userID, connID string) string {
	if userID != "" {
		return "u:" + userID
	}
	return "c:" + connID
}

// sanitizeSheetValue walks a decoded sheet and sanitizes every string leaf.
// Structures nested deeper than maxSheetDepth are dropped.
func sanitizeSheetValue(value any, depth int) any {
	if depth > maxSheetDepth {
		return nil
	}
	switch v := value.(type) {
	case string:
		return sanitize.Text(v, maxSheetValueRunes)
	case map[string]any:
		cleaned := make(map[string]any, len(v))
		for key, item := range v {
			cleaned[sanitize.Text(key, maxSheetValueRunes)] = sanitizeSheetValue(item, depth+1)
		}
		return cleaned
	case []any:
		cleaned := make([]any, 0, len(v))
		for _, item := range v {
			cleaned = append(cleaned, sanitizeSheetValue(item, depth+1))
		}
		return cleaned
	default:
		return v
	}
}
