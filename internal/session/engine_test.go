package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	apperrors "github.com/chronicarpg/chronica/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	engine := NewEngine(Config{Now: clock.Now})
	return engine, clock
}

func profileFor(name string) Profile {
	return Profile{Nickname: name, Locale: language.AmericanEnglish}
}

func createRoom(t *testing.T, engine *Engine, connID, name string) string {
	t.Helper()
	summary, _, err := engine.CreateRoom(connID, profileFor("owner"), CreateRoomParams{Name: name})
	if err != nil {
		t.Fatalf("CreateRoom(%q) error: %v", name, err)
	}
	return summary.ID
}

func join(t *testing.T, engine *Engine, connID, nickname, roomID string) *RoomSnapshot {
	t.Helper()
	snapshot, _, err := engine.JoinRoom(connID, profileFor(nickname), roomID, "")
	if err != nil {
		t.Fatalf("JoinRoom(%q, %q) error: %v", connID, roomID, err)
	}
	return snapshot
}

func wantCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want code %s", code)
	}
	if got := apperrors.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

func findDelivery(t *testing.T, deliveries []Delivery, kind DeliveryKind) Delivery {
	t.Helper()
	for _, delivery := range deliveries {
		if delivery.Kind == kind {
			return delivery
		}
	}
	t.Fatalf("no %s delivery in %d deliveries", kind, len(deliveries))
	return Delivery{}
}

func hasTarget(delivery Delivery, connID string) bool {
	for _, target := range delivery.Targets {
		if target == connID {
			return true
		}
	}
	return false
}

func TestCreateRoomRequiresName(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, _, err := engine.CreateRoom("c1", profileFor("owner"), CreateRoomParams{Name: "   "})
	wantCode(t, err, apperrors.CodeValidation)
}

func TestCreateRoomSanitizesName(t *testing.T) {
	engine, _ := newTestEngine(t)
	summary, deliveries, err := engine.CreateRoom("c1", profileFor("owner"), CreateRoomParams{
		Name: "<b>Lair</b>",
	})
	if err != nil {
		t.Fatalf("CreateRoom error: %v", err)
	}
	if summary.Name != "&lt;b&gt;Lair&lt;/b&gt;" {
		t.Fatalf("room name = %q, want escaped markup", summary.Name)
	}
	list := findDelivery(t, deliveries, DeliverRoomList)
	if !list.Everyone {
		t.Fatal("room list delivery should address everyone")
	}
}

func TestCreatorJoinsAsGM(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")

	snapshot := join(t, engine, "gm", "Ana", roomID)
	if snapshot.Role != RoleGM {
		t.Fatalf("creator role = %s, want %s", snapshot.Role, RoleGM)
	}

	other := join(t, engine, "p1", "Bia", roomID)
	if other.Role != RolePlayer {
		t.Fatalf("second join role = %s, want %s", other.Role, RolePlayer)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, _, err := engine.JoinRoom("c1", profileFor("Ana"), "nope", "")
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestJoinWrongPassword(t *testing.T) {
	engine, _ := newTestEngine(t)
	summary, _, err := engine.CreateRoom("gm", profileFor("owner"), CreateRoomParams{
		Name:      "Secret",
		IsPrivate: true,
		Password:  "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateRoom error: %v", err)
	}

	_, _, err = engine.JoinRoom("p1", profileFor("Bia"), summary.ID, "wrong")
	wantCode(t, err, apperrors.CodeWrongPassword)

	if _, _, err := engine.JoinRoom("p1", profileFor("Bia"), summary.ID, "hunter2"); err != nil {
		t.Fatalf("join with correct password error: %v", err)
	}
}

func TestRoomCapacity(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Full house")
	for i := 0; i < MaxMembers; i++ {
		join(t, engine, fmt.Sprintf("c%d", i), fmt.Sprintf("Player%d", i), roomID)
	}

	_, _, err := engine.JoinRoom("late", profileFor("Late"), roomID, "")
	wantCode(t, err, apperrors.CodeRoomFull)

	if _, ok := engine.Directory().Lookup("late"); ok {
		t.Fatal("rejected join must not bind a session")
	}
	room, _ := engine.registry.Get(roomID)
	room.mu.Lock()
	population := len(room.members)
	room.mu.Unlock()
	if population != MaxMembers {
		t.Fatalf("population = %d, want %d", population, MaxMembers)
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	engine, _ := newTestEngine(t)
	first := createRoom(t, engine, "gm", "First")
	second := createRoom(t, engine, "gm2", "Second")
	join(t, engine, "gm", "Ana", first)

	if _, _, err := engine.JoinRoom("gm", profileFor("Ana"), second, ""); err != nil {
		t.Fatalf("join second room error: %v", err)
	}
	session, ok := engine.Directory().Lookup("gm")
	if !ok || session.RoomID != second {
		t.Fatalf("session room = %q, want %q", session.RoomID, second)
	}
	if _, ok := engine.registry.Get(first); ok {
		t.Fatal("first room should be destroyed once empty")
	}
}

func TestFailedJoinKeepsCurrentMembership(t *testing.T) {
	engine, _ := newTestEngine(t)
	first := createRoom(t, engine, "gm", "First")
	join(t, engine, "gm", "Ana", first)

	locked, _, err := engine.CreateRoom("gm2", profileFor("owner"), CreateRoomParams{
		Name:      "Locked",
		IsPrivate: true,
		Password:  "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateRoom error: %v", err)
	}

	_, _, err = engine.JoinRoom("gm", profileFor("Ana"), locked.ID, "wrong")
	wantCode(t, err, apperrors.CodeWrongPassword)

	session, ok := engine.Directory().Lookup("gm")
	if !ok || session.RoomID != first {
		t.Fatalf("session after rejected join = %+v ok=%v, want room %q", session, ok, first)
	}
	room, ok := engine.registry.Get(first)
	if !ok {
		t.Fatal("current room must survive a rejected join")
	}
	room.mu.Lock()
	_, stillMember := room.members["gm"]
	room.mu.Unlock()
	if !stillMember {
		t.Fatal("rejected join must not evict the member from the current room")
	}
}

func TestFailedJoinOfFullRoomKeepsCurrentMembership(t *testing.T) {
	engine, _ := newTestEngine(t)
	home := createRoom(t, engine, "me", "Home")
	join(t, engine, "me", "Ana", home)

	crowded := createRoom(t, engine, "gm", "Crowded")
	for i := 0; i < MaxMembers; i++ {
		join(t, engine, fmt.Sprintf("c%d", i), fmt.Sprintf("Player%d", i), crowded)
	}

	_, _, err := engine.JoinRoom("me", profileFor("Ana"), crowded, "")
	wantCode(t, err, apperrors.CodeRoomFull)

	session, ok := engine.Directory().Lookup("me")
	if !ok || session.RoomID != home {
		t.Fatalf("session after rejected join = %+v ok=%v, want room %q", session, ok, home)
	}
}

func TestRejoinCurrentRoomResyncsInPlace(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Solo")
	join(t, engine, "gm", "Ana", roomID)

	snapshot, deliveries, err := engine.JoinRoom("gm", profileFor("Ana"), roomID, "")
	if err != nil {
		t.Fatalf("rejoin error: %v", err)
	}
	if snapshot.Role != RoleGM {
		t.Fatalf("resync role = %s, want %s", snapshot.Role, RoleGM)
	}
	if len(deliveries) != 0 {
		t.Fatalf("resync produced %d deliveries, want none", len(deliveries))
	}

	room, ok := engine.registry.Get(roomID)
	if !ok {
		t.Fatal("rejoining the current room must not destroy it")
	}
	room.mu.Lock()
	population := len(room.members)
	joins := len(room.history[ChannelGeneral])
	room.mu.Unlock()
	if population != 1 {
		t.Fatalf("population after rejoin = %d, want 1", population)
	}
	if joins != 1 {
		t.Fatalf("general history has %d events after rejoin, want the single join notice", joins)
	}
}

func TestPublicRoomIgnoresStrayPassword(t *testing.T) {
	engine, _ := newTestEngine(t)
	summary, _, err := engine.CreateRoom("gm", profileFor("owner"), CreateRoomParams{
		Name:     "Open table",
		Password: "oops",
	})
	if err != nil {
		t.Fatalf("CreateRoom error: %v", err)
	}

	if _, _, err := engine.JoinRoom("p1", profileFor("Bia"), summary.ID, ""); err != nil {
		t.Fatalf("join public room error: %v", err)
	}
}

func TestPrivateRoomPasswordMatchesRawInput(t *testing.T) {
	engine, _ := newTestEngine(t)
	summary, _, err := engine.CreateRoom("gm", profileFor("owner"), CreateRoomParams{
		Name:      "Vault",
		IsPrivate: true,
		Password:  "<secret>",
	})
	if err != nil {
		t.Fatalf("CreateRoom error: %v", err)
	}

	// The stored password is sanitized, so the raw input must be run
	// through the same sanitizer before comparing.
	if _, _, err := engine.JoinRoom("p1", profileFor("Bia"), summary.ID, "<secret>"); err != nil {
		t.Fatalf("join with matching password error: %v", err)
	}
}

func TestEmptyRoomSweepDoesNotOrphanJoiner(t *testing.T) {
	engine, _ := newTestEngine(t)
	for i := 0; i < 100; i++ {
		roomID := createRoom(t, engine, "gm", "Ephemeral")
		connID := fmt.Sprintf("p%d", i)

		var wg sync.WaitGroup
		var joinErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, joinErr = engine.JoinRoom(connID, profileFor("Bia"), roomID, "")
		}()
		go func() {
			defer wg.Done()
			engine.registry.DestroyIfEmpty(roomID)
		}()
		wg.Wait()

		_, alive := engine.registry.Get(roomID)
		session, bound := engine.Directory().Lookup(connID)
		if joinErr == nil {
			if !alive {
				t.Fatalf("iteration %d: join succeeded but the room was swept", i)
			}
			if !bound || session.RoomID != roomID {
				t.Fatalf("iteration %d: join succeeded without a session binding", i)
			}
		} else {
			wantCode(t, joinErr, apperrors.CodeNotFound)
			if bound {
				t.Fatalf("iteration %d: rejected join left a session binding", i)
			}
		}
		engine.LeaveRoom(connID)
		engine.registry.DestroyIfEmpty(roomID)
	}
}

func TestLeaveDestroysEmptyRoomAndKeepsPopulated(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	deliveries := engine.LeaveRoom("p1")
	presence := findDelivery(t, deliveries, DeliverPresence)
	roster := presence.Payload.([]Member)
	if len(roster) != 1 || roster[0].Nickname != "Ana" {
		t.Fatalf("roster after leave = %+v, want only Ana", roster)
	}
	if _, ok := engine.registry.Get(roomID); !ok {
		t.Fatal("populated room must survive a leave")
	}

	engine.LeaveRoom("gm")
	if _, ok := engine.registry.Get(roomID); ok {
		t.Fatal("empty room must be destroyed")
	}
	if engine.Directory().Len() != 0 {
		t.Fatalf("directory has %d sessions, want 0", engine.Directory().Len())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t)
	if deliveries := engine.LeaveRoom("ghost"); deliveries != nil {
		t.Fatalf("leave without a session produced %d deliveries", len(deliveries))
	}
}

func TestBanPersistsForRoomLifetime(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	deliveries, err := engine.Moderate("gm", ActionBan, "p1")
	if err != nil {
		t.Fatalf("ban error: %v", err)
	}
	if _, ok := engine.Directory().Lookup("p1"); ok {
		t.Fatal("banned member should be removed from the directory")
	}
	chat := findDelivery(t, deliveries, DeliverChatMessage)
	event := chat.Payload.(Event)
	if !strings.Contains(event.Message, "ban") {
		t.Fatalf("leave system message = %q, want ban reason", event.Message)
	}

	_, _, err = engine.JoinRoom("p1", profileFor("Bia"), roomID, "")
	wantCode(t, err, apperrors.CodeBanned)
}

func TestBanByUserIdentitySurvivesReconnect(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	player := Profile{UserID: "user-7", Nickname: "Bia", Locale: language.AmericanEnglish}
	if _, _, err := engine.JoinRoom("p1", player, roomID, ""); err != nil {
		t.Fatalf("join error: %v", err)
	}
	if _, err := engine.Moderate("gm", ActionBan, "p1"); err != nil {
		t.Fatalf("ban error: %v", err)
	}

	_, _, err := engine.JoinRoom("p2", player, roomID, "")
	wantCode(t, err, apperrors.CodeBanned)
}

func TestChatBroadcastAndHistory(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	event, deliveries, err := engine.SendChat("p1", ChannelGeneral, "hello <b>all</b>", "")
	if err != nil {
		t.Fatalf("SendChat error: %v", err)
	}
	if event.Message != "hello &lt;b&gt;all&lt;/b&gt;" {
		t.Fatalf("message = %q, want markup escaped", event.Message)
	}
	if event.Type != EventChat {
		t.Fatalf("event type = %s, want %s", event.Type, EventChat)
	}

	chat := findDelivery(t, deliveries, DeliverChatMessage)
	if !hasTarget(chat, "gm") || !hasTarget(chat, "p1") {
		t.Fatalf("chat targets = %v, want both members", chat.Targets)
	}

	room, _ := engine.registry.Get(roomID)
	room.mu.Lock()
	last := room.history[ChannelGeneral][len(room.history[ChannelGeneral])-1]
	room.mu.Unlock()
	if last.ID != event.ID {
		t.Fatal("chat message must be appended to channel history")
	}
}

func TestChatEmptyMessage(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	_, _, err := engine.SendChat("gm", ChannelGeneral, "  \x00 ", "")
	wantCode(t, err, apperrors.CodeValidation)
}

func TestChatOutsideRoom(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, _, err := engine.SendChat("loner", ChannelGeneral, "hi", "")
	wantCode(t, err, apperrors.CodeForbidden)
}

func TestChatUnknownChannel(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	_, _, err := engine.SendChat("gm", "nope", "hi", "")
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestWhisperDeliveryAndPrivacy(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)
	join(t, engine, "p2", "Caio", roomID)

	event, deliveries, err := engine.SendChat("p1", ChannelGeneral, "psst", "Caio")
	if err != nil {
		t.Fatalf("whisper error: %v", err)
	}
	if event.Type != EventWhisper || event.WhisperTo != "Caio" {
		t.Fatalf("event = %+v, want whisper to Caio", event)
	}

	chat := findDelivery(t, deliveries, DeliverChatMessage)
	if len(chat.Targets) != 2 || !hasTarget(chat, "p1") || !hasTarget(chat, "p2") {
		t.Fatalf("whisper targets = %v, want sender and recipient only", chat.Targets)
	}

	room, _ := engine.registry.Get(roomID)
	room.mu.Lock()
	for _, recorded := range room.history[ChannelGeneral] {
		if recorded.ID == event.ID {
			room.mu.Unlock()
			t.Fatal("whispers must never enter history")
		}
	}
	room.mu.Unlock()
}

func TestWhisperUnknownRecipient(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	_, _, err := engine.SendChat("gm", ChannelGeneral, "psst", "Nobody")
	wantCode(t, err, apperrors.CodeRecipientNotFound)
}

func TestMutedMemberCannotChatOrWhisper(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	if _, err := engine.Moderate("gm", ActionMute, "p1"); err != nil {
		t.Fatalf("mute error: %v", err)
	}

	_, _, err := engine.SendChat("p1", ChannelGeneral, "hi", "")
	wantCode(t, err, apperrors.CodeMuted)
	_, _, err = engine.SendChat("p1", ChannelGeneral, "psst", "Ana")
	wantCode(t, err, apperrors.CodeMuted)

	// Muting silences chat, not the dice.
	if _, _, err := engine.ExecuteRoll("p1", "1d20"); err != nil {
		t.Fatalf("roll while muted error: %v", err)
	}

	if _, err := engine.Moderate("gm", ActionUnmute, "p1"); err != nil {
		t.Fatalf("unmute error: %v", err)
	}
	if _, _, err := engine.SendChat("p1", ChannelGeneral, "hi again", ""); err != nil {
		t.Fatalf("chat after unmute error: %v", err)
	}
}

func TestGMChannelAudienceAndAccess(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)
	join(t, engine, "p2", "Caio", roomID)
	if _, err := engine.Moderate("gm", ActionPromote, "p2"); err != nil {
		t.Fatalf("promote error: %v", err)
	}

	event, deliveries, err := engine.SendChat("gm", ChannelGM, "secret plans", "")
	if err != nil {
		t.Fatalf("gm chat error: %v", err)
	}
	if event.Type != EventGM {
		t.Fatalf("event type = %s, want %s", event.Type, EventGM)
	}
	chat := findDelivery(t, deliveries, DeliverChatMessage)
	if hasTarget(chat, "p1") {
		t.Fatalf("gm channel targets = %v, players must be excluded", chat.Targets)
	}
	if !hasTarget(chat, "gm") || !hasTarget(chat, "p2") {
		t.Fatalf("gm channel targets = %v, want GM and CO_GM", chat.Targets)
	}

	_, _, err = engine.SendChat("p1", ChannelGM, "let me in", "")
	wantCode(t, err, apperrors.CodeForbidden)
}

func TestJoinSnapshotHidesGMChannelFromPlayers(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	gmView := join(t, engine, "gm", "Ana", roomID)
	playerView := join(t, engine, "p1", "Bia", roomID)

	if len(gmView.Channels) != 2 {
		t.Fatalf("GM sees %d channels, want 2", len(gmView.Channels))
	}
	for _, channel := range playerView.Channels {
		if channel.Visibility == VisibilityGMOnly {
			t.Fatalf("player snapshot leaks channel %q", channel.ID)
		}
	}
}

func TestCreateChannelRequiresModerator(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	_, _, err := engine.CreateChannel("p1", "ooc")
	wantCode(t, err, apperrors.CodeForbidden)

	channels, deliveries, err := engine.CreateChannel("gm", "ooc")
	if err != nil {
		t.Fatalf("CreateChannel error: %v", err)
	}
	if len(channels) != 3 {
		t.Fatalf("channel count = %d, want 3", len(channels))
	}
	created := channels[len(channels)-1]
	if created.Name != "ooc" || created.Visibility != VisibilityAll {
		t.Fatalf("created channel = %+v", created)
	}
	if !strings.HasPrefix(created.ID, "ch-") {
		t.Fatalf("channel id = %q, want ch- prefix", created.ID)
	}
	broadcast := findDelivery(t, deliveries, DeliverChannels)
	if !hasTarget(broadcast, "p1") {
		t.Fatal("channel list must reach all members")
	}
}

func TestDeleteMessageTombstone(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)
	join(t, engine, "p2", "Caio", roomID)

	event, _, err := engine.SendChat("p1", ChannelGeneral, "oops", "")
	if err != nil {
		t.Fatalf("SendChat error: %v", err)
	}

	_, err = engine.Moderate("p2", ActionMute, "p1")
	wantCode(t, err, apperrors.CodeForbidden)

	_, err = engine.DeleteMessage("p2", ChannelGeneral, event.ID)
	wantCode(t, err, apperrors.CodeForbidden)

	deliveries, err := engine.DeleteMessage("p1", ChannelGeneral, event.ID)
	if err != nil {
		t.Fatalf("author delete error: %v", err)
	}
	del := findDelivery(t, deliveries, DeliverChatDelete)
	payload := del.Payload.(DeletePayload)
	if payload.MessageID != event.ID || payload.ChannelID != ChannelGeneral {
		t.Fatalf("delete payload = %+v", payload)
	}

	room, _ := engine.registry.Get(roomID)
	room.mu.Lock()
	history := room.history[ChannelGeneral]
	var stored *Event
	for i := range history {
		if history[i].ID == event.ID {
			stored = &history[i]
		}
	}
	count := len(history)
	room.mu.Unlock()
	if stored == nil {
		t.Fatal("tombstone must keep its slot in history")
	}
	if !stored.Deleted || stored.Message != "[message removed]" {
		t.Fatalf("tombstone = %+v", stored)
	}
	if count == 0 {
		t.Fatal("history must not shrink on delete")
	}
}

func TestDeleteMessageNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	_, err := engine.DeleteMessage("gm", ChannelGeneral, "missing")
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestGMCanDeleteOthersMessages(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	event, _, err := engine.SendChat("p1", ChannelGeneral, "rude", "")
	if err != nil {
		t.Fatalf("SendChat error: %v", err)
	}
	if _, err := engine.DeleteMessage("gm", ChannelGeneral, event.ID); err != nil {
		t.Fatalf("GM delete error: %v", err)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	engine, clock := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	var firstID string
	for i := 0; i < MaxHistory+10; i++ {
		clock.Advance(RateLimitWindow)
		event, _, err := engine.SendChat("gm", ChannelGeneral, fmt.Sprintf("m%d", i), "")
		if err != nil {
			t.Fatalf("SendChat %d error: %v", i, err)
		}
		if i == 0 {
			firstID = event.ID
		}
	}

	room, _ := engine.registry.Get(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()
	history := room.history[ChannelGeneral]
	if len(history) != MaxHistory {
		t.Fatalf("history length = %d, want %d", len(history), MaxHistory)
	}
	for _, event := range history {
		if event.ID == firstID {
			t.Fatal("oldest message should have been evicted")
		}
	}
}

func TestRateLimitWindow(t *testing.T) {
	engine, clock := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	for i := 0; i < RateLimitEvents; i++ {
		if _, _, err := engine.SendChat("gm", ChannelGeneral, "spam", ""); err != nil {
			t.Fatalf("message %d error: %v", i, err)
		}
	}
	_, _, err := engine.SendChat("gm", ChannelGeneral, "one too many", "")
	wantCode(t, err, apperrors.CodeRateLimited)
	if apperrors.CodeOf(err).Retryable() != true {
		t.Fatal("rate limit errors must be retryable")
	}

	clock.Advance(RateLimitWindow + time.Second)
	if _, _, err := engine.SendChat("gm", ChannelGeneral, "fresh window", ""); err != nil {
		t.Fatalf("chat after window error: %v", err)
	}
}

func TestExecuteRollAppendsToGeneral(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	event, deliveries, err := engine.ExecuteRoll("p1", "2d6+3 #Attack")
	if err != nil {
		t.Fatalf("ExecuteRoll error: %v", err)
	}
	if event.Type != EventRoll || event.Outcome == nil {
		t.Fatalf("event = %+v, want roll with outcome", event)
	}
	if event.Outcome.Label != "Attack" {
		t.Fatalf("label = %q, want Attack", event.Outcome.Label)
	}
	if event.Outcome.Total < 5 || event.Outcome.Total > 15 {
		t.Fatalf("total = %d, want 5..15", event.Outcome.Total)
	}
	roll := findDelivery(t, deliveries, DeliverRollResult)
	if !hasTarget(roll, "gm") || !hasTarget(roll, "p1") {
		t.Fatalf("roll targets = %v, want whole room", roll.Targets)
	}

	room, _ := engine.registry.Get(roomID)
	room.mu.Lock()
	last := room.history[ChannelGeneral][len(room.history[ChannelGeneral])-1]
	room.mu.Unlock()
	if last.ID != event.ID {
		t.Fatal("roll must be appended to the general channel")
	}
}

func TestExecuteRollInvalidExpression(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	_, _, err := engine.ExecuteRoll("gm", "banana")
	wantCode(t, err, apperrors.CodeInvalidTerm)
}

func TestUpdateSheetExcludesSender(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	deliveries, err := engine.UpdateSheet("p1", map[string]any{
		"name": "Bia <script>",
		"hp":   12.0,
	})
	if err != nil {
		t.Fatalf("UpdateSheet error: %v", err)
	}
	sheet := findDelivery(t, deliveries, DeliverSheetUpdate)
	if hasTarget(sheet, "p1") {
		t.Fatal("sheet update must not echo to the sender")
	}
	payload := sheet.Payload.(SheetPayload)
	if payload.Sheet["name"] != "Bia &lt;script&gt;" {
		t.Fatalf("sheet name = %q, want sanitized", payload.Sheet["name"])
	}
	if payload.Sheet["hp"] != 12.0 {
		t.Fatalf("sheet hp = %v, want untouched number", payload.Sheet["hp"])
	}
}

func TestUpdatePresenceDefaultsToOnline(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)

	deliveries, err := engine.UpdatePresence("gm", "   ")
	if err != nil {
		t.Fatalf("UpdatePresence error: %v", err)
	}
	presence := findDelivery(t, deliveries, DeliverPresence)
	roster := presence.Payload.([]Member)
	if roster[0].Status != "online" {
		t.Fatalf("status = %q, want online", roster[0].Status)
	}

	if _, err := engine.UpdatePresence("gm", "away"); err != nil {
		t.Fatalf("UpdatePresence error: %v", err)
	}
	session, _ := engine.Directory().Lookup("gm")
	room, _ := engine.registry.Get(session.RoomID)
	room.mu.Lock()
	status := room.members["gm"].Status
	room.mu.Unlock()
	if status != "away" {
		t.Fatalf("stored status = %q, want away", status)
	}
}

func TestModerationRoleChanges(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	if _, err := engine.Moderate("gm", ActionPromote, "p1"); err != nil {
		t.Fatalf("promote error: %v", err)
	}
	session, _ := engine.Directory().Lookup("p1")
	if session.Role != RoleCoGM {
		t.Fatalf("directory role = %s, want %s after promote", session.Role, RoleCoGM)
	}

	if _, err := engine.Moderate("gm", ActionDemote, "p1"); err != nil {
		t.Fatalf("demote error: %v", err)
	}
	session, _ = engine.Directory().Lookup("p1")
	if session.Role != RolePlayer {
		t.Fatalf("directory role = %s, want %s after demote", session.Role, RolePlayer)
	}
}

func TestModerationGuards(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	_, err := engine.Moderate("gm", ActionMute, "ghost")
	wantCode(t, err, apperrors.CodeNotFound)

	_, err = engine.Moderate("gm", "explode", "p1")
	wantCode(t, err, apperrors.CodeInvalidAction)

	_, err = engine.Moderate("p1", ActionMute, "gm")
	wantCode(t, err, apperrors.CodeForbidden)
}

func TestGMCannotBeTargeted(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)
	if _, err := engine.Moderate("gm", ActionPromote, "p1"); err != nil {
		t.Fatalf("promote error: %v", err)
	}

	_, err := engine.Moderate("p1", ActionBan, "gm")
	wantCode(t, err, apperrors.CodeForbidden)
}

func TestVoiceMeshBookkeeping(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	peers, deliveries, err := engine.VoiceJoin("gm")
	if err != nil {
		t.Fatalf("first VoiceJoin error: %v", err)
	}
	if len(peers) != 0 || len(deliveries) != 0 {
		t.Fatalf("first voice join: peers=%v deliveries=%d, want empty", peers, len(deliveries))
	}

	peers, deliveries, err = engine.VoiceJoin("p1")
	if err != nil {
		t.Fatalf("second VoiceJoin error: %v", err)
	}
	if len(peers) != 1 || peers[0] != "gm" {
		t.Fatalf("existing peers = %v, want [gm]", peers)
	}
	joined := findDelivery(t, deliveries, DeliverPeerJoined)
	if len(joined.Targets) != 1 || joined.Targets[0] != "gm" {
		t.Fatalf("peer-joined targets = %v, want existing peers only", joined.Targets)
	}

	deliveries, err = engine.VoiceLeave("p1")
	if err != nil {
		t.Fatalf("VoiceLeave error: %v", err)
	}
	left := findDelivery(t, deliveries, DeliverPeerLeft)
	if left.Payload.(PeerPayload).ConnID != "p1" {
		t.Fatalf("peer-left payload = %+v", left.Payload)
	}

	if deliveries, err = engine.VoiceLeave("p1"); err != nil || deliveries != nil {
		t.Fatalf("repeat VoiceLeave = (%v, %v), want no-op", deliveries, err)
	}
}

func TestDisconnectClearsVoicePeer(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)
	if _, _, err := engine.VoiceJoin("p1"); err != nil {
		t.Fatalf("VoiceJoin error: %v", err)
	}

	deliveries := engine.Disconnect("p1")
	left := findDelivery(t, deliveries, DeliverPeerLeft)
	if left.Payload.(PeerPayload).ConnID != "p1" {
		t.Fatalf("peer-left payload = %+v", left.Payload)
	}
	chat := findDelivery(t, deliveries, DeliverChatMessage)
	if !strings.Contains(chat.Payload.(Event).Message, "disconnect") {
		t.Fatalf("system message = %q, want disconnect reason", chat.Payload.(Event).Message)
	}
}

func TestVoiceSignalTargetsSinglePeer(t *testing.T) {
	engine, _ := newTestEngine(t)
	roomID := createRoom(t, engine, "gm", "Table")
	join(t, engine, "gm", "Ana", roomID)
	join(t, engine, "p1", "Bia", roomID)

	deliveries, err := engine.VoiceSignal("gm", "p1", []byte(`{"sdp":"offer"}`))
	if err != nil {
		t.Fatalf("VoiceSignal error: %v", err)
	}
	signal := findDelivery(t, deliveries, DeliverSignal)
	if len(signal.Targets) != 1 || signal.Targets[0] != "p1" {
		t.Fatalf("signal targets = %v, want [p1]", signal.Targets)
	}
	payload := signal.Payload.(SignalPayload)
	if payload.From != "gm" || string(payload.Data) != `{"sdp":"offer"}` {
		t.Fatalf("signal payload = %+v", payload)
	}

	_, err = engine.VoiceSignal("gm", "stranger", []byte(`{}`))
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestLocalizedSystemMessages(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := Profile{Nickname: "Ana", Locale: language.BrazilianPortuguese}
	summary, _, err := engine.CreateRoom("gm", owner, CreateRoomParams{Name: "Mesa"})
	if err != nil {
		t.Fatalf("CreateRoom error: %v", err)
	}

	_, deliveries, err := engine.JoinRoom("gm", owner, summary.ID, "")
	if err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}
	chat := findDelivery(t, deliveries, DeliverChatMessage)
	event := chat.Payload.(Event)
	if event.Message != "Ana entrou na sala." {
		t.Fatalf("join message = %q, want pt-BR rendering", event.Message)
	}
	if event.Author.Nickname != "sistema" {
		t.Fatalf("system author = %q, want sistema", event.Author.Nickname)
	}
}

func TestRoomListOrderingAndPopulation(t *testing.T) {
	engine, clock := newTestEngine(t)
	first := createRoom(t, engine, "a", "First")
	clock.Advance(time.Minute)
	second := createRoom(t, engine, "b", "Second")
	join(t, engine, "p1", "Bia", second)

	list := engine.RoomList()
	if len(list) != 2 {
		t.Fatalf("room count = %d, want 2", len(list))
	}
	if list[0].ID != first || list[1].ID != second {
		t.Fatalf("order = [%s %s], want creation order", list[0].ID, list[1].ID)
	}
	if list[0].Population != 0 || list[1].Population != 1 {
		t.Fatalf("populations = [%d %d], want [0 1]", list[0].Population, list[1].Population)
	}
}
