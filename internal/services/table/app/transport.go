package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/text/language"

	apperrors "github.com/chronicarpg/chronica/internal/errors"
	"github.com/chronicarpg/chronica/internal/platform/i18n"
	"github.com/chronicarpg/chronica/internal/platform/id"
	"github.com/chronicarpg/chronica/internal/platform/sanitize"
	"github.com/chronicarpg/chronica/internal/session"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxNicknameRunes = 30
	maxAvatarRunes   = 200
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type ackPayload struct {
	OK        bool            `json:"ok"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type identityPayload struct {
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Locale   string `json:"locale"`
	Theme    string `json:"theme"`
}

type roomCreatedResult struct {
	RoomID string              `json:"roomId"`
	Room   session.RoomSummary `json:"room"`
}

type channelListResult struct {
	Channels []session.Channel `json:"channels"`
}

type voicePeersResult struct {
	Peers []string `json:"peers"`
}

type createRoomPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"isPrivate"`
	Password    string `json:"password"`
}

type joinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type chatSendPayload struct {
	ChannelID string `json:"channelId"`
	Message   string `json:"message"`
	WhisperTo string `json:"whisperTo,omitempty"`
}

type channelCreatePayload struct {
	Name string `json:"name"`
}

type chatDeletePayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

type rollPayload struct {
	Expression string `json:"expression"`
}

type sheetUpdatePayload struct {
	Sheet map[string]any `json:"sheet"`
}

type presencePayload struct {
	Status string `json:"status"`
}

type modActionPayload struct {
	Action   string `json:"action"`
	TargetID string `json:"targetId"`
}

type voiceSignalPayload struct {
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

// wsPeer serializes frame writes onto one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// peerTable maps connection ids to their write handles for fan-out.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*wsPeer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*wsPeer)}
}

func (t *peerTable) add(connID string, peer *wsPeer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[connID] = peer
}

func (t *peerTable) remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, connID)
}

func (t *peerTable) snapshot(targets []string, everyone bool) []*wsPeer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if everyone {
		peers := make([]*wsPeer, 0, len(t.peers))
		for _, peer := range t.peers {
			peers = append(peers, peer)
		}
		return peers
	}
	peers := make([]*wsPeer, 0, len(targets))
	for _, connID := range targets {
		if peer, ok := t.peers[connID]; ok {
			peers = append(peers, peer)
		}
	}
	return peers
}

// dispatch fans a batch of engine deliveries out to their peers. Deliveries
// addressed to connections that are already gone are dropped.
func (t *peerTable) dispatch(deliveries []session.Delivery) {
	for _, delivery := range deliveries {
		frame := wsFrame{
			Type:    string(delivery.Kind),
			Payload: mustJSON(delivery.Payload),
		}
		for _, peer := range t.snapshot(delivery.Targets, delivery.Everyone) {
			_ = peer.writeFrame(frame)
		}
	}
}

// wsClient is the per-connection state the transport owns: the connection
// id, the write handle, and the resolved profile.
type wsClient struct {
	connID string
	peer   *wsPeer

	mu      sync.Mutex
	profile session.Profile
	theme   string
}

func (c *wsClient) currentProfile() session.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *wsClient) setProfile(profile session.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = profile
}

func (c *wsClient) ackError(requestID string, err error) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	_ = c.peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: requestID,
		Payload: mustJSON(ackPayload{
			OK:        false,
			Code:      string(code),
			Message:   message,
			Retryable: code.Retryable(),
		}),
	})
}

func (c *wsClient) ackOK(requestID string, result any) {
	payload := ackPayload{OK: true}
	if result != nil {
		payload.Result = mustJSON(result)
	}
	_ = c.peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: requestID,
		Payload:   mustJSON(payload),
	})
}

func (c *wsClient) ackDecodeError(requestID string) {
	c.ackError(requestID, apperrors.New(apperrors.CodeValidation, "invalid payload"))
}

func handleWSConn(conn *websocket.Conn, engine *session.Engine, peers *peerTable) {
	defer func() {
		_ = conn.Close()
	}()

	connID, err := id.NewID()
	if err != nil {
		log.Printf("table: could not allocate a connection id: %v", err)
		return
	}

	client := &wsClient{
		connID: connID,
		peer:   newWSPeer(json.NewEncoder(conn)),
		theme:  "light",
	}
	client.setProfile(initialProfile(conn, connID))

	peers.add(connID, client.peer)
	defer func() {
		deliveries := engine.Disconnect(connID)
		peers.remove(connID)
		peers.dispatch(deliveries)
	}()

	// Fresh connections get the room directory without asking.
	_ = client.peer.writeFrame(wsFrame{
		Type:    string(session.DeliverRoomList),
		Payload: mustJSON(engine.RoomList()),
	})

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			client.ackDecodeError("")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			client.ackError(frame.RequestID, apperrors.New(apperrors.CodeValidation, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			client.ackError(frame.RequestID, apperrors.New(apperrors.CodeRateLimited, "frame rate exceeded"))
			return
		}

		dispatchFrame(engine, peers, client, frame)
	}
}

// initialProfile resolves the guest profile for a new connection: a
// locale-appropriate nickname and the best locale from the upgrade
// request's Accept-Language header. A verified identity on the request
// fixes the user id.
func initialProfile(conn *websocket.Conn, connID string) session.Profile {
	locale := i18n.DefaultTag()
	userID := ""
	if request := conn.Request(); request != nil {
		if header := request.Header.Get("Accept-Language"); header != "" {
			if preferred, _, err := language.ParseAcceptLanguage(header); err == nil {
				locale = i18n.Match(preferred...)
			}
		}
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && resolved != "" {
			userID = resolved
		}
	}

	suffix := connID
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return session.Profile{
		UserID:   userID,
		Nickname: i18n.GuestNickname(locale, suffix),
		Locale:   locale,
	}
}

func dispatchFrame(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	switch frame.Type {
	case "identity:set":
		handleIdentitySet(client, frame)
	case "rooms:fetch":
		client.ackOK(frame.RequestID, engine.RoomList())
	case "room:create":
		handleRoomCreate(engine, peers, client, frame)
	case "room:join":
		handleRoomJoin(engine, peers, client, frame)
	case "room:leave":
		peers.dispatch(engine.LeaveRoom(client.connID))
		client.ackOK(frame.RequestID, nil)
	case "chat:message":
		handleChatMessage(engine, peers, client, frame)
	case "chat:channel":
		handleChannelCreate(engine, peers, client, frame)
	case "chat:delete":
		handleChatDelete(engine, peers, client, frame)
	case "roll:execute":
		handleRollExecute(engine, peers, client, frame)
	case "sheet:update":
		handleSheetUpdate(engine, peers, client, frame)
	case "presence:update":
		handlePresenceStatus(engine, peers, client, frame)
	case "moderation:action":
		handleModAction(engine, peers, client, frame)
	case "voice:join":
		handleVoiceJoin(engine, peers, client, frame)
	case "voice:signal":
		handleVoiceSignal(engine, peers, client, frame)
	case "voice:leave":
		handleVoiceLeave(engine, peers, client, frame)
	default:
		client.ackError(frame.RequestID, apperrors.New(apperrors.CodeValidation, "unsupported frame type"))
	}
}

func handleIdentitySet(client *wsClient, frame wsFrame) {
	var payload identityPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	client.mu.Lock()
	if nickname := sanitize.Text(payload.Nickname, maxNicknameRunes); sanitize.NonEmpty(nickname) {
		client.profile.Nickname = nickname
	}
	client.profile.Avatar = sanitize.Text(payload.Avatar, maxAvatarRunes)
	if tag, ok := i18n.ParseTag(payload.Locale); ok {
		client.profile.Locale = tag
	}
	if payload.Theme == "light" || payload.Theme == "dark" {
		client.theme = payload.Theme
	}
	profile := client.profile
	theme := client.theme
	client.mu.Unlock()

	client.ackOK(frame.RequestID, identityPayload{
		Nickname: profile.Nickname,
		Avatar:   profile.Avatar,
		Locale:   profile.Locale.String(),
		Theme:    theme,
	})
}

func handleRoomCreate(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload createRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	summary, deliveries, err := engine.CreateRoom(client.connID, client.currentProfile(), session.CreateRoomParams{
		Name:        payload.Name,
		Description: payload.Description,
		IsPrivate:   payload.IsPrivate,
		Password:    payload.Password,
	})
	peers.dispatch(deliveries)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	client.ackOK(frame.RequestID, roomCreatedResult{RoomID: summary.ID, Room: summary})
}

func handleRoomJoin(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload joinRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	snapshot, deliveries, err := engine.JoinRoom(client.connID, client.currentProfile(), payload.RoomID, payload.Password)
	peers.dispatch(deliveries)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	client.ackOK(frame.RequestID, snapshot)
}

func handleChatMessage(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload chatSendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	event, deliveries, err := engine.SendChat(client.connID, payload.ChannelID, payload.Message, payload.WhisperTo)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, event)
}

func handleChannelCreate(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload channelCreatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	channels, deliveries, err := engine.CreateChannel(client.connID, payload.Name)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, channelListResult{Channels: channels})
}

func handleChatDelete(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload chatDeletePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	deliveries, err := engine.DeleteMessage(client.connID, payload.ChannelID, payload.MessageID)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, nil)
}

func handleRollExecute(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload rollPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	event, deliveries, err := engine.ExecuteRoll(client.connID, payload.Expression)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, event)
}

func handleSheetUpdate(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload sheetUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	deliveries, err := engine.UpdateSheet(client.connID, payload.Sheet)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, nil)
}

func handlePresenceStatus(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload presencePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	deliveries, err := engine.UpdatePresence(client.connID, payload.Status)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, nil)
}

func handleModAction(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload modActionPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	deliveries, err := engine.Moderate(client.connID, payload.Action, payload.TargetID)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, nil)
}

func handleVoiceJoin(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	existing, deliveries, err := engine.VoiceJoin(client.connID)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, voicePeersResult{Peers: existing})
}

func handleVoiceSignal(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	var payload voiceSignalPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		client.ackDecodeError(frame.RequestID)
		return
	}

	deliveries, err := engine.VoiceSignal(client.connID, payload.Target, payload.Data)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, nil)
}

func handleVoiceLeave(engine *session.Engine, peers *peerTable, client *wsClient, frame wsFrame) {
	deliveries, err := engine.VoiceLeave(client.connID)
	if err != nil {
		client.ackError(frame.RequestID, err)
		return
	}
	peers.dispatch(deliveries)
	client.ackOK(frame.RequestID, nil)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("table: failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
