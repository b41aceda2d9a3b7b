// Package mattermost is the side A platform adapter: REST posts out,
// WebSocket "posted" events in.
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/matheus3301/pipebridge/internal/platform"
	"go.uber.org/zap"
)

const (
	// PlatformName is the name stored with users of this platform.
	PlatformName = "mattermost"

	inboundBuffer = 64
	lookupTimeout = 5 * time.Second
)

// Adapter implements platform.Adapter and platform.PresenceSource for a
// Mattermost bot or user account.
type Adapter struct {
	serverURL string
	token     string
	logger    *zap.Logger

	mu     sync.Mutex
	client *model.Client4
	ws     *model.WebSocketClient
	userID string
	out    chan platform.Inbound
	done   chan struct{}

	namesMu sync.Mutex
	names   map[string]string
}

// New creates a disconnected adapter.
func New(serverURL, token string, logger *zap.Logger) *Adapter {
	return &Adapter{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		logger:    logger.Named(PlatformName),
		names:     make(map[string]string),
	}
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() string { return PlatformName }

// Connect verifies the token and opens the WebSocket event stream.
func (a *Adapter) Connect(ctx context.Context) error {
	client := model.NewAPIv4Client(a.serverURL)
	client.SetToken(a.token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("verify mattermost session: %w", err)
	}

	wsURL := httpToWS(a.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, client.AuthToken)
	if err != nil {
		return fmt.Errorf("connect websocket %s: %w", wsURL, err)
	}
	ws.Listen()

	out := make(chan platform.Inbound, inboundBuffer)
	done := make(chan struct{})

	a.mu.Lock()
	a.client, a.ws, a.userID = client, ws, me.Id
	a.out, a.done = out, done
	a.mu.Unlock()

	go a.listen(ws, me.Id, out, done)
	a.logger.Info("connected", zap.String("user_id", me.Id), zap.String("username", me.Username), zap.String("ws_url", wsURL))
	return nil
}

// Receive implements platform.Adapter.
func (a *Adapter) Receive(context.Context) <-chan platform.Inbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out
}

// Send creates a post in channelID.
func (a *Adapter) Send(ctx context.Context, channelID, text string) (string, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return "", platform.NewSendError(platform.Transient, errors.New("not connected"))
	}

	post, resp, err := client.CreatePost(ctx, &model.Post{ChannelId: channelID, Message: text})
	if err != nil {
		return "", classify(resp, err)
	}
	return post.Id, nil
}

// Presence reports the online status of userIDs.
func (a *Adapter) Presence(ctx context.Context, userIDs []string) ([]platform.Presence, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, errors.New("not connected")
	}

	statuses, _, err := client.GetUsersStatusesByIds(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get statuses: %w", err)
	}
	out := make([]platform.Presence, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, platform.Presence{
			UserID: s.UserId,
			Online: s.Status == model.StatusOnline,
		})
	}
	return out, nil
}

// Close stops the event stream. The adapter can be connected again.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	if a.ws != nil {
		a.ws.Close()
		a.ws = nil
	}
	return nil
}

// listen forwards posted events until the WebSocket drops or Close is called.
func (a *Adapter) listen(ws *model.WebSocketClient, selfID string, out chan<- platform.Inbound, done <-chan struct{}) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if ws.ListenError != nil {
					a.logger.Warn("websocket closed", zap.Error(ws.ListenError))
				} else {
					a.logger.Warn("websocket closed")
				}
				return
			}
			if evt == nil || evt.EventType() != model.WebsocketEventPosted {
				continue
			}
			in, err := parsePosted(evt, selfID)
			if err != nil {
				a.logger.Warn("failed to parse posted event", zap.Error(err))
				continue
			}
			if in == nil {
				continue
			}
			if in.SenderName == "" {
				in.SenderName = a.displayName(in.SenderID, in.SenderUsername)
			}
			select {
			case out <- *in:
			case <-done:
				return
			}
		}
	}
}

// parsePosted extracts a message from a posted event. It returns nil for
// posts that must not be relayed: our own and system messages.
func parsePosted(evt *model.WebSocketEvent, selfID string) (*platform.Inbound, error) {
	data := evt.GetData()
	postJSON, ok := data["post"].(string)
	if !ok {
		return nil, errors.New("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	if post.UserId == selfID {
		return nil, nil
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	username, _ := data["sender_name"].(string)
	username = strings.TrimPrefix(username, "@")
	channelType, _ := data["channel_type"].(string)

	kind := "text"
	if post.Message == "" && len(post.FileIds) > 0 {
		kind = "file"
	}
	return &platform.Inbound{
		ID:             post.Id,
		ChatID:         post.ChannelId,
		SenderID:       post.UserId,
		SenderUsername: username,
		Text:           post.Message,
		Kind:           kind,
		Timestamp:      time.UnixMilli(post.CreateAt),
		Private:        channelType == string(model.ChannelTypeDirect),
	}, nil
}

// displayName looks up and caches a user's display name, falling back to
// the username when the lookup fails.
func (a *Adapter) displayName(userID, fallback string) string {
	a.namesMu.Lock()
	name, ok := a.names[userID]
	a.namesMu.Unlock()
	if ok {
		return name
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	user, _, err := client.GetUser(ctx, userID, "")
	if err != nil {
		a.logger.Debug("user lookup failed", zap.String("user_id", userID), zap.Error(err))
		return fallback
	}
	name = user.GetDisplayName(model.ShowNicknameFullName)
	a.namesMu.Lock()
	a.names[userID] = name
	a.namesMu.Unlock()
	return name
}

// classify maps a failed API call onto the relay's failure classes.
func classify(resp *model.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return platform.NewSendError(platform.Quota, err)
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout:
		return platform.NewSendError(platform.Permanent, err)
	default:
		return platform.NewSendError(platform.Transient, err)
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if after, ok := strings.CutPrefix(url, "https://"); ok {
		return "wss://" + after
	}
	if after, ok := strings.CutPrefix(url, "http://"); ok {
		return "ws://" + after
	}
	return url
}
