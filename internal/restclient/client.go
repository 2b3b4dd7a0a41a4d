// Package restclient is the request/response side of the session: snapshot
// fetches (rooms, history, notifications) and the mutations the session
// applies optimistically.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livesync/internal/apperr"
	"livesync/internal/logger"
	"livesync/internal/models"
)

// ReadResult is the server's answer to a mark-as-read request.
type ReadResult struct {
	Notification *models.Notification `json:"notification,omitempty"`
	// Count is the user's unread count after the mutation, when reported.
	Count *int `json:"count,omitempty"`
}

// ErrorBody is the JSON error shape returned by the backend.
type ErrorBody struct {
	Error string       `json:"error"`
	Room  *models.Room `json:"room,omitempty"`
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	c := &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   logger.L(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "restclient")
	return c, nil
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.base
	u.Path = c.base.Path + "/api/" + strings.Join(segments, "/")
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends the request and decodes a 2xx JSON body into out. Non-2xx
// responses become *apperr.StatusError, network failures apperr.ErrTransport.
func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transport(fmt.Errorf("%s %s: %w", method, target, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperr.Transport(fmt.Errorf("read %s %s: %w", method, target, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.Unmarshal(raw, &eb)
		c.log.Debug("request rejected", "method", method, "url", target, "status", resp.StatusCode, "error", eb.Error)
		return &apperr.StatusError{Status: resp.StatusCode, Message: eb.Error, Body: raw}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}

// Rooms fetches the room list for userID.
func (c *Client) Rooms(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "users", userID, "rooms"), nil, &rooms); err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	return rooms, nil
}

// Room fetches a single room, used when a deep link names a room the
// directory has not loaded.
func (c *Client) Room(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "rooms", roomID), nil, &room); err != nil {
		return models.Room{}, fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	return room, nil
}

// Messages fetches the history of roomID. A non-zero since limits the
// result to messages created at or after it.
func (c *Client) Messages(ctx context.Context, roomID string, since time.Time) ([]models.Message, error) {
	var q url.Values
	if !since.IsZero() {
		q = url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}
	}
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, c.endpoint(q, "rooms", roomID, "messages"), nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", roomID, err)
	}
	return msgs, nil
}

// Notifications fetches the notification list for userID.
func (c *Client) Notifications(ctx context.Context, userID string) ([]models.Notification, error) {
	var list []models.Notification
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "users", userID, "notifications"), nil, &list); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	return list, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, userID, notificationID string) (ReadResult, error) {
	var res ReadResult
	target := c.endpoint(nil, "users", userID, "notifications", notificationID, "read")
	if err := c.do(ctx, http.MethodPatch, target, nil, &res); err != nil {
		return ReadResult{}, fmt.Errorf("mark notification %s read: %w", notificationID, err)
	}
	return res, nil
}

func (c *Client) MarkAllRead(ctx context.Context, userID string) (ReadResult, error) {
	var res ReadResult
	if err := c.do(ctx, http.MethodPatch, c.endpoint(nil, "users", userID, "notifications", "read-all"), nil, &res); err != nil {
		return ReadResult{}, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res, nil
}

type createRoomRequest struct {
	UserID         string `json:"userId"`
	CounterpartyID string `json:"counterpartyId"`
}

// CreateRoom opens a room between userID and counterpartyID. When the room
// already exists the returned error satisfies apperr.IsConflict and, if the
// backend included it, the existing room is returned alongside.
func (c *Client) CreateRoom(ctx context.Context, userID, counterpartyID string) (models.Room, error) {
	var room models.Room
	err := c.do(ctx, http.MethodPost, c.endpoint(nil, "rooms"), createRoomRequest{UserID: userID, CounterpartyID: counterpartyID}, &room)
	if err == nil {
		return room, nil
	}
	var se *apperr.StatusError
	if errors.As(err, &se) && apperr.IsConflict(se) {
		var eb ErrorBody
		if json.Unmarshal(se.Body, &eb) == nil && eb.Room != nil {
			return *eb.Room, fmt.Errorf("create room: %w", err)
		}
	}
	return models.Room{}, fmt.Errorf("create room: %w", err)
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (c *Client) SendMessage(ctx context.Context, roomID, body string) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, "rooms", roomID, "messages"), sendMessageRequest{Body: body}, &msg); err != nil {
		return models.Message{}, fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return msg, nil
}

// Token asks the backend's development login for a token for userID.
func (c *Client) Token(ctx context.Context, userID string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint(url.Values{"userId": {userID}}, "token"), nil, &res); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if res.Token == "" {
		return "", fmt.Errorf("issue token: empty token: %w", apperr.ErrAnomaly)
	}
	return res.Token, nil
}

// SetToken replaces the bearer token used by later requests.
func (c *Client) SetToken(token string) {
	c.token = token
}
