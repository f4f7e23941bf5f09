// Package httpstore is the HTTP implementation of the remote message
// store and media store contracts.
package httpstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
)

// DefaultTimeout bounds a single request when the caller's context has no
// earlier deadline.
const DefaultTimeout = 15 * time.Second

// Client talks JSON over HTTP to the authoritative store. It implements
// remote.MessageStore and remote.MediaStore.
type Client struct {
	base    string
	apiKey  string
	timeout time.Duration
	http    *fasthttp.Client
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New builds a Client for the given base URL.
func New(baseURL, apiKey string, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		base:    baseURL,
		apiKey:  apiKey,
		timeout: DefaultTimeout,
		http:    &fasthttp.Client{MaxConnsPerHost: 16},
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type apiError struct {
	Error string `json:"error"`
}

// do runs one request and decodes the JSON body into out (when non-nil).
// The context deadline, if earlier than the client timeout, wins.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpstore: encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("httpstore: %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status >= 400 {
		var ae apiError
		_ = json.Unmarshal(resp.Body(), &ae)
		if status == fasthttp.StatusGone {
			return remote.ErrUnsendWindow
		}
		if ae.Error != "" {
			return fmt.Errorf("httpstore: %s %s: status %d: %s", method, path, status, ae.Error)
		}
		return fmt.Errorf("httpstore: %s %s: status %d", method, path, status)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("httpstore: decode response: %w", err)
		}
	}
	return nil
}

type sendBody struct {
	Sender         string           `json:"sender"`
	Text           string           `json:"text,omitempty"`
	ImageURL       string           `json:"image_url,omitempty"`
	AudioURL       string           `json:"audio_url,omitempty"`
	Location       *models.Location `json:"location,omitempty"`
	ReplyTo        string           `json:"reply_to,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// SendMessage writes a message and returns the confirmed record.
func (c *Client) SendMessage(ctx context.Context, req remote.SendReq) (models.Message, error) {
	var out models.Message
	body := sendBody{
		Sender:         req.Sender,
		Text:           req.Text,
		ImageURL:       req.ImageURL,
		AudioURL:       req.AudioURL,
		Location:       req.Location,
		ReplyTo:        req.ReplyTo,
		IdempotencyKey: req.IdempotencyKey,
	}
	path := "/v1/conversations/" + url.PathEscape(req.Conv) + "/messages"
	if err := c.do(ctx, fasthttp.MethodPost, path, body, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// FetchMessages returns up to limit messages older than beforeID,
// oldest-to-newest.
func (c *Client) FetchMessages(ctx context.Context, conv string, limit int, beforeID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	path := "/v1/conversations/" + url.PathEscape(conv) + "/messages?" + q.Encode()
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// EditMessage replaces the text of an existing message.
func (c *Client) EditMessage(ctx context.Context, id, text string) error {
	path := "/v1/messages/" + url.PathEscape(id)
	return c.do(ctx, fasthttp.MethodPatch, path, map[string]string{"text": text}, nil)
}

// UnsendMessage soft-deletes a message. The server re-validates the
// window; an expired one surfaces as remote.ErrUnsendWindow.
func (c *Client) UnsendMessage(ctx context.Context, id string) error {
	path := "/v1/messages/" + url.PathEscape(id)
	return c.do(ctx, fasthttp.MethodDelete, path, nil, nil)
}

// MarkAsRead records a read receipt for every unread message in conv.
func (c *Client) MarkAsRead(ctx context.Context, conv, userID string, updateLastSeen bool) error {
	path := "/v1/conversations/" + url.PathEscape(conv) + "/read"
	body := map[string]any{"user_id": userID, "update_last_seen": updateLastSeen}
	return c.do(ctx, fasthttp.MethodPost, path, body, nil)
}

// SetTyping publishes an ephemeral typing signal.
func (c *Client) SetTyping(ctx context.Context, conv, userID string, typing bool) error {
	path := "/v1/conversations/" + url.PathEscape(conv) + "/typing"
	body := map[string]any{"user_id": userID, "typing": typing}
	return c.do(ctx, fasthttp.MethodPost, path, body, nil)
}

// AddReaction sets the user's reaction on a message.
func (c *Client) AddReaction(ctx context.Context, id, userID, symbol string) error {
	path := "/v1/messages/" + url.PathEscape(id) + "/reactions/" + url.PathEscape(userID)
	return c.do(ctx, fasthttp.MethodPut, path, map[string]string{"symbol": symbol}, nil)
}

// RemoveReaction clears the user's reaction on a message.
func (c *Client) RemoveReaction(ctx context.Context, id, userID string) error {
	path := "/v1/messages/" + url.PathEscape(id) + "/reactions/" + url.PathEscape(userID)
	return c.do(ctx, fasthttp.MethodDelete, path, nil, nil)
}

// SearchMessages runs a server-side text search scoped to one conversation.
func (c *Client) SearchMessages(ctx context.Context, conv, query string, limit int, beforeID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	path := "/v1/conversations/" + url.PathEscape(conv) + "/messages/search?" + q.Encode()
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// UploadImage pushes image bytes and returns the hosted URL.
func (c *Client) UploadImage(ctx context.Context, data []byte, conv, sender string) (string, error) {
	return c.upload(ctx, "/v1/media/image", data, conv, sender)
}

// UploadAudio pushes audio bytes and returns the hosted URL.
func (c *Client) UploadAudio(ctx context.Context, data []byte, conv, sender string) (string, error) {
	return c.upload(ctx, "/v1/media/audio", data, conv, sender)
}

func (c *Client) upload(ctx context.Context, path string, data []byte, conv, sender string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	q := url.Values{}
	q.Set("conv", conv)
	q.Set("sender", sender)
	req.SetRequestURI(c.base + path + "?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.SetBody(data)

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("httpstore: upload %s: %w", path, err)
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("httpstore: upload %s: status %d", path, resp.StatusCode())
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("httpstore: decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("httpstore: upload %s: empty url in response", path)
	}
	c.log.Debug("media_uploaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return out.URL, nil
}
