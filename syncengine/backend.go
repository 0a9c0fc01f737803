package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wfunc/roomsync/api"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/persistence"
)

// Backend is the state surface the engine talks to. room.Service satisfies
// it in process; HTTPBackend reaches a remote server.
type Backend interface {
	Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error)
	Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error)
	ReplaceIfVersion(ctx context.Context, key models.RoomKey, doc models.Document, expected uint64) (*models.Snapshot, error)
	Reset(ctx context.Context, key models.RoomKey, initial models.Document) (*models.Snapshot, error)
}

// HTTPBackend talks to the server's JSON API.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// RoomPath returns the API path of a room below prefix ("/api/rooms" or
// "/ws/rooms"). Room ids are path-escaped.
func RoomPath(prefix string, key models.RoomKey) string {
	return prefix + "/" + url.PathEscape(key.GameKind) + "/" + url.PathEscape(key.RoomID)
}

func (b *HTTPBackend) Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := b.do(ctx, http.MethodGet, RoomPath("/api/rooms", key)+"/state", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *HTTPBackend) Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := b.do(ctx, http.MethodPost, RoomPath("/api/rooms", key)+"/state", api.ReplaceRequest{Document: doc}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *HTTPBackend) ReplaceIfVersion(ctx context.Context, key models.RoomKey, doc models.Document, expected uint64) (*models.Snapshot, error) {
	var snap models.Snapshot
	req := api.ReplaceRequest{Document: doc, ExpectedVersion: &expected}
	if err := b.do(ctx, http.MethodPost, RoomPath("/api/rooms", key)+"/state", req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *HTTPBackend) Reset(ctx context.Context, key models.RoomKey, initial models.Document) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := b.do(ctx, http.MethodPost, RoomPath("/api/rooms", key)+"/reset", api.ResetRequest{Document: initial}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps API status codes back onto the sentinel errors the
// server derived them from.
func statusError(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", games.ErrUnknownGame, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrInvalidDocument, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", persistence.ErrVersionConflict, msg)
	}
	return fmt.Errorf("server returned %d: %s", status, msg)
}
