package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/profile"
)

// FCMDispatcher posts to an FCM HTTP v1 style endpoint. Device tokens come
// from the user profile.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Tokens   profile.Lookup
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string, tokens profile.Lookup) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message struct {
		Token        string            `json:"token"`
		Notification fcmNotification   `json:"notification"`
		Data         map[string]string `json:"data,omitempty"`
	} `json:"message"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (f *FCMDispatcher) Notify(ctx context.Context, n models.Notification) error {
	p, err := f.Tokens.Get(ctx, n.UserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return ErrNoDevice
		}
		return err
	}
	if p.FCMToken == "" {
		return ErrNoDevice
	}

	var body fcmMessage
	body.Message.Token = p.FCMToken
	body.Message.Notification = fcmNotification{Title: n.Title, Body: n.Body}
	body.Message.Data = n.Data
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm: unexpected status %d", resp.StatusCode)
	}
	return nil
}
