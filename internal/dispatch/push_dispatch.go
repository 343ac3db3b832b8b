package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier posts an event to an FCM-style HTTP push gateway. It is used
// for drivers that have no live connection when a ride request is made.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Notify(ctx context.Context, driverID, event string, payload any) error {
	body := map[string]any{"message": map[string]any{
		"topic": "driver-" + driverID,
		"data":  map[string]any{"event": event, "payload": payload},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
