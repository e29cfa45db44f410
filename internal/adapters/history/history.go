// Package history is the client side of the channel history read API.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alkl1m/chatclient/internal/domain"
	"github.com/alkl1m/chatclient/internal/protocol"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Fetch returns the channel's recorded envelopes in server order. Entries are
// decoded leniently: the server rewrites stored FILE_MESSAGE events (payload
// stripped, message set to a download link), so strict wire validation does
// not apply here.
func (c *Client) Fetch(ctx context.Context, channelID domain.ChannelID) ([]protocol.Envelope, error) {
	endpoint := fmt.Sprintf("%s/api/chat/channels/%s/messages", c.baseURL, url.PathEscape(string(channelID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch: unexpected status %d", resp.StatusCode)
	}

	var events []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("history decode: %w", err)
	}
	log.Debug().Str("module", "adapters.history").Str("channel", string(channelID)).Int("count", len(events)).Msg("fetched history")
	return events, nil
}
