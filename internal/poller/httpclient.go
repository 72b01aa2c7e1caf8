package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"PeerSupport/internal/matchmaker"
)

// HTTPClient talks to the peer-match endpoint with a bearer token. The user
// identity comes from the token, so userID arguments are ignored.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) call(ctx context.Context, req matchmaker.PeerMatchRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/peer-match", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", req.Action, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) JoinQueue(ctx context.Context, interests []string) (matchmaker.Outcome, error) {
	var r matchmaker.StatusResponse
	if err := c.call(ctx, matchmaker.PeerMatchRequest{Action: "join_queue", Interests: interests}, &r); err != nil {
		return matchmaker.Outcome{}, err
	}
	return matchmaker.OutcomeFromResponse(r), nil
}

func (c *HTTPClient) CheckStatus(ctx context.Context, _ string) (matchmaker.Outcome, error) {
	var r matchmaker.StatusResponse
	if err := c.call(ctx, matchmaker.PeerMatchRequest{Action: "check_status"}, &r); err != nil {
		return matchmaker.Outcome{}, err
	}
	return matchmaker.OutcomeFromResponse(r), nil
}

func (c *HTTPClient) LeaveQueue(ctx context.Context, _ string) error {
	return c.call(ctx, matchmaker.PeerMatchRequest{Action: "leave_queue"}, nil)
}
