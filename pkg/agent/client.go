package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
)

const exchangeTimeout = 10 * time.Second

// exchangeClient performs the credential exchange against the server.
type exchangeClient struct {
	baseURL    string
	nodeID     string
	nodeToken  string
	httpClient *http.Client
}

func newExchangeClient(baseURL, nodeID, nodeToken string) *exchangeClient {
	return &exchangeClient{
		baseURL:   baseURL,
		nodeID:    nodeID,
		nodeToken: nodeToken,
		httpClient: &http.Client{
			Timeout: exchangeTimeout,
		},
	}
}

type exchangeResponse struct {
	MQTT nodeauth.BrokerCredentials `json:"mqtt"`
}

// Exchange trades the long-lived node token for broker coordinates.
func (c *exchangeClient) Exchange(ctx context.Context) (*nodeauth.BrokerCredentials, error) {
	body, err := json.Marshal(map[string]string{
		"nodeId":    c.nodeID,
		"nodeToken": c.nodeToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.baseURL+"/nodes/auth/exchange",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("building exchange request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchanging credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange failed with status %d", resp.StatusCode)
	}

	var decoded exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}

	if decoded.MQTT.Host == "" {
		return nil, fmt.Errorf("exchange returned empty broker host")
	}

	return &decoded.MQTT, nil
}
