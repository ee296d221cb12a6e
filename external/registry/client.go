package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"go.uber.org/zap"
)

// Client looks up the identity's candidate registration in the sidechain
// registry. The registry is informational only: any failure degrades to an
// unknown registration and is never propagated as an error.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.SugaredLogger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type registrationResponse struct {
	Registered bool    `json:"registered"`
	Stake      float64 `json:"stake"`
}

// GetRegistration fetches the registration status of the given Aura key.
func (c *Client) GetRegistration(ctx context.Context, key entities.PublicKey) entities.Registration {
	url := fmt.Sprintf("%s/registrations/%s", c.baseURL, key.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Warnw("building registry request failed", "error", err)
		return entities.Registration{}
	}

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warnw("registry unreachable", "url", c.baseURL, "error", err)
		return entities.Registration{}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return entities.Registration{Known: true, Registered: false}
	}
	if res.StatusCode != http.StatusOK {
		c.logger.Warnw("registry returned unexpected status", "status", res.StatusCode)
		return entities.Registration{}
	}

	var body registrationResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		c.logger.Warnw("decoding registry response failed", "error", err)
		return entities.Registration{}
	}

	return entities.Registration{
		Known:      true,
		Registered: body.Registered,
		Stake:      body.Stake,
	}
}
