package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/bottleneck"
	"github.com/nadmax/pipetune/internal/optimization"
)

type proposalRequest struct {
	PipelineConfigID string                  `json:"pipeline_config_id"`
	Stats            aggregate.Stats         `json:"stats"`
	Bottlenecks      []bottleneck.Bottleneck `json:"bottlenecks"`
}

type proposalResponse struct {
	Candidates []*optimization.Candidate `json:"candidates"`
}

// HTTPAdvisor posts aggregate statistics to a remote advisor service and
// decodes the candidates it returns.
type HTTPAdvisor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPAdvisor(endpoint string, client *http.Client) *HTTPAdvisor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdvisor{endpoint: endpoint, client: client}
}

func (a *HTTPAdvisor) Propose(ctx context.Context, pipelineID string, stats aggregate.Stats, bottlenecks []bottleneck.Bottleneck) ([]*optimization.Candidate, error) {
	body, err := json.Marshal(proposalRequest{
		PipelineConfigID: pipelineID,
		Stats:            stats,
		Bottlenecks:      bottlenecks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proposal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build advisor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("advisor request for %s: %w", pipelineID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("advisor returned %d for %s: %s", resp.StatusCode, pipelineID, bytes.TrimSpace(msg))
	}

	var out proposalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode advisor response: %w", err)
	}
	return out.Candidates, nil
}
