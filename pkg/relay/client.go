// Package relay posts finalized constraints to the configured builders.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
)

// ConstraintsPath is the builder endpoint finalized constraints are posted to.
const ConstraintsPath = "/eth/v1/builder/constraints"

// SubmitResult contains the result of a submission to a single builder.
type SubmitResult struct {
	BuilderURL string
	Success    bool
	Error      string
}

// ConstraintsClient is an HTTP client posting constraints to builder APIs.
type ConstraintsClient struct {
	builderURLs []string
	httpClient  *http.Client
	log         logrus.FieldLogger
}

// NewConstraintsClient creates a new constraints client.
func NewConstraintsClient(builderURLs []string, log logrus.FieldLogger) *ConstraintsClient {
	urls := make([]string, 0, len(builderURLs))
	for _, u := range builderURLs {
		urls = append(urls, strings.TrimSuffix(u, "/"))
	}

	return &ConstraintsClient{
		builderURLs: urls,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.WithField("component", "relay-client"),
	}
}

// SubmitConstraints posts the finalized list of slot to all builders
// concurrently. It fails only when every builder rejected the list.
func (c *ConstraintsClient) SubmitConstraints(
	ctx context.Context,
	slot phase0.Slot,
	list []*constraints.SignedConstraints,
) error {
	if len(c.builderURLs) == 0 {
		return nil
	}

	body, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode constraints: %w", err)
	}

	results := c.submit(ctx, body)

	failed := 0

	for _, r := range results {
		if r.Success {
			continue
		}

		failed++

		c.log.WithFields(logrus.Fields{
			"slot":    slot,
			"builder": r.BuilderURL,
		}).Warn("Builder rejected constraints: " + r.Error)
	}

	c.log.WithFields(logrus.Fields{
		"slot":        slot,
		"constraints": len(list),
		"builders":    len(results),
		"failed":      failed,
	}).Info("Submitted finalized constraints")

	if failed == len(results) {
		return fmt.Errorf("all %d builders rejected constraints for slot %d", failed, slot)
	}

	return nil
}

func (c *ConstraintsClient) submit(ctx context.Context, body []byte) []SubmitResult {
	var wg sync.WaitGroup

	results := make([]SubmitResult, len(c.builderURLs))

	for i, builderURL := range c.builderURLs {
		wg.Add(1)

		go func(idx int, url string) {
			defer wg.Done()

			results[idx] = c.submitToBuilder(ctx, url, body)
		}(i, builderURL)
	}

	wg.Wait()

	return results
}

// submitToBuilder posts body to a single builder.
func (c *ConstraintsClient) submitToBuilder(ctx context.Context, builderURL string, body []byte) SubmitResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, builderURL+ConstraintsPath, bytes.NewReader(body))
	if err != nil {
		return SubmitResult{
			BuilderURL: builderURL,
			Error:      fmt.Sprintf("failed to create request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{
			BuilderURL: builderURL,
			Error:      fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)

		return SubmitResult{
			BuilderURL: builderURL,
			Error:      fmt.Sprintf("builder returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	return SubmitResult{
		BuilderURL: builderURL,
		Success:    true,
	}
}
