package submission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"macke/internal/models"
)

type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitChain posts one error chain to the results endpoint
func (c *Client) SubmitChain(submission models.ChainSubmission) (string, error) {
	url := fmt.Sprintf("%s/v1/run/%s/chain/", c.baseURL, submission.RunID)

	data, err := json.Marshal(submission)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chain submission: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chain submission failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response models.ChainSubmissionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	log.Printf("Successfully submitted chain at %s for run %s. Submission ID: %s",
		submission.VulnerableLocation, submission.RunID, response.SubmissionID)
	return response.SubmissionID, nil
}

// SubmitSummary submits every chain of summary. Failed submissions are
// logged and skipped; the IDs of the accepted ones are returned in chain
// order.
func (c *Client) SubmitSummary(runID uuid.UUID, bitcode string, summary *models.Summary) ([]string, error) {
	var ids []string
	var failed int
	for _, chain := range summary.ErrorChains {
		id, err := c.SubmitChain(models.ChainSubmission{
			RunID:              runID,
			Bitcode:            bitcode,
			VulnerableLocation: chain.VulnerableLocation,
			Reason:             chain.Reason,
			Trace:              chain.Trace,
			ErrorFiles:         chain.ErrorFiles,
			Length:             chain.Length,
		})
		if err != nil {
			log.Printf("Warning: failed to submit chain %d of run %s: %v", chain.ID, runID, err)
			failed++
			continue
		}
		ids = append(ids, id)
	}
	if failed > 0 {
		return ids, fmt.Errorf("%d of %d chain submissions failed", failed, len(summary.ErrorChains))
	}
	return ids, nil
}
