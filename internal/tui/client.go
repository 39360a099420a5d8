package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the cadence API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListCampaigns fetches campaigns with their per-stage counts.
func (c *Client) ListCampaigns() ([]scheduler.CampaignSummary, error) {
	var out []scheduler.CampaignSummary
	if err := c.get("/campaigns", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AdmissionStatus fetches the admission gate of one campaign.
func (c *Client) AdmissionStatus(campaignID string) (*scheduler.AdmissionStatus, error) {
	var out scheduler.AdmissionStatus
	if err := c.get("/campaigns/"+url.PathEscape(campaignID)+"/admission", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns fetches the most recent runs of one campaign.
func (c *Client) ListRuns(campaignID string, limit int) ([]models.CycleRun, error) {
	var out []models.CycleRun
	path := fmt.Sprintf("/campaigns/%s/runs?limit=%d", url.PathEscape(campaignID), limit)
	if err := c.get(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeAdmission applies enable, disable, pause or resume.
func (c *Client) ChangeAdmission(campaignID, op string) (*scheduler.AdmissionStatus, error) {
	body := map[string]string{}
	if op == "pause" {
		body["reason"] = "paused from dashboard"
	}
	resp, err := c.post("/campaigns/"+url.PathEscape(campaignID)+"/admission/"+op, body)
	if err != nil {
		return nil, err
	}
	var out scheduler.AdmissionStatus
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DryRun plans a cycle without acting.
func (c *Client) DryRun(campaignID string) (*models.CycleRun, error) {
	body := map[string]interface{}{"dry_run": true}
	resp, err := c.post("/campaigns/"+url.PathEscape(campaignID)+"/run", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Run *models.CycleRun `json:"run"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, err
	}
	if out.Run == nil {
		return nil, fmt.Errorf("dry run still in progress")
	}
	return out.Run, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}

	return body, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}
