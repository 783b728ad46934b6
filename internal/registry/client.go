package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Sentinel results from registry calls. Both are expected outcomes, not
// faults: not-found means the registration no longer exists, still-busy
// means a job was picked up between the busy check and the deregister call.
var (
	ErrNotFound  = errors.New("registration not found")
	ErrStillBusy = errors.New("registration is still busy")
)

// HTTPError is a non-2xx registry response other than the sentinel cases.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, e.Message)
}

// Registration is one runner registration as the registry reports it.
type Registration struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"` // online, offline
	Busy   bool   `json:"busy"`
}

// Online reports whether the registry last saw the runner's agent alive.
func (r Registration) Online() bool { return r.Status == "online" }

// JITCredential is a single-use registration credential minted for one
// instance before it boots.
type JITCredential struct {
	RegistrationID int64
	EncodedConfig  string
}

// Config carries connection settings shared by all registry clients.
type Config struct {
	BaseURL       string // defaults to https://api.github.com
	Token         string
	RunnerGroupID int64
	Timeout       time.Duration
	MaxRetries    int
}

// Client talks to the registry for exactly one owner. The scope decides the
// URL space once at construction; callers never re-dispatch per call.
type Client struct {
	base   string // orgs/{org} or repos/{org}/{repo}
	apiURL string
	token  string
	group  int64
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient builds a client for one owner key. A repo-scoped owner key is
// "org/repo"; anything without a slash is org-scoped.
func NewClient(cfg Config, owner string, logger *slog.Logger) *Client {
	var base string
	if strings.Contains(owner, "/") {
		base = "repos/" + owner
	} else {
		base = "orgs/" + owner
	}

	apiURL := cfg.BaseURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil

	return &Client{
		base:   base,
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  cfg.Token,
		group:  cfg.RunnerGroupID,
		http:   rc,
		logger: logger.With("component", "registry", "owner", owner),
	}
}

// ListRegistrations returns every registration for the owner, following
// pagination.
func (c *Client) ListRegistrations(ctx context.Context) ([]Registration, error) {
	var all []Registration
	for page := 1; ; page++ {
		var body struct {
			TotalCount int            `json:"total_count"`
			Runners    []Registration `json:"runners"`
		}
		path := fmt.Sprintf("%s/actions/runners?per_page=100&page=%d", c.base, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
			return nil, err
		}
		all = append(all, body.Runners...)
		if len(all) >= body.TotalCount || len(body.Runners) == 0 {
			break
		}
	}
	return all, nil
}

// GetRegistrationStatus looks up one registration by id. ErrNotFound means
// the registration no longer exists.
func (c *Client) GetRegistrationStatus(ctx context.Context, id int64) (Registration, error) {
	var reg Registration
	path := fmt.Sprintf("%s/actions/runners/%d", c.base, id)
	if err := c.do(ctx, http.MethodGet, path, nil, &reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Deregister removes a registration. ErrStillBusy means the registry
// refused because the runner holds an active job.
func (c *Client) Deregister(ctx context.Context, id int64) error {
	path := fmt.Sprintf("%s/actions/runners/%d", c.base, id)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnprocessableEntity {
		return ErrStillBusy
	}
	return err
}

// IsJobQueued reports whether the job is still waiting for a runner. The
// job API lives under the repository regardless of runner scope.
func (c *Client) IsJobQueued(ctx context.Context, repo string, jobID int64) (bool, error) {
	var body struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("repos/%s/actions/jobs/%d", repo, jobID)
	err := c.do(ctx, http.MethodGet, path, nil, &body)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return body.Status == "queued", nil
}

// MintJITCredential creates a just-in-time credential for one named
// instance. The returned registration id is known before the instance
// boots, which is what makes the orphan last-chance lookup possible.
func (c *Client) MintJITCredential(ctx context.Context, name string, labels []string) (JITCredential, error) {
	req := map[string]any{
		"name":            name,
		"runner_group_id": c.group,
		"labels":          labels,
	}
	var body struct {
		Runner struct {
			ID int64 `json:"id"`
		} `json:"runner"`
		EncodedJITConfig string `json:"encoded_jit_config"`
	}
	path := c.base + "/actions/runners/generate-jitconfig"
	if err := c.do(ctx, http.MethodPost, path, req, &body); err != nil {
		return JITCredential{}, err
	}
	return JITCredential{RegistrationID: body.Runner.ID, EncodedConfig: body.EncodedJITConfig}, nil
}

// CreateRegistrationToken mints a shared short-lived registration token.
func (c *Client) CreateRegistrationToken(ctx context.Context) (string, error) {
	var body struct {
		Token string `json:"token"`
	}
	path := c.base + "/actions/runners/registration-token"
	if err := c.do(ctx, http.MethodPost, path, nil, &body); err != nil {
		return "", err
	}
	return body.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.apiURL+"/"+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
