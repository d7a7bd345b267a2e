// Package provider is a thin REST client for the GPU-pod provider's API:
// create/list/inspect/stop/start/delete a pod. It owns one *http.Client
// per Client value, configured with the provider's bearer token as a
// default header and a retrying transport. The token and base URL are
// constructor arguments rather than process-wide state, so tests can
// point a Client at a mock provider without touching global state.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/concourse/retryhttp"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the provider API's base URL without the version prefix,
	// e.g. "https://api.provider.example"; request paths start at "/v1/pods".
	BaseURL string
	// BearerToken authenticates every request as a default header.
	BearerToken string
	// RequestTimeout bounds each individual HTTP round trip (not the
	// caller's overall retry budget, which is enforced by the initializer
	// phases of pod.Pod above this client).
	RequestTimeout time.Duration
}

// Client calls the provider's pod-management REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a Client with a retrying transport: transient
// connection failures are retried transparently below the phase-level
// retry loops in package pod, the same layering a resilient RoundTripper
// gives any wrapped API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.BearerToken,
		http: &http.Client{
			Timeout: timeout,
			Transport: &retryhttp.RetryRoundTripper{
				Sleeper:      clock.NewClock(),
				RetryPolicy:  retryhttp.ExponentialRetryPolicy{Timeout: timeout},
				RoundTripper: http.DefaultTransport,
			},
		},
	}
}

// CreatePodRequest is the body of POST /v1/pods.
type CreatePodRequest struct {
	GPUTypeIDs        []string `json:"gpuTypeIds"`
	Name              string   `json:"name"`
	GPUCount          int      `json:"gpuCount"`
	NetworkVolumeID   string   `json:"networkVolumeId"`
	ImageName         string   `json:"imageName"`
	TemplateID        string   `json:"templateId"`
	SupportPublicIP   bool     `json:"supportPublicIp"`
	Ports             []string `json:"ports"`
}

// CreatePodResponse is the body of a successful POST /v1/pods.
type CreatePodResponse struct {
	ID string `json:"id"`
}

// CreatePod provisions a new pod. A non-2xx response or transport failure
// is returned wrapped so provider.IsRetryable can classify it.
func (c *Client) CreatePod(ctx context.Context, req CreatePodRequest) (CreatePodResponse, error) {
	var resp CreatePodResponse
	err := c.do(ctx, http.MethodPost, "/v1/pods", req, &resp)
	return resp, err
}

// PodListEntry is one entry of GET /v1/pods.
type PodListEntry struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TemplateID      string `json:"templateId"`
	NetworkVolumeID string `json:"networkVolumeId"`
	ImageName       string `json:"imageName"`
}

// ListPods returns every pod visible to the bearer token, used by
// PodManager to re-adopt pre-existing pods on startup.
func (c *Client) ListPods(ctx context.Context) ([]PodListEntry, error) {
	var resp []PodListEntry
	err := c.do(ctx, http.MethodGet, "/v1/pods", nil, &resp)
	return resp, err
}

// PodDetail is the body of GET /v1/pods/{id}.
type PodDetail struct {
	ID              string            `json:"id"`
	PublicIP        string            `json:"publicIp"`
	PortMappings    map[string]string `json:"portMappings"`
	TemplateID      string            `json:"templateId"`
	NetworkVolumeID string            `json:"networkVolumeId"`
	ImageName       string            `json:"imageName"`
	GPUTypeID       string            `json:"gpuTypeId"`
}

// InspectPod fetches the provider's current view of a pod, used by
// poll-info to discover the public IP and port mappings.
func (c *Client) InspectPod(ctx context.Context, podID string) (PodDetail, error) {
	var resp PodDetail
	err := c.do(ctx, http.MethodGet, "/v1/pods/"+podID, nil, &resp)
	return resp, err
}

// StopPod pauses a pod on the provider, reclaiming its resources while
// retaining its id.
func (c *Client) StopPod(ctx context.Context, podID string) error {
	return c.do(ctx, http.MethodPost, "/v1/pods/"+podID+"/stop", nil, nil)
}

// StartPod resumes a previously stopped pod.
func (c *Client) StartPod(ctx context.Context, podID string) error {
	return c.do(ctx, http.MethodPost, "/v1/pods/"+podID+"/start", nil, nil)
}

// DeletePod destroys a pod. Callers (pod.Pod.Destroy) treat this as
// idempotent: a 404 is not an error.
func (c *Client) DeletePod(ctx context.Context, podID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/pods/"+podID, nil, nil)
	var se *statusError
	if ok := asStatusError(err, &se); ok && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// statusError represents a non-2xx HTTP response from the provider.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

func asStatusError(err error, target **statusError) bool {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapIfTransient(fmt.Errorf("performing request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapIfTransient(fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wrapIfTransient(&statusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
