package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"nexusServer/backend/internal/crdt"
)

// CapabilityClient asks the identity service whether a replica may
// edit a project. Verdicts are cached briefly so an op burst does not
// turn into an HTTP burst. Fails closed: no reachable verdict, no
// write.
type CapabilityClient struct {
	client *http.Client
	url    string
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]capVerdict
}

type capVerdict struct {
	allowed bool
	until   time.Time
}

type capRequest struct {
	ReplicaID string `json:"replicaId"`
	ProjectID string `json:"projectId"`
}

type capResponse struct {
	Allowed bool `json:"allowed"`
}

func NewCapabilityClient(authBaseURL string) *CapabilityClient {
	return &CapabilityClient{
		client: &http.Client{},
		url:    strings.TrimRight(authBaseURL, "/") + "/v1/auth/capability",
		ttl:    30 * time.Second,
		cache:  make(map[string]capVerdict),
	}
}

func (c *CapabilityClient) CanEdit(ctx context.Context, replicaID, projectID string, target crdt.Path) bool {
	key := replicaID + "|" + projectID
	now := time.Now()

	c.mu.Lock()
	if v, ok := c.cache[key]; ok && now.Before(v.until) {
		c.mu.Unlock()
		return v.allowed
	}
	c.mu.Unlock()

	allowed := c.fetch(ctx, replicaID, projectID)

	c.mu.Lock()
	c.cache[key] = capVerdict{allowed: allowed, until: now.Add(c.ttl)}
	c.mu.Unlock()
	return allowed
}

func (c *CapabilityClient) fetch(ctx context.Context, replicaID, projectID string) bool {
	body, err := json.Marshal(capRequest{ReplicaID: replicaID, ProjectID: projectID})
	if err != nil {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("capability check failed (project=%s, replica=%s): %v", projectID, replicaID, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var out capResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	return out.Allowed
}
