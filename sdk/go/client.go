package policylenssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal PolicyLens HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and ActorRoles are sent as X-Actor-Id / X-Actor-Roles when no
	// bearer token is set. The server must allow actor headers.
	ActorID    string
	ActorRoles []string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// Claim represents the API claim model.
type Claim struct {
	ID           string    `json:"id"`
	PolicyID     string    `json:"policy_id"`
	PolicyNumber string    `json:"policy_number"`
	ClaimType    string    `json:"claim_type"`
	Status       string    `json:"status"`
	Priority     string    `json:"priority"`
	Summary      string    `json:"summary"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClaimDetail is a claim with its child counts.
type ClaimDetail struct {
	Claim
	DocumentsCount int `json:"documents_count"`
	NotesCount     int `json:"notes_count"`
	DecisionsCount int `json:"decisions_count"`
}

type Document struct {
	ID               string    `json:"id"`
	ClaimID          string    `json:"claim_id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	SizeBytes        int64     `json:"size_bytes"`
	StorageKey       string    `json:"storage_key"`
	UploadedBy       string    `json:"uploaded_by"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

type Note struct {
	ID        string    `json:"id"`
	ClaimID   string    `json:"claim_id"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Decision struct {
	ID        string    `json:"id"`
	ClaimID   string    `json:"claim_id"`
	Decision  string    `json:"decision"`
	Notes     string    `json:"notes,omitempty"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
}

// Event represents an audit trail entry.
type Event struct {
	ID        int64          `json:"id"`
	ClaimID   string         `json:"claim_id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type PolicyHolder struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type Policy struct {
	ID           string `json:"id"`
	HolderID     string `json:"holder_id"`
	PolicyNumber string `json:"policy_number"`
	ProductType  string `json:"product_type"`
	Status       string `json:"status"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateClaim opens a claim against a policy. An empty priority lets the
// server default it.
func (c *Client) CreateClaim(ctx context.Context, policyID, claimType, priority, summary string) (Claim, error) {
	body := map[string]any{
		"policy_id":  policyID,
		"claim_type": claimType,
	}
	if priority != "" {
		body["priority"] = priority
	}
	if summary != "" {
		body["summary"] = summary
	}
	var resp Claim
	err := c.do(ctx, http.MethodPost, "claims", body, &resp)
	return resp, err
}

// ListClaims returns claims newest first. Empty filters are omitted.
func (c *Client) ListClaims(ctx context.Context, status, priority string, limit int) ([]Claim, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if priority != "" {
		q.Set("priority", priority)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "claims"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Claim
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetClaim(ctx context.Context, claimID string) (ClaimDetail, error) {
	var resp ClaimDetail
	err := c.do(ctx, http.MethodGet, claimPath(claimID, ""), nil, &resp)
	return resp, err
}

// ClaimEvents returns the claim's audit trail, newest first.
func (c *Client) ClaimEvents(ctx context.Context, claimID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, claimPath(claimID, "events"), nil, &resp)
	return resp, err
}

// UploadDocument attaches content to a claim.
func (c *Client) UploadDocument(ctx context.Context, claimID, filename, contentType string, content []byte) (Document, error) {
	body := map[string]any{
		"filename": filename,
		"content":  content,
	}
	if contentType != "" {
		body["content_type"] = contentType
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, claimPath(claimID, "documents"), body, &resp)
	return resp, err
}

// DownloadDocument streams a document's stored bytes into w.
func (c *Client) DownloadDocument(ctx context.Context, claimID, documentID string, w io.Writer) error {
	return c.do(ctx, http.MethodGet, claimPath(claimID, "documents/"+url.PathEscape(documentID)+"/content"), nil, w)
}

func (c *Client) AddNote(ctx context.Context, claimID, text string) (Note, error) {
	var resp Note
	err := c.do(ctx, http.MethodPost, claimPath(claimID, "notes"), map[string]any{"body": text}, &resp)
	return resp, err
}

func (c *Client) AddDecision(ctx context.Context, claimID, decision, notes string) (Decision, error) {
	body := map[string]any{"decision": decision}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, claimPath(claimID, "decisions"), body, &resp)
	return resp, err
}

func (c *Client) CreatePolicyHolder(ctx context.Context, fullName, email, phone string) (PolicyHolder, error) {
	body := map[string]any{"full_name": fullName}
	if email != "" {
		body["email"] = email
	}
	if phone != "" {
		body["phone"] = phone
	}
	var resp PolicyHolder
	err := c.do(ctx, http.MethodPost, "policyholders", body, &resp)
	return resp, err
}

// CreatePolicy creates an ACTIVE policy for holderID.
func (c *Client) CreatePolicy(ctx context.Context, holderID, policyNumber, productType string) (Policy, error) {
	body := map[string]any{
		"holder_id":     holderID,
		"policy_number": policyNumber,
		"product_type":  productType,
	}
	var resp Policy
	err := c.do(ctx, http.MethodPost, "policies", body, &resp)
	return resp, err
}

// Health reports the server status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp.Status, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if len(c.ActorRoles) > 0 {
			req.Header.Set("X-Actor-Roles", strings.Join(c.ActorRoles, ","))
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func claimPath(claimID, sub string) string {
	p := "claims/" + url.PathEscape(claimID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
