package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policylens/internal/blob"
	"policylens/internal/db"
	"policylens/internal/domain"
	"policylens/internal/engine"
	"policylens/internal/migrate"
	"policylens/internal/repo"
	policylenssdk "policylens/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Policy domain.Policy
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newCappedTestServer(t, 0)
}

// newCappedTestServer limits stored documents to maxDocument bytes; zero keeps
// the store default.
func newCappedTestServer(t *testing.T, maxDocument int64) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(repo.Repo{DB: conn}, blob.FS{Dir: filepath.Join(workspace, "blobs"), MaxSize: maxDocument}, zerolog.Nop())
	ctx := context.Background()
	holder, err := e.CreatePolicyHolder(ctx, engine.PolicyHolderInput{FullName: "Grace Holder"})
	require.NoError(t, err)
	policy, err := e.CreatePolicy(ctx, engine.PolicyInput{
		HolderID:     holder.ID,
		PolicyNumber: "PL-2001",
		ProductType:  "Home Insurance",
	})
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:         e,
		Auth:           AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Log:            zerolog.Nop(),
		MaxUploadBytes: maxDocument,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Policy: policy,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) client(actor string, roles ...string) *policylenssdk.Client {
	c := policylenssdk.New(s.URL)
	c.ActorID = actor
	c.ActorRoles = roles
	return c
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func requireAPIError(t *testing.T, err error, status int, code string) *policylenssdk.APIError {
	t.Helper()
	var apiErr *policylenssdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, status, apiErr.StatusCode, apiErr.Body)
	assert.Equal(t, code, apiErr.Code, apiErr.Body)
	return apiErr
}

func TestClaimFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.client("reviewer-1", RoleReviewer)

	claim, err := c.CreateClaim(ctx, srv.Policy.ID, "CLAIM", "HIGH", "Storm damage")
	require.NoError(t, err)
	assert.Equal(t, "NEW", claim.Status)
	assert.Equal(t, "PL-2001", claim.PolicyNumber)
	assert.Equal(t, "reviewer-1", claim.CreatedBy)

	doc, err := c.UploadDocument(ctx, claim.ID, "photo.jpg", "image/jpeg", []byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), doc.SizeBytes)
	assert.Equal(t, "image/jpeg", doc.ContentType)

	_, err = c.AddNote(ctx, claim.ID, "Reviewed initial evidence.")
	require.NoError(t, err)
	decision, err := c.AddDecision(ctx, claim.ID, "APPROVE", "Sufficient evidence.")
	require.NoError(t, err)
	assert.Equal(t, "APPROVE", decision.Decision)

	detail, err := c.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "DECIDED", detail.Status)
	assert.Equal(t, 1, detail.DocumentsCount)
	assert.Equal(t, 1, detail.NotesCount)
	assert.Equal(t, 1, detail.DecisionsCount)

	events, err := c.ClaimEvents(ctx, claim.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "DECISION_RECORDED", events[0].EventType)
	assert.Equal(t, "CLAIM_CREATED", events[3].EventType)
	assert.Equal(t, doc.ID, events[2].Payload["document_id"])
	assert.Equal(t, "reviewer-1", events[0].Actor)

	_, err = c.AddDecision(ctx, claim.ID, "REJECT", "")
	apiErr := requireAPIError(t, err, http.StatusBadRequest, "rule_violation")
	assert.Equal(t, "claim already decided", apiErr.Message)

	events, err = c.ClaimEvents(ctx, claim.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestListClaimsFilters(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.client("agent", RoleReviewer)

	low, err := c.CreateClaim(ctx, srv.Policy.ID, "CLAIM", "LOW", "")
	require.NoError(t, err)
	high, err := c.CreateClaim(ctx, srv.Policy.ID, "POLICY_CHANGE", "HIGH", "")
	require.NoError(t, err)
	_, err = c.AddDecision(ctx, low.ID, "REQUEST_INFO", "need receipts")
	require.NoError(t, err)

	all, err := c.ListClaims(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inReview, err := c.ListClaims(ctx, "IN_REVIEW", "", 0)
	require.NoError(t, err)
	require.Len(t, inReview, 1)
	assert.Equal(t, low.ID, inReview[0].ID)

	highOnly, err := c.ListClaims(ctx, "", "HIGH", 10)
	require.NoError(t, err)
	require.Len(t, highOnly, 1)
	assert.Equal(t, high.ID, highOnly[0].ID)

	_, err = c.ListClaims(ctx, "ARCHIVED", "", 0)
	requireAPIError(t, err, http.StatusBadRequest, "rule_violation")
}

func TestCreateClaimValidation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.client("agent")

	_, err := c.CreateClaim(ctx, "no-such-policy", "CLAIM", "", "")
	requireAPIError(t, err, http.StatusNotFound, "not_found")

	_, err = c.CreateClaim(ctx, srv.Policy.ID, "THEFT", "", "")
	requireAPIError(t, err, http.StatusBadRequest, "rule_violation")

	res, body := doJSON(t, http.MethodPost, srv.URL+"/api/claims", map[string]any{"claim_type": "CLAIM"}, map[string]string{"X-Actor-Id": "agent"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"code":"bad_request"`)
}

func TestMissingClaimIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := srv.client("reviewer-1", RoleReviewer)

	_, err := c.GetClaim(ctx, "missing")
	requireAPIError(t, err, http.StatusNotFound, "not_found")
	_, err = c.ClaimEvents(ctx, "missing")
	requireAPIError(t, err, http.StatusNotFound, "not_found")
	_, err = c.AddNote(ctx, "missing", "hello")
	requireAPIError(t, err, http.StatusNotFound, "not_found")
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/api/claims", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "unauthorized", envelope.Error.Code)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/api/claims", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestReviewerRoleRequiredForWrites(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	agent := srv.client("agent")

	claim, err := agent.CreateClaim(ctx, srv.Policy.ID, "CLAIM", "NORMAL", "")
	require.NoError(t, err)

	_, err = agent.AddDecision(ctx, claim.ID, "APPROVE", "")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	_, err = agent.AddNote(ctx, claim.ID, "hello")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	_, err = agent.UploadDocument(ctx, claim.ID, "a.txt", "", []byte("a"))
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	_, err = srv.client("reviewer", RoleReviewer).CreatePolicyHolder(ctx, "New Holder", "", "")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	events, err := agent.ClaimEvents(ctx, claim.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBearerTokenAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	token, err := SignToken(testSecret, "admin-1", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)
	c := policylenssdk.New(srv.URL)
	c.BearerToken = token

	holder, err := c.CreatePolicyHolder(ctx, "Token Holder", "t@example.com", "")
	require.NoError(t, err)
	policy, err := c.CreatePolicy(ctx, holder.ID, "PL-3001", "Motor Insurance")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", policy.Status)

	claim, err := c.CreateClaim(ctx, policy.ID, "CLAIM", "", "")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", claim.CreatedBy)
	assert.Equal(t, "NORMAL", claim.Priority)

	_, err = c.CreatePolicy(ctx, holder.ID, "PL-3001", "Motor Insurance")
	requireAPIError(t, err, http.StatusBadRequest, "rule_violation")

	forged, err := SignToken("other-secret", "admin-1", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)
	c.BearerToken = forged
	_, err = c.ListClaims(ctx, "", "", 0)
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestActorHeaderDisabledByDefault(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(repo.Repo{DB: conn}, blob.FS{Dir: workspace}, zerolog.Nop())

	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}, Log: zerolog.Nop()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	base := "http://" + ln.Addr().String()
	res, _ := doJSON(t, http.MethodGet, base+"/v1/claims", nil, map[string]string{"X-Actor-Id": "mallory"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	c := policylenssdk.New(base)
	c.BasePath = "/v1"
	status, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Contains(t, doc.Paths, "/api/claims/{claim_id}/decisions")
	assert.Contains(t, doc.Paths, "/api/health")
}

func TestLargeDocumentUpload(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	reviewer := srv.client("rita", RoleReviewer)
	claim, err := reviewer.CreateClaim(ctx, srv.Policy.ID, "CLAIM", "NORMAL", "Flooded basement")
	require.NoError(t, err)

	content := bytes.Repeat([]byte("0123456789abcdef"), (2<<20)/16)
	doc, err := reviewer.UploadDocument(ctx, claim.ID, "survey.bin", "application/octet-stream", content)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), doc.SizeBytes)

	var got bytes.Buffer
	require.NoError(t, reviewer.DownloadDocument(ctx, claim.ID, doc.ID, &got))
	assert.Equal(t, content, got.Bytes())

	events, err := reviewer.ClaimEvents(ctx, claim.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "DOCUMENT_UPLOADED", events[0].EventType)
}

func TestUploadOverDocumentLimit(t *testing.T) {
	const limit = 64 << 10
	srv := newCappedTestServer(t, limit)
	ctx := context.Background()
	reviewer := srv.client("rita", RoleReviewer)
	claim, err := reviewer.CreateClaim(ctx, srv.Policy.ID, "CLAIM", "NORMAL", "")
	require.NoError(t, err)

	_, err = reviewer.UploadDocument(ctx, claim.ID, "exact.bin", "", make([]byte, limit))
	require.NoError(t, err)

	_, err = reviewer.UploadDocument(ctx, claim.ID, "big.bin", "", make([]byte, limit+1))
	requireAPIError(t, err, http.StatusBadRequest, "rule_violation")

	detail, err := reviewer.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.DocumentsCount)
}

func TestDownloadDocument(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	reviewer := srv.client("rita", RoleReviewer)
	claim, err := reviewer.CreateClaim(ctx, srv.Policy.ID, "CLAIM", "NORMAL", "")
	require.NoError(t, err)
	doc, err := reviewer.UploadDocument(ctx, claim.ID, "../receipt 1.txt", "text/plain", []byte("paid"))
	require.NoError(t, err)

	url := srv.URL + "/api/claims/" + claim.ID + "/documents/" + doc.ID + "/content"
	res, body := doJSON(t, http.MethodGet, url, nil, map[string]string{"X-Actor-Id": "viewer"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "paid", string(body))
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="receipt_1.txt"`, res.Header.Get("Content-Disposition"))

	res, _ = doJSON(t, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	err = reviewer.DownloadDocument(ctx, claim.ID, "missing", io.Discard)
	requireAPIError(t, err, http.StatusNotFound, "not_found")
}

func TestAuthOnlyGuardsBasePath(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/apifoo", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/api/claims", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	assert.True(t, underBasePath("/api", "/api"))
	assert.True(t, underBasePath("/api/claims", "/api"))
	assert.False(t, underBasePath("/apifoo", "/api"))
	assert.False(t, underBasePath("/apix/claims", "/api"))
	assert.True(t, underBasePath("/anything", ""))
}

func TestUploadBodyLimit(t *testing.T) {
	assert.Equal(t, uploadBodyLimit(blob.DefaultMaxSize), uploadBodyLimit(0))
	assert.Greater(t, uploadBodyLimit(25<<20), int64(25<<20)*4/3)
	assert.Equal(t, int64(4+64<<10), uploadBodyLimit(3))
}
