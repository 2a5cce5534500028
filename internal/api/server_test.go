package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filing-workflow/internal/autosave"
	"filing-workflow/internal/common/config"
	"filing-workflow/internal/common/idempotency"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/common/search"
	"filing-workflow/internal/models"
	"filing-workflow/internal/store"
	"filing-workflow/internal/store/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var (
	testIssuer    = models.Actor{UserID: "u-issuer", Role: models.RoleIssuer, CompanyID: "acme"}
	testOutsider  = models.Actor{UserID: "u-other", Role: models.RoleIssuer, CompanyID: "globex"}
	testRegulator = models.Actor{UserID: "reg-1", Role: models.RoleCMARegulator}
)

type testServer struct {
	handler http.Handler
	auth    *Authenticator
}

func createTestServer(t *testing.T, limiter *config.RateLimitConfig) *testServer {
	log := logger.NewTestLogger(t)
	svc, err := store.NewService(store.Config{
		SubmissionThreshold:        80,
		SectionCompletionThreshold: 80,
		MaxMergeAttempts:           5,
	}, memory.New(), nil, log, store.WithIndexer(search.NewMemoryIndex()))
	require.NoError(t, err)

	coord := autosave.New(autosave.Config{Debounce: 20 * time.Millisecond, RetryBase: time.Millisecond}, svc, log)
	t.Cleanup(coord.Close)
	go func() {
		for range coord.Results() {
		}
	}()

	auth := NewAuthenticator(config.AuthConfig{JWTSecret: "test-secret", Issuer: "filing-test"}, log)
	deps := Deps{
		Service:     svc,
		AutoSave:    coord,
		Idempotency: idempotency.NewMemoryStore(time.Hour),
		Auth:        auth,
		Logger:      log,
	}
	if limiter != nil {
		deps.RateLimiter = NewRateLimiter(*limiter, log)
	}
	return &testServer{handler: NewServer(deps).Router(), auth: auth}
}

func (ts *testServer) token(t *testing.T, actor models.Actor) string {
	tok, err := ts.auth.Issue(actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, actor *models.Actor, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, *actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createApplication(t *testing.T) models.Application {
	rec := ts.do(t, &testIssuer, http.MethodPost, "/applications", map[string]interface{}{
		"title":        "Acme Green Bond",
		"targetAmount": 2500000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var app models.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))
	return app
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

// ==========================
// Authentication Tests
// ==========================

func TestAuthenticator_Verify(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Issuer: "filing"}, logger.NewTestLogger(t))
	other := NewAuthenticator(config.AuthConfig{JWTSecret: "different", Issuer: "filing"}, logger.NewTestLogger(t))

	valid, err := auth.Issue(testIssuer, time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue(testIssuer, time.Hour)
	require.NoError(t, err)
	expired, err := auth.Issue(testIssuer, -time.Minute)
	require.NoError(t, err)
	noCompany, err := auth.Issue(models.Actor{UserID: "u-2", Role: models.RoleIssuer}, time.Hour)
	require.NoError(t, err)
	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "SUPERUSER",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-3", Issuer: "filing"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", valid, false},
		{"wrong secret", forged, true},
		{"expired", expired, true},
		{"issuer without company", noCompany, true},
		{"unknown role", badRole, true},
		{"garbage", "not-a-token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor, err := auth.Verify(tt.token)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testIssuer, actor)
		})
	}
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	ts := createTestServer(t, nil)

	rec := ts.do(t, nil, http.MethodGet, "/applications", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rec))

	rec = ts.do(t, nil, http.MethodGet, "/applications", nil, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RateLimit(t *testing.T) {
	ts := createTestServer(t, &config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1})

	first := ts.do(t, &testIssuer, http.MethodGet, "/applications", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := ts.do(t, &testIssuer, http.MethodGet, "/applications", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, second))

	// Buckets are per user.
	other := ts.do(t, &testRegulator, http.MethodGet, "/applications", nil)
	assert.Equal(t, http.StatusOK, other.Code)
}

// ==========================
// Application Routes
// ==========================

func TestCreateApplication_IdempotentReplay(t *testing.T) {
	ts := createTestServer(t, nil)
	body := map[string]interface{}{"title": "Acme Bond"}

	first := ts.do(t, &testIssuer, http.MethodPost, "/applications", body, idempotency.HeaderKey, "key-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := ts.do(t, &testIssuer, http.MethodPost, "/applications", body, idempotency.HeaderKey, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))

	var a, b models.Application
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.ID, b.ID)

	third := ts.do(t, &testIssuer, http.MethodPost, "/applications", body, idempotency.HeaderKey, "key-2")
	var c models.Application
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &c))
	assert.NotEqual(t, a.ID, c.ID)

	list := ts.do(t, &testIssuer, http.MethodGet, "/applications", nil)
	var page struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
}

func TestErrorStatusMapping(t *testing.T) {
	ts := createTestServer(t, nil)
	app := ts.createApplication(t)

	tests := []struct {
		name       string
		actor      models.Actor
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"submit below threshold", testIssuer, http.MethodPost, "/applications/" + app.ID + "/submit", nil, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"other company", testOutsider, http.MethodGet, "/applications/" + app.ID, nil, http.StatusForbidden, "ACCESS_DENIED"},
		{"unknown application", testIssuer, http.MethodGet, "/applications/missing", nil, http.StatusNotFound, "NOT_FOUND"},
		{"section out of range", testIssuer, http.MethodGet, "/applications/" + app.ID + "/sections/11", nil, http.StatusNotFound, "NOT_FOUND"},
		{"review on draft", testRegulator, http.MethodPost, "/applications/" + app.ID + "/review", map[string]string{"action": "APPROVE"}, http.StatusForbidden, "ACCESS_DENIED"},
		{"unknown body field", testIssuer, http.MethodPatch, "/applications/" + app.ID, map[string]string{"colour": "red"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"bad trigger", testIssuer, http.MethodPatch, "/applications/" + app.ID + "/sections/1", map[string]interface{}{"fields": map[string]string{"a": "b"}, "trigger": "hover"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor := tt.actor
			rec := ts.do(t, &actor, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestSearch_RouteIsNotAnApplicationID(t *testing.T) {
	ts := createTestServer(t, nil)
	app := ts.createApplication(t)

	rec := ts.do(t, &testIssuer, http.MethodGet, "/applications/search?q=green", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		Applications []models.Application `json:"applications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Applications, 1)
	assert.Equal(t, app.ID, page.Applications[0].ID)

	rec = ts.do(t, &testOutsider, http.MethodGet, "/applications/search?q=green", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Applications)
}

// ==========================
// Section Routes
// ==========================

func TestPatchSection_TypingIsAcceptedThenConfirmed(t *testing.T) {
	ts := createTestServer(t, nil)
	app := ts.createApplication(t)
	path := "/applications/" + app.ID + "/sections/1"

	rec := ts.do(t, &testIssuer, http.MethodPatch, path, map[string]interface{}{
		"fields":  map[string]interface{}{"company.name": "Acme"},
		"trigger": "typing",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack struct {
		Trigger string                 `json:"trigger"`
		View    map[string]interface{} `json:"view"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "typing", ack.Trigger)
	assert.Equal(t, "Acme", ack.View["company.name"])

	require.Eventually(t, func() bool {
		rec := ts.do(t, &testIssuer, http.MethodGet, path+"/autosave", nil)
		var state struct {
			Confirmed map[string]interface{} `json:"confirmed"`
			Pending   map[string]interface{} `json:"pending"`
		}
		if json.Unmarshal(rec.Body.Bytes(), &state) != nil {
			return false
		}
		return len(state.Pending) == 0 && state.Confirmed["company.name"] == "Acme"
	}, 2*time.Second, 10*time.Millisecond)

	rec = ts.do(t, &testIssuer, http.MethodGet, path, nil)
	var sec models.Section
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sec))
	name, ok := sec.Data.Get("company.name")
	require.True(t, ok)
	s, _ := name.AsString()
	assert.Equal(t, "Acme", s)
}

func TestPatchSection_SaveAndStrictVersion(t *testing.T) {
	ts := createTestServer(t, nil)
	app := ts.createApplication(t)
	path := "/applications/" + app.ID + "/sections/2"

	rec := ts.do(t, &testIssuer, http.MethodPatch, path, map[string]interface{}{
		"fields":  map[string]interface{}{"name": "Acme", "staff": 12},
		"trigger": "save",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sec models.Section
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sec))
	assert.Equal(t, 100, sec.CompletionPercentage)
	assert.Equal(t, models.SectionInProgress, sec.Status)

	stale := ts.do(t, &testIssuer, http.MethodPatch, path, map[string]interface{}{
		"fields":  map[string]interface{}{"name": "Acme Ltd"},
		"trigger": "blur",
		"version": sec.Version - 1,
	})
	assert.Equal(t, http.StatusConflict, stale.Code)
	assert.Equal(t, "CONCURRENCY_CONFLICT", errorCode(t, stale))

	complete := ts.do(t, &testIssuer, http.MethodPost, path+"/complete", nil)
	require.Equal(t, http.StatusOK, complete.Code, complete.Body.String())
	require.NoError(t, json.Unmarshal(complete.Body.Bytes(), &sec))
	assert.Equal(t, models.SectionCompleted, sec.Status)

	denied := ts.do(t, &testOutsider, http.MethodPatch, path, map[string]interface{}{
		"fields":  map[string]interface{}{"name": "Hijack"},
		"trigger": "typing",
	})
	assert.Equal(t, http.StatusForbidden, denied.Code)
}

func TestComments_InternalHiddenFromIssuer(t *testing.T) {
	ts := createTestServer(t, nil)
	app := ts.createApplication(t)
	path := "/applications/" + app.ID + "/comments"

	rec := ts.do(t, &testIssuer, http.MethodPost, path, map[string]interface{}{"content": "Ready for review"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	admin := models.Actor{UserID: "admin-1", Role: models.RoleCMAAdmin}
	rec = ts.do(t, &admin, http.MethodPost, path, map[string]interface{}{"content": "Check the auditor", "isInternal": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var list struct {
		Comments []models.Comment `json:"comments"`
	}
	rec = ts.do(t, &testIssuer, http.MethodGet, path, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Comments, 1)

	rec = ts.do(t, &admin, http.MethodGet, path, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Comments, 2)
}
