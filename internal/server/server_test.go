package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"bitacora/internal/creds"
	"bitacora/internal/db"
	"bitacora/internal/domain"
	"bitacora/internal/events"
	"bitacora/internal/migrate"
	"bitacora/internal/repo"
	"bitacora/internal/workflow"
)

const (
	testSecret   = "test-secret"
	testPassword = "obra-2024"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	hash, err := creds.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	seed := []struct {
		id   string
		role domain.Role
	}{
		{"resident", domain.RoleResident},
		{"supervisor", domain.RoleSupervisor},
		{"contractor", domain.RoleContractorRep},
		{"admin", domain.RoleAdmin},
	}
	for _, s := range seed {
		u := domain.User{ID: s.id, FullName: s.id, Role: s.role, CreatedAt: "2024-01-01T00:00:00Z"}
		if err := r.InsertUser(ctx, nil, u, hash); err != nil {
			t.Fatalf("seed user %s: %v", s.id, err)
		}
	}

	eng := &workflow.Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{DB: conn},
		Now:    func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:             testSecret,
			TokenTTL:              time.Hour,
			AllowAPIKeys:          true,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func decodeErr(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error
}

func TestHealthNoAuth(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/entries", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d: %s", res.StatusCode, data)
	}
	if e := decodeErr(t, data); e.Code != "unauthorized" {
		t.Fatalf("want unauthorized code, got %+v", e)
	}
}

func TestLoginAndMe(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]string{
		"user_id": "resident", "password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password should 401, got %d: %s", res.StatusCode, data)
	}
	if e := decodeErr(t, data); e.Code != "invalid_credentials" {
		t.Fatalf("want invalid_credentials, got %+v", e)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]string{
		"user_id": "resident", "password": testPassword,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d: %s", res.StatusCode, data)
	}
	var login LoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("token missing: %v (%s)", err, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d: %s", res.StatusCode, data)
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil || me.ID != "resident" {
		t.Fatalf("me mismatch: %v (%s)", err, data)
	}
}

func TestEntryLifecycleOverHTTP(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries", map[string]any{
		"entry_date":           "2024-06-01",
		"title":                "Fundición losa eje 3",
		"body":                 "Actividades del día.",
		"required_signatories": []string{"resident", "supervisor"},
	}, as("resident"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create entry: %d: %s", res.StatusCode, data)
	}
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil || entry.Status != "draft" {
		t.Fatalf("create decode: %v (%s)", err, data)
	}

	// signing a draft is an invalid transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries/"+entry.ID+"/sign", map[string]any{
		"consent": "acepto", "password": testPassword,
	}, as("resident"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("sign from draft should 422, got %d: %s", res.StatusCode, data)
	}
	if e := decodeErr(t, data); e.Code != "invalid_transition" {
		t.Fatalf("want invalid_transition, got %+v", e)
	}

	steps := []struct {
		path string
		user string
		body map[string]any
	}{
		{"/send-to-contractor", "resident", map[string]any{}},
		{"/contractor-review", "contractor", map[string]any{"observations": "sin observaciones"}},
		{"/send-for-review", "resident", map[string]any{}},
		{"/approve-review", "resident", map[string]any{}},
		{"/approve-review", "supervisor", map[string]any{}},
		{"/approve", "resident", map[string]any{}},
	}
	for _, s := range steps {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries/"+entry.ID+s.path, s.body, as(s.user))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s as %s: %d: %s", s.path, s.user, res.StatusCode, data)
		}
	}

	// detail view reflects the approved entry and caller permissions
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/entries/"+entry.ID, nil, as("supervisor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detail: %d: %s", res.StatusCode, data)
	}
	var detail EntryDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("detail decode: %v (%s)", err, data)
	}
	if detail.Entry.Status != "approved" {
		t.Fatalf("want approved, got %s", detail.Entry.Status)
	}
	if !detail.Permissions.CanSign {
		t.Fatalf("supervisor should see a live sign action: %+v", detail.Permissions)
	}
	if len(detail.Participants) != 2 {
		t.Fatalf("want 2 participants, got %+v", detail.Participants)
	}

	for _, user := range []string{"resident", "supervisor"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries/"+entry.ID+"/sign", map[string]any{
			"consent": "acepto", "password": testPassword,
		}, as(user))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("sign as %s: %d: %s", user, res.StatusCode, data)
		}
	}
	var action ActionResponse
	if err := json.Unmarshal(data, &action); err != nil || action.Entry.Status != "signed" {
		t.Fatalf("last signature should flip entry to signed: %v (%s)", err, data)
	}

	// listing filters by legacy status labels
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/entries?status=Firmado", nil, as("resident"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d: %s", res.StatusCode, data)
	}
	var page paginatedEntries
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("signed filter should match one entry: %v (%s)", err, data)
	}
}

func TestContractorCannotAuthor(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/entries", map[string]any{
		"entry_date": "2024-06-01", "title": "x",
	}, as("contractor"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %d: %s", res.StatusCode, data)
	}
	if e := decodeErr(t, data); e.Code != "forbidden" {
		t.Fatalf("want forbidden, got %+v", e)
	}
}

func TestVersionConflictOverHTTP(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries", map[string]any{
		"entry_date": "2024-06-01", "title": "Entrada",
	}, as("resident"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d: %s", res.StatusCode, data)
	}
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries/"+entry.ID+"/send-to-contractor", map[string]any{
		"version": entry.Version + 5,
	}, as("resident"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale version should 409, got %d: %s", res.StatusCode, data)
	}
	if e := decodeErr(t, data); e.Code != "version_conflict" {
		t.Fatalf("want version_conflict, got %+v", e)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"user_id": "resident", "name": "ci", "key": "super-secret-key",
	}, as("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": "super-secret-key",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d: %s", res.StatusCode, data)
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil || me.ID != "resident" {
		t.Fatalf("api key should act as its owner: %v (%s)", err, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key should 401, got %d: %s", res.StatusCode, data)
	}
}

func TestMissingTaskOverHTTP(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries", map[string]any{
		"entry_date":           "2024-06-01",
		"title":                "Entrada",
		"required_signatories": []string{"resident"},
	}, as("resident"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d: %s", res.StatusCode, data)
	}
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		path string
		user string
		body map[string]any
	}{
		{"/send-to-contractor", "resident", map[string]any{}},
		{"/contractor-review", "contractor", map[string]any{}},
		{"/send-for-review", "resident", map[string]any{}},
		{"/approve-review", "resident", map[string]any{}},
		{"/approve", "resident", map[string]any{}},
	}
	for _, s := range steps {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries/"+entry.ID+s.path, s.body, as(s.user))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s as %s: %d: %s", s.path, s.user, res.StatusCode, data)
		}
	}

	// supervisor holds no signature task on this entry
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/entries/"+entry.ID+"/sign", map[string]any{
		"consent": "acepto", "password": testPassword,
	}, as("supervisor"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d: %s", res.StatusCode, data)
	}
	if e := decodeErr(t, data); e.Code != "missing_task" {
		t.Fatalf("want missing_task, got %+v", e)
	}
}
