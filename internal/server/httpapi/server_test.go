package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arx-os/bim-collab/internal/collab"
	"github.com/arx-os/bim-collab/internal/convert"
	"github.com/arx-os/bim-collab/internal/limiter"
	"github.com/arx-os/bim-collab/internal/model"
)

var testKey = []byte("test-sign-key")

func newTestServer(t *testing.T) (*mux.Router, *collab.Engine) {
	t.Helper()
	e := collab.New(collab.NewSessionStore(), zap.NewNop(), collab.Config{})
	e.Start()
	t.Cleanup(e.Close)
	srv := NewServer(e, limiter.NewMemory(time.Minute), nil, nil, zap.NewNop(), testKey)
	return srv.Router(), e
}

func signToken(t *testing.T, userID, username string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"email":    userID + "@example.com",
	})
	raw, err := tok.SignedString(testKey)
	require.NoError(t, err)
	return raw
}

func doJSON(t *testing.T, r *mux.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, r *mux.Router, token string) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions", token, map[string]string{"model_id": "model_1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["session_id"])
	return resp["session_id"]
}

func TestAuth_Rejections(t *testing.T) {
	r, _ := newTestServer(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions", "", map[string]string{"model_id": "m"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions", "not-a-token", map[string]string{"model_id": "m"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte("wrong-key"))
	require.NoError(t, err)
	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions", other, map[string]string{"model_id": "m"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateJoinStatus(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	bob := signToken(t, "bob", "Bob")

	sid := createSession(t, r, alice)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/join", bob, map[string]string{"role": "editor"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/status", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st convert.StatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "model_1", st.ModelID)
	require.Len(t, st.Users, 2)
}

func TestCreateSession_RequiresModelID(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions", alice, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMakeChange_StatusCodes(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	bob := signToken(t, "bob", "Bob")

	sid := createSession(t, r, alice)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/join", bob, map[string]string{"role": "viewer"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	change := map[string]any{"change_type": "update", "element_id": "wall_1"}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/changes", alice, change)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/changes", bob, change)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/00000000-0000-0000-0000-000000000001/changes", alice, change)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/not-a-uuid/changes", alice, change)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/changes", alice,
		map[string]any{"change_type": "paint", "element_id": "wall_1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMakeChange_RateLimited(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	sid := createSession(t, r, alice)

	// Deletes are capped at 5 per window.
	for i := 0; i < 5; i++ {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/changes", alice,
			map[string]any{"change_type": "delete", "element_id": fmt.Sprintf("wall_%d", i)})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/changes", alice,
		map[string]any{"change_type": "delete", "element_id": "wall_5"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetChanges_RoundTrip(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	sid := createSession(t, r, alice)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/changes", alice,
		map[string]any{"change_type": "update", "element_id": "wall_1", "new_value": map[string]any{"height": 10}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/changes", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var changes []convert.ChangeDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changes))
		if len(changes) == 1 {
			require.Equal(t, "wall_1", changes[0].ElementID)
			require.Equal(t, "update", changes[0].ChangeType)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("change never appeared in journal")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveConflict_NotFound(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	sid := createSession(t, r, alice)

	rec := doJSON(t, r, http.MethodPost,
		"/api/v1/sessions/"+sid+"/conflicts/00000000-0000-0000-0000-000000000002/resolve",
		alice, map[string]string{"strategy": "last_writer_wins"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBranchAndMerge(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	sid := createSession(t, r, alice)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/branch", alice,
		map[string]string{"name": "feature", "description": "try a layout"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	bid := resp["session_id"]
	require.NotEmpty(t, bid)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+sid+"/merge", alice,
		map[string]string{"source_id": bid, "strategy": "last_writer_wins"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/versions", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []convert.VersionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 1)
	require.Contains(t, versions[0].Description, "Merged from")
}

type fakeArchive struct {
	versions map[uuid.UUID][]model.Version
}

func (f *fakeArchive) SaveVersion(_ context.Context, sessionID uuid.UUID, _ string, v *model.Version) error {
	f.versions[sessionID] = append(f.versions[sessionID], *v)
	return nil
}

func (f *fakeArchive) ListVersions(_ context.Context, sessionID uuid.UUID) ([]model.Version, error) {
	return f.versions[sessionID], nil
}

func TestArchivedVersions(t *testing.T) {
	e := collab.New(collab.NewSessionStore(), zap.NewNop(), collab.Config{})
	e.Start()
	t.Cleanup(e.Close)
	archive := &fakeArchive{versions: make(map[uuid.UUID][]model.Version)}
	srv := NewServer(e, limiter.NewMemory(time.Minute), archive, nil, zap.NewNop(), testKey)
	r := srv.Router()

	alice := signToken(t, "alice", "Alice")
	sid := createSession(t, r, alice)

	sessUUID, err := uuid.FromString(sid)
	require.NoError(t, err)
	require.NoError(t, archive.SaveVersion(context.Background(), sessUUID, "model_1", &model.Version{
		VersionID:     uuid.Must(uuid.NewV4()),
		VersionNumber: 1,
		UserID:        "alice",
		Description:   "Auto-save",
	}))

	rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/versions/archive", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var versions []convert.VersionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 1)
	require.Equal(t, 1, versions[0].VersionNumber)
}

func TestArchivedVersions_Disabled(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	sid := createSession(t, r, alice)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/versions/archive", alice, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExport(t *testing.T) {
	r, _ := newTestServer(t)
	alice := signToken(t, "alice", "Alice")
	stranger := signToken(t, "mallory", "Mallory")
	sid := createSession(t, r, alice)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/export", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ex convert.ExportDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ex))
	require.Equal(t, sid, ex.SessionID)
	require.Equal(t, "model_1", ex.ModelID)
	require.Len(t, ex.Users, 1)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+sid+"/export", stranger, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
