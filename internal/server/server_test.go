package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gazer/internal/gallery"
	"gazer/internal/scheduler"
	"gazer/internal/store"
)

const testSecret = "test-secret"

type fakeGalleryStore struct {
	galleries map[gallery.ID]store.Gallery
	sessions  map[gallery.SessionID]store.Session
	deleted   []gallery.ID
}

func newFakeGalleryStore() *fakeGalleryStore {
	return &fakeGalleryStore{
		galleries: make(map[gallery.ID]store.Gallery),
		sessions:  make(map[gallery.SessionID]store.Session),
	}
}

func (f *fakeGalleryStore) CreateGallery(_ context.Context, g store.Gallery) (store.Gallery, error) {
	g.ID = uuid.New()
	g.CreatedAt = time.Now()
	g.UpdatedAt = g.CreatedAt
	g.LastScraped = map[gallery.Marketplace]gallery.UnixTime{gallery.Mercari: 0}
	f.galleries[g.ID] = g
	return g, nil
}

func (f *fakeGalleryStore) GetGallery(_ context.Context, owner string, id gallery.ID) (store.Gallery, error) {
	g, ok := f.galleries[id]
	if !ok || g.Owner != owner {
		return store.Gallery{}, fmt.Errorf("gallery %s: %w", id, store.ErrNotFound)
	}
	return g, nil
}

func (f *fakeGalleryStore) UpdateGallery(ctx context.Context, owner string, id gallery.ID, patch store.GalleryPatch) (store.Gallery, error) {
	g, err := f.GetGallery(ctx, owner, id)
	if err != nil {
		return store.Gallery{}, err
	}
	if patch.Name != nil {
		g.Name = *patch.Name
	}
	if patch.ScrapingPeriodicity != nil {
		g.ScrapingPeriodicity = *patch.ScrapingPeriodicity
	}
	if patch.SearchCriteria != nil {
		g.SearchCriteria = *patch.SearchCriteria
	}
	if patch.EvaluationCriteria != nil {
		g.EvaluationCriteria = *patch.EvaluationCriteria
	}
	if patch.IsActive != nil {
		g.IsActive = *patch.IsActive
	}
	f.galleries[id] = g
	return g, nil
}

func (f *fakeGalleryStore) DeleteGallery(ctx context.Context, owner string, id gallery.ID) error {
	if _, err := f.GetGallery(ctx, owner, id); err != nil {
		return err
	}
	delete(f.galleries, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeGalleryStore) ListOwnerGalleries(_ context.Context, owner string) ([]store.Gallery, error) {
	var out []store.Gallery
	for _, g := range f.galleries {
		if g.Owner == owner {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGalleryStore) GetSession(_ context.Context, owner string, id gallery.SessionID) (store.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return store.Session{}, fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	g, galleryKnown := f.galleries[session.GalleryID]
	if !galleryKnown || g.Owner != owner {
		return store.Session{}, fmt.Errorf("session %d: %w", id, store.ErrNotFound)
	}
	return session, nil
}

func (f *fakeGalleryStore) Stats(ctx context.Context, owner string, id gallery.ID) (store.GalleryStats, error) {
	g, err := f.GetGallery(ctx, owner, id)
	if err != nil {
		return store.GalleryStats{}, err
	}
	return store.GalleryStats{GalleryID: g.ID, Name: g.Name, IsActive: g.IsActive}, nil
}

func (f *fakeGalleryStore) AllStats(ctx context.Context, owner string) ([]store.GalleryStats, error) {
	galleries, _ := f.ListOwnerGalleries(ctx, owner)
	out := []store.GalleryStats{}
	for _, g := range galleries {
		out = append(out, store.GalleryStats{GalleryID: g.ID, Name: g.Name, IsActive: g.IsActive})
	}
	return out, nil
}

type fakeScheduler struct {
	added     []gallery.SchedulerState
	updated   []gallery.ID
	deleted   []gallery.ID
	addErr    error
	updateErr error
}

func (f *fakeScheduler) Add(_ context.Context, state gallery.SchedulerState) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, state)
	return nil
}

func (f *fakeScheduler) Update(_ context.Context, id gallery.ID, _ gallery.SchedulerState) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, id)
	return nil
}

func (f *fakeScheduler) Delete(_ context.Context, id gallery.ID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestServer(st GalleryStore, sched GalleryScheduler) *Server {
	return New(Config{
		HostAddr:  "127.0.0.1:0",
		JWTSecret: testSecret,
		Store:     st,
		Scheduler: sched,
	})
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func doRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)
	return recorder
}

func createBody() map[string]any {
	return map[string]any{
		"name":                 "vintage cameras",
		"scraping_periodicity": "*/30 * * * *",
		"search_criteria":      map[string]any{"keyword": "leica"},
		"evaluation_criteria": []map[string]any{
			{"question": "is it a film camera?", "type": "yes_no", "hard": true},
		},
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s := newTestServer(newFakeGalleryStore(), &fakeScheduler{})
	if got := doRequest(t, s, http.MethodGet, "/healthz", "", nil); got.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", got.Code)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	s := newTestServer(newFakeGalleryStore(), &fakeScheduler{})
	if got := doRequest(t, s, http.MethodGet, "/g/gallery", "", nil); got.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got.Code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	s := newTestServer(newFakeGalleryStore(), &fakeScheduler{})
	if got := doRequest(t, s, http.MethodGet, "/g/gallery", "Bearer not-a-token", nil); got.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got.Code)
	}
}

func TestCreateGallery(t *testing.T) {
	st := newFakeGalleryStore()
	sched := &fakeScheduler{}
	s := newTestServer(st, sched)

	got := doRequest(t, s, http.MethodPost, "/g/gallery", bearerToken(t, "alice"), createBody())
	if got.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", got.Code, got.Body)
	}

	var created store.Gallery
	if err := json.Unmarshal(got.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Owner != "alice" {
		t.Fatalf("owner not taken from token: %q", created.Owner)
	}
	if len(sched.added) != 1 || sched.added[0].GalleryID != created.ID {
		t.Fatalf("gallery not scheduled: %+v", sched.added)
	}
}

func TestCreateGalleryInvalidCron(t *testing.T) {
	s := newTestServer(newFakeGalleryStore(), &fakeScheduler{})

	body := createBody()
	body["scraping_periodicity"] = "not a cron"
	if got := doRequest(t, s, http.MethodPost, "/g/gallery", bearerToken(t, "alice"), body); got.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got.Code)
	}
}

func TestCreateGalleryScheduleConflictRollsBack(t *testing.T) {
	st := newFakeGalleryStore()
	sched := &fakeScheduler{addErr: scheduler.ErrAlreadyExists}
	s := newTestServer(st, sched)

	got := doRequest(t, s, http.MethodPost, "/g/gallery", bearerToken(t, "alice"), createBody())
	if got.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got.Code)
	}
	if len(st.galleries) != 0 {
		t.Fatal("unschedulable gallery must be rolled back")
	}
}

func TestGetGalleryWrongOwnerIs404(t *testing.T) {
	st := newFakeGalleryStore()
	s := newTestServer(st, &fakeScheduler{})

	g, _ := st.CreateGallery(context.Background(), store.Gallery{Owner: "alice"})
	got := doRequest(t, s, http.MethodGet, "/g/gallery/"+g.ID.String(), bearerToken(t, "bob"), nil)
	if got.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got.Code)
	}
}

func TestPatchGalleryUpdatesScheduler(t *testing.T) {
	st := newFakeGalleryStore()
	sched := &fakeScheduler{}
	s := newTestServer(st, sched)

	cronSched, _ := gallery.ParseCron("0 * * * *")
	g, _ := st.CreateGallery(context.Background(), store.Gallery{
		Owner:               "alice",
		Name:                "old",
		ScrapingPeriodicity: cronSched,
	})

	got := doRequest(t, s, http.MethodPatch, "/g/gallery/"+g.ID.String(), bearerToken(t, "alice"),
		map[string]any{"name": "new", "is_active": false})
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", got.Code, got.Body)
	}

	var updated store.Gallery
	if err := json.Unmarshal(got.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Name != "new" || updated.IsActive {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if len(sched.updated) != 1 || sched.updated[0] != g.ID {
		t.Fatal("scheduler not told about the update")
	}
}

func TestPatchGallerySchedulerFailureKeepsStoreWrite(t *testing.T) {
	st := newFakeGalleryStore()
	sched := &fakeScheduler{updateErr: scheduler.ErrStopped}
	s := newTestServer(st, sched)

	cronSched, _ := gallery.ParseCron("0 * * * *")
	g, _ := st.CreateGallery(context.Background(), store.Gallery{
		Owner:               "alice",
		Name:                "old",
		ScrapingPeriodicity: cronSched,
	})

	got := doRequest(t, s, http.MethodPatch, "/g/gallery/"+g.ID.String(), bearerToken(t, "alice"),
		map[string]any{"name": "new"})
	if got.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", got.Code, got.Body)
	}
	// The store stays patched; the task resyncs from it after its next run.
	if st.galleries[g.ID].Name != "new" {
		t.Fatalf("store write must not be reverted, got %q", st.galleries[g.ID].Name)
	}
}

func TestDeleteGallery(t *testing.T) {
	st := newFakeGalleryStore()
	sched := &fakeScheduler{}
	s := newTestServer(st, sched)

	g, _ := st.CreateGallery(context.Background(), store.Gallery{Owner: "alice"})
	got := doRequest(t, s, http.MethodDelete, "/g/gallery/"+g.ID.String(), bearerToken(t, "alice"), nil)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}
	if len(sched.deleted) != 1 || sched.deleted[0] != g.ID {
		t.Fatal("scheduler not told about the delete")
	}
}

func TestGalleryStatsAll(t *testing.T) {
	st := newFakeGalleryStore()
	s := newTestServer(st, &fakeScheduler{})

	st.CreateGallery(context.Background(), store.Gallery{Owner: "alice", Name: "a"})
	st.CreateGallery(context.Background(), store.Gallery{Owner: "alice", Name: "b"})
	st.CreateGallery(context.Background(), store.Gallery{Owner: "bob", Name: "c"})

	got := doRequest(t, s, http.MethodGet, "/g/gallery_stats/all", bearerToken(t, "alice"), nil)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}
	var stats []store.GalleryStats
	if err := json.Unmarshal(got.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected alice's two galleries, got %d", len(stats))
	}
}

func TestGalleryStatsBadID(t *testing.T) {
	s := newTestServer(newFakeGalleryStore(), &fakeScheduler{})
	got := doRequest(t, s, http.MethodGet, "/g/gallery_stats/nope", bearerToken(t, "alice"), nil)
	if got.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got.Code)
	}
}

func TestGetSession(t *testing.T) {
	st := newFakeGalleryStore()
	s := newTestServer(st, &fakeScheduler{})

	g, _ := st.CreateGallery(context.Background(), store.Gallery{Owner: "alice"})
	st.sessions[7] = store.Session{ID: 7, GalleryID: g.ID}

	got := doRequest(t, s, http.MethodGet, "/s/7", bearerToken(t, "alice"), nil)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}

	if got := doRequest(t, s, http.MethodGet, "/s/7", bearerToken(t, "bob"), nil); got.Code != http.StatusNotFound {
		t.Fatalf("foreign session must be 404, got %d", got.Code)
	}
	if got := doRequest(t, s, http.MethodGet, "/s/nope", bearerToken(t, "alice"), nil); got.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric session id must be 400, got %d", got.Code)
	}
}

func TestStoreErrorIs500(t *testing.T) {
	st := &erroringStore{fakeGalleryStore: newFakeGalleryStore()}
	s := newTestServer(st, &fakeScheduler{})

	got := doRequest(t, s, http.MethodGet, "/g/gallery", bearerToken(t, "alice"), nil)
	if got.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got.Code)
	}
	var envelope map[string]string
	if err := json.Unmarshal(got.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope["error"] == "" {
		t.Fatal("error envelope missing")
	}
}

type erroringStore struct {
	*fakeGalleryStore
}

func (e *erroringStore) ListOwnerGalleries(context.Context, string) ([]store.Gallery, error) {
	return nil, errors.New("db down")
}
