package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trackline/trackline/internal/errors"
	"github.com/trackline/trackline/internal/network"
)

func newTestDeezer(srv *httptest.Server) *Deezer {
	p := NewDeezer(network.WrapClient(srv.Client(), nil), nil, zap.NewNop())
	p.baseURL = srv.URL
	retry := apperrors.DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 5 * time.Millisecond
	p.recovery = apperrors.NewRecoveryManager(zap.NewNop(), retry, time.Millisecond)
	return p
}

func TestDeezerGetTrack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/track/908604612" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":908604612,"title":"Blinding Lights","isrc":"USUG11904206","duration":200,
			"link":"https://www.deezer.com/track/908604612","rank":987654,
			"artist":{"id":4050205,"name":"The Weeknd"},"album":{"id":"1","cover_big":"https://img/cover.jpg"}}`))
	}))
	defer srv.Close()

	p := newTestDeezer(srv)
	tr, err := p.GetTrack(context.Background(), "908604612")
	if err != nil {
		t.Fatalf("GetTrack() error = %v", err)
	}
	if tr.Title != "Blinding Lights" || tr.Author != "The Weeknd" || tr.ISRC != "USUG11904206" {
		t.Errorf("track = %+v", tr)
	}
	if tr.DurationMs != 200000 || tr.ProviderID != "908604612" || tr.Thumbnail != "https://img/cover.jpg" {
		t.Errorf("track = %+v", tr)
	}
	if tr.Provider.Playable() {
		t.Error("deezer tracks are metadata only")
	}

	if _, err := p.GetTrack(context.Background(), ""); err == nil {
		t.Error("expected validation error for empty id")
	}
}

func TestDeezerRungUsesURLID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"42","title":"T","duration":10,"artist":{"name":"A"}}`))
	}))
	defer srv.Close()

	p := newTestDeezer(srv)
	rungs := p.Rungs()
	if rungs[0].Name != "api" {
		t.Fatalf("first rung = %s, want api", rungs[0].Name)
	}
	tr, err := rungs[0].Fetch(context.Background(), mustURL(t, "https://www.deezer.com/en/track/42"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if tr.CanonicalURL != "https://www.deezer.com/track/42" {
		t.Errorf("CanonicalURL = %q", tr.CanonicalURL)
	}
}

func TestDeezerSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/track" || r.URL.Query().Get("q") != "blinding lights" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"data":[
			{"id":1,"title":"Blinding Lights","duration":200,"artist":{"name":"The Weeknd"}},
			{"id":2,"title":"Blinding Lights (Remix)","duration":210,"artist":{"name":"The Weeknd"}},
			null
		],"total":2}`))
	}))
	defer srv.Close()

	p := newTestDeezer(srv)
	tracks, err := p.Search(context.Background(), "blinding lights", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(tracks) != 2 || tracks[1].ProviderID != "2" {
		t.Errorf("tracks = %+v", tracks)
	}

	if _, err := p.Search(context.Background(), "  ", 5); err == nil {
		t.Error("expected validation error for empty query")
	}
}

func TestDeezerQuotaErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"error":{"type":"Exception","message":"Quota limit exceeded","code":4}}`))
			return
		}
		w.Write([]byte(`{"id":7,"title":"After Quota","artist":{"name":"A"}}`))
	}))
	defer srv.Close()

	p := newTestDeezer(srv)
	tr, err := p.GetTrack(context.Background(), "7")
	if err != nil {
		t.Fatalf("GetTrack() error = %v", err)
	}
	if tr.Title != "After Quota" || calls.Load() != 2 {
		t.Errorf("title = %q after %d calls", tr.Title, calls.Load())
	}
}

func TestDeezerDataExceptionIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"type":"DataException","message":"no data","code":800}}`))
	}))
	defer srv.Close()

	_, err := newTestDeezer(srv).GetTrack(context.Background(), "1")
	if apperrors.GetErrorType(err) != apperrors.ErrTypeNotFound {
		t.Errorf("error = %v, want not found", err)
	}
}
