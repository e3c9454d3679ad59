package cache

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/10yihang/pwarelay/internal/engine/memory"
	"github.com/10yihang/pwarelay/pkg/errors"
)

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	broken map[string]bool
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.broken[req.URL.Path] {
		return nil, stderrors.New("connection refused")
	}
	body, ok := f.pages[req.URL.Path]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func newTestStore(t *testing.T, f Fetcher) *Store {
	t.Helper()
	eng := memory.NewStore()
	t.Cleanup(func() { eng.Close() })

	origin, _ := url.Parse("http://app.test")
	return NewStore(eng, f, Config{Prefix: "pwa", Version: "v2", Origin: origin})
}

func TestPartitionNames(t *testing.T) {
	p := PartitionNames("pwa", "v3")
	if p.Static != "pwa-static-v3" || p.Dynamic != "pwa-dynamic-v3" {
		t.Errorf("PartitionNames = %+v", p)
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://App.Test/index.html", "http://app.test/index.html"},
		{"http://app.test", "http://app.test/"},
		{"http://app.test/a?b=1#frag", "http://app.test/a?b=1"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.in)
		if got := Key(u); got != tt.want {
			t.Errorf("Key(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewRecordLeavesBodyReadable(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-A": {"1"}},
		Body:       io.NopCloser(strings.NewReader("payload")),
	}

	rec, err := NewRecord(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Body) != "payload" {
		t.Errorf("record body = %q", rec.Body)
	}

	again, _ := io.ReadAll(resp.Body)
	if string(again) != "payload" {
		t.Errorf("response body after clone = %q, want payload", again)
	}
}

func TestPutGetByteIdentical(t *testing.T) {
	s := newTestStore(t, &fakeFetcher{})
	ctx := context.Background()

	body := []byte{0, 1, 2, 0xff, 'x'}
	rec := &Record{Status: 200, Header: http.Header{"Content-Type": {"application/octet-stream"}}, Body: body}
	if err := s.Put(ctx, s.Partitions().Dynamic, "http://app.test/blob", rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, s.Partitions().Dynamic, "http://app.test/blob")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Errorf("body = %v, want %v", got.Body, body)
	}
	if got.Header.Get("Content-Type") != "application/octet-stream" {
		t.Errorf("header lost: %v", got.Header)
	}
}

func TestPopulateStaticToleratesFailures(t *testing.T) {
	f := &fakeFetcher{
		pages:  map[string]string{"/": "root", "/app.js": "js", "/offline.html": "offline"},
		broken: map[string]bool{"/style.css": true},
	}
	s := newTestStore(t, f)
	ctx := context.Background()

	report := s.PopulateStatic(ctx, []string{"/", "/style.css", "/app.js", "/missing.png", "/offline.html"})

	if len(report.Stored) != 3 {
		t.Errorf("stored %v, want 3 assets", report.Stored)
	}
	if len(report.Failed) != 2 {
		t.Errorf("failed %v, want 2 assets", report.Failed)
	}
	if report.Err() == nil {
		t.Error("Report.Err() = nil, want joined failures")
	}

	rec, err := s.Get(ctx, s.Partitions().Static, "http://app.test/app.js")
	if err != nil {
		t.Fatalf("app.js not cached: %v", err)
	}
	if string(rec.Body) != "js" {
		t.Errorf("app.js body = %q", rec.Body)
	}

	if _, err := s.Get(ctx, s.Partitions().Static, "http://app.test/missing.png"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("404 asset should not be cached, got %v", err)
	}
}

func TestMatchPrefersStatic(t *testing.T) {
	s := newTestStore(t, &fakeFetcher{})
	ctx := context.Background()
	key := "http://app.test/index.html"

	s.Put(ctx, s.Partitions().Dynamic, key, &Record{Status: 200, Body: []byte("dynamic")})
	rec, part, err := s.Match(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if part != s.Partitions().Dynamic || string(rec.Body) != "dynamic" {
		t.Errorf("Match = %q from %s", rec.Body, part)
	}

	s.Put(ctx, s.Partitions().Static, key, &Record{Status: 200, Body: []byte("static")})
	rec, part, _ = s.Match(ctx, key)
	if part != s.Partitions().Static || string(rec.Body) != "static" {
		t.Errorf("Match = %q from %s, want static", rec.Body, part)
	}

	if _, _, err := s.Match(ctx, "http://app.test/nope"); !stderrors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("Match miss = %v, want ErrKeyNotFound", err)
	}
}

func TestPurgeStale(t *testing.T) {
	s := newTestStore(t, &fakeFetcher{})
	ctx := context.Background()
	rec := &Record{Status: 200}

	s.Put(ctx, "pwa-static-v1", "k", rec)
	s.Put(ctx, "pwa-dynamic-v1", "k", rec)
	s.Put(ctx, s.Partitions().Static, "k", rec)
	s.Put(ctx, s.Partitions().Dynamic, "k", rec)

	dropped, err := s.PurgeStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 2 {
		t.Errorf("dropped = %v, want the two v1 partitions", dropped)
	}

	names, _ := s.Engine().Partitions(ctx)
	if len(names) != 2 {
		t.Errorf("partitions left = %v, want current static and dynamic", names)
	}
}

func TestListKeysPrefix(t *testing.T) {
	s := newTestStore(t, &fakeFetcher{})
	ctx := context.Background()
	dyn := s.Partitions().Dynamic

	s.Put(ctx, dyn, "http://app.test/__offline__/actions/a", &Record{Status: 200})
	s.Put(ctx, dyn, "http://app.test/__offline__/actions/b", &Record{Status: 200})
	s.Put(ctx, dyn, "http://app.test/api/items", &Record{Status: 200})

	var keys []string
	for k, err := range s.ListKeys(ctx, dyn, "http://app.test/__offline__/") {
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	if len(keys) != 2 {
		t.Errorf("ListKeys = %v, want 2 queue keys", keys)
	}
}

func TestResolveRelativeWithoutOrigin(t *testing.T) {
	s := NewStore(memory.NewStore(), &fakeFetcher{}, Config{Prefix: "p", Version: "v"})
	if _, err := s.Resolve("/x"); err == nil {
		t.Error("expected error resolving relative asset without origin")
	}
}
