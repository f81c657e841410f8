package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestDetector() *Detector {
	return NewDetector(&allowAllGuard{}, 5*time.Second, 1<<20)
}

// TestDetect_DirectFeedContentType はフィードのContent-Typeを返すURLが
// そのまま採用されることを検証する。
func TestDetect_DirectFeedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.Write([]byte(`<rss version="2.0"><channel></channel></rss>`))
	}))
	defer server.Close()

	got, err := newTestDetector().Detect(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if got != server.URL {
		t.Errorf("Detect = %q, want input URL %q", got, server.URL)
	}
}

// TestDetect_GenericXMLSniffing は汎用XMLのContent-Typeでもボディ先頭から
// RSS/Atomと判定されることを検証する。
func TestDetect_GenericXMLSniffing(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantFeed bool
	}{
		{
			name:     "RSS",
			body:     `<?xml version="1.0"?><rss version="2.0"><channel></channel></rss>`,
			wantFeed: true,
		},
		{
			name:     "RDF",
			body:     `<?xml version="1.0"?><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"></rdf:RDF>`,
			wantFeed: true,
		},
		{
			name:     "Atom",
			body:     `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`,
			wantFeed: true,
		},
		{
			name:     "非フィードXML",
			body:     `<?xml version="1.0"?><sitemapindex></sitemapindex>`,
			wantFeed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/xml")
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got, err := newTestDetector().Detect(context.Background(), server.URL)
			if tt.wantFeed {
				if err != nil {
					t.Fatalf("Detect returned error: %v", err)
				}
				if got != server.URL {
					t.Errorf("Detect = %q, want %q", got, server.URL)
				}
				return
			}
			if err == nil {
				t.Error("expected error for non-feed XML")
			}
		})
	}
}

// TestDetect_HTMLAutodiscovery はHTMLページのheadからalternateリンクを
// 検出し、相対URLが絶対URLに解決されることを検証する。
func TestDetect_HTMLAutodiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
  <title>Example Blog</title>
  <link rel="stylesheet" href="/style.css">
  <link rel="alternate" type="application/rss+xml" title="RSS" href="/feed.xml">
</head>
<body>
  <link rel="alternate" type="application/atom+xml" href="/ignored.xml">
</body>
</html>`))
	}))
	defer server.Close()

	got, err := newTestDetector().Detect(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if got != server.URL+"/feed.xml" {
		t.Errorf("Detect = %q, want %q", got, server.URL+"/feed.xml")
	}
}

// TestDetect_NoFeedLink はフィードリンクの無いHTMLがエラーになることを検証する。
func TestDetect_NoFeedLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>No feeds here</title></head><body></body></html>`))
	}))
	defer server.Close()

	_, err := newTestDetector().Detect(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected error when no feed link exists")
	}
	if !strings.Contains(err.Error(), "フィードリンク") {
		t.Errorf("unexpected error message: %v", err)
	}
}

// TestSelectBestCandidate は同一ホスト優先・Atom優先の選択を検証する。
func TestSelectBestCandidate(t *testing.T) {
	inputURL := "https://blog.example/"

	tests := []struct {
		name       string
		candidates []Candidate
		want       string
	}{
		{
			name: "同一ホストが外部ホストより優先される",
			candidates: []Candidate{
				{URL: "https://cdn.example.net/feed.atom", Kind: FeedKindAtom},
				{URL: "https://blog.example/feed.xml", Kind: FeedKindRSS},
			},
			want: "https://blog.example/feed.xml",
		},
		{
			name: "同一ホスト内ではAtomが優先される",
			candidates: []Candidate{
				{URL: "https://blog.example/rss.xml", Kind: FeedKindRSS},
				{URL: "https://blog.example/atom.xml", Kind: FeedKindAtom},
			},
			want: "https://blog.example/atom.xml",
		},
		{
			name: "同点なら先頭の候補",
			candidates: []Candidate{
				{URL: "https://blog.example/a.xml", Kind: FeedKindRSS},
				{URL: "https://blog.example/b.xml", Kind: FeedKindRSS},
			},
			want: "https://blog.example/a.xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best := selectBestCandidate(tt.candidates, inputURL)
			if best == nil {
				t.Fatal("expected a candidate")
			}
			if best.URL != tt.want {
				t.Errorf("best = %q, want %q", best.URL, tt.want)
			}
		})
	}

	if selectBestCandidate(nil, inputURL) != nil {
		t.Error("expected nil for empty candidates")
	}
}
