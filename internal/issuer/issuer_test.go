package issuer

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, url string, policy Policy) *Issuer {
	t.Helper()
	client, err := NewHTTPClient(TransportOptions{PoolSize: 4, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Failed to build client: %v", err)
	}
	iss, err := New(Target{URL: url}, client, policy)
	if err != nil {
		t.Fatalf("Failed to create issuer: %v", err)
	}
	return iss
}

func TestIssue_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got: %s", r.Method)
		}
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	out := newTestIssuer(t, server.URL, DefaultPolicy()).Issue(context.Background())
	if !out.Success {
		t.Fatalf("Expected success, got kind %s (%s)", out.Kind, out.Err)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got: %d", out.StatusCode)
	}
	if out.Latency <= 0 {
		t.Errorf("Expected positive latency, got: %s", out.Latency)
	}
}

func TestIssue_StatusPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tests := []struct {
		name     string
		policy   Policy
		success  bool
		wantKind ErrorKind
	}{
		{"default fails 5xx", DefaultPolicy(), false, KindStatus},
		{"permissive accepts 5xx", PermissivePolicy(), true, KindNone},
		{"explicit 503", Policy{Statuses: []StatusRange{{503, 503}}}, true, KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestIssuer(t, server.URL, tt.policy).Issue(context.Background())
			if out.Success != tt.success {
				t.Errorf("Expected success=%v, got: %v", tt.success, out.Success)
			}
			if out.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got: %s", tt.wantKind, out.Kind)
			}
			if out.StatusCode != http.StatusServiceUnavailable {
				t.Errorf("Expected status 503, got: %d", out.StatusCode)
			}
		})
	}
}

func TestIssue_TransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	out := newTestIssuer(t, "http://"+addr, PermissivePolicy()).Issue(context.Background())
	if out.Success {
		t.Fatal("Expected failure against a closed port")
	}
	if out.Kind != KindTransport {
		t.Errorf("Expected transport error, got: %s", out.Kind)
	}
	if out.Err == "" {
		t.Error("Expected error detail")
	}
}

func TestIssue_Aborted(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	out := newTestIssuer(t, server.URL, DefaultPolicy()).Issue(ctx)
	if out.Kind != KindAborted {
		t.Errorf("Expected aborted, got: %s (%s)", out.Kind, out.Err)
	}
}

func TestIssue_BodyValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","data":{"id":42,"name":"lane"}}`))
	}))
	defer server.Close()

	tests := []struct {
		name    string
		policy  Policy
		success bool
	}{
		{"contains match", Policy{Statuses: DefaultPolicy().Statuses, BodyContains: `"ok"`}, true},
		{"contains miss", Policy{Statuses: DefaultPolicy().Statuses, BodyContains: "nope"}, false},
		{"pattern match", Policy{Statuses: DefaultPolicy().Statuses, BodyPattern: regexp.MustCompile(`"id":\d+`)}, true},
		{"field literal", Policy{Statuses: DefaultPolicy().Statuses, BodyFields: map[string]string{"data.id": "42"}}, true},
		{"field regex", Policy{Statuses: DefaultPolicy().Statuses, BodyFields: map[string]string{"data.name": "/^la/"}}, true},
		{"field mismatch", Policy{Statuses: DefaultPolicy().Statuses, BodyFields: map[string]string{"status": "error"}}, false},
		{"field missing", Policy{Statuses: DefaultPolicy().Statuses, BodyFields: map[string]string{"data.missing": "x"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestIssuer(t, server.URL, tt.policy).Issue(context.Background())
			if out.Success != tt.success {
				t.Errorf("Expected success=%v, got: %v (%s)", tt.success, out.Success, out.Err)
			}
			if !tt.success && out.Kind != KindValidation {
				t.Errorf("Expected validation kind, got: %s", out.Kind)
			}
		})
	}
}

func TestIssue_ReusesConnections(t *testing.T) {
	var newConns int32
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64*1024)))
	}))
	server.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&newConns, 1)
		}
	}
	server.Start()
	defer server.Close()

	iss := newTestIssuer(t, server.URL, DefaultPolicy())
	for i := 0; i < 10; i++ {
		if out := iss.Issue(context.Background()); !out.Success {
			t.Fatalf("Request %d failed: %s", i, out.Err)
		}
	}

	if got := atomic.LoadInt32(&newConns); got != 1 {
		t.Errorf("Expected 1 pooled connection for sequential requests, got: %d", got)
	}
}

func TestNew_RejectsBadExpression(t *testing.T) {
	_, err := New(Target{URL: "http://example.com"}, http.DefaultClient, Policy{
		Statuses:   DefaultPolicy().Statuses,
		BodyFields: map[string]string{"data.[": "x"},
	})
	if err == nil {
		t.Error("Expected error for malformed JMESPath expression")
	}
}

func TestParseStatusRanges(t *testing.T) {
	tests := []struct {
		name    string
		patterns   []string
		want    []StatusRange
		wantErr bool
	}{
		{"class", []string{"2xx"}, []StatusRange{{200, 299}}, false},
		{"range", []string{"200-204"}, []StatusRange{{200, 204}}, false},
		{"single", []string{"418"}, []StatusRange{{418, 418}}, false},
		{"mixed", []string{"2xx", " 304 "}, []StatusRange{{200, 299}, {304, 304}}, false},
		{"bad class", []string{"9xx"}, nil, true},
		{"inverted range", []string{"300-200"}, nil, true},
		{"garbage", []string{"ok"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatusRanges(tt.patterns)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatusRanges(%v) error = %v, wantErr %v", tt.patterns, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d ranges, got: %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Range %d: expected %+v, got: %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}
