package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchWorkerStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"processed": 3, "uptime": "1m0s"}`))
	}))
	defer srv.Close()

	// The config points at the task endpoint; stats lives beside it.
	stats, err := fetchWorkerStats(context.Background(), srv.URL+"/process_video_job")
	if err != nil {
		t.Fatal(err)
	}
	if stats["processed"] != float64(3) || stats["uptime"] != "1m0s" {
		t.Errorf("stats = %v", stats)
	}
}

func TestFetchWorkerStatsReportsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := fetchWorkerStats(context.Background(), srv.URL+"/process_video_job"); err == nil {
		t.Fatal("expected error for non-200 stats response")
	}
}
