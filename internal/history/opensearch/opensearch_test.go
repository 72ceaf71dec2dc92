package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/autoexec/internal/history"
)

func sampleEvent() history.Event {
	return history.Event{
		Type:       history.EventTransition,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Service:   "deployapp",
			RepoPath:  "/srv/repos/deployapp",
			Branch:    "release",
			From:      "running",
			To:        "updating",
			ScriptPID: 12345,
		},
	}
}

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index")
	if err := sink.Send(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/test-index/_doc" {
		t.Errorf("Expected URL path /test-index/_doc, got: %s", receivedURL)
	}

	var receivedEvent map[string]interface{}
	if err := json.Unmarshal(receivedBody, &receivedEvent); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if receivedEvent["type"] != string(history.EventTransition) {
		t.Errorf("Expected type %s, got: %v", history.EventTransition, receivedEvent["type"])
	}
	record, ok := receivedEvent["record"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected record in event, got: %v", receivedEvent)
	}
	if record["service"] != "deployapp" || record["to"] != "updating" {
		t.Errorf("unexpected record: %v", record)
	}
	if record["script_pid"] != float64(12345) {
		t.Errorf("Expected script_pid 12345, got: %v", record["script_pid"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	err := New(server.URL, "test-index").Send(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	if err := New(url, "idx").Send(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error for closed server")
	}
}
