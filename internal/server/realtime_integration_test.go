package server

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestStreamDeliversSyncPendingAfterNotify(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "user-1", "phone")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.server.URL+"/sync/stream?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", contentType)
	}
	if server.realtime.SubscriberCount("user-1") != 1 {
		t.Fatalf("expected the stream to be subscribed")
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	status, body := server.internal(t, http.MethodPost, "/internal/events", testInternalToken,
		[]byte(`{"user_id":"user-1","item_id":"book-1","kind":"artifact-ready","payload":{"artifact":"ocr"}}`))
	if status != http.StatusAccepted || body["accepted"] != true {
		t.Fatalf("notify failed: %d %v", status, body)
	}

	deadline := time.After(5 * time.Second)
	sawEvent := false
	for {
		select {
		case line, open := <-lines:
			if !open {
				t.Fatalf("stream closed before delivering the nudge")
			}
			if line == "event:"+RealtimeEventSyncPending {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data:") {
				if !strings.Contains(line, `"item_id":"book-1"`) || !strings.Contains(line, `"kind":"artifact-ready"`) {
					t.Fatalf("unexpected nudge payload: %s", line)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", RealtimeEventSyncPending)
		}
	}
}

func TestStreamRequiresSession(t *testing.T) {
	server := newTestServer(t)
	response, err := http.Get(server.server.URL + "/sync/stream")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", response.StatusCode)
	}
}
