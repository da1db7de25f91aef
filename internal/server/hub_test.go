package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nKvs-you/roller-coaster-builder/internal/auth"
	"github.com/nKvs-you/roller-coaster-builder/internal/config"
	"github.com/nKvs-you/roller-coaster-builder/internal/events"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
)

func startHubServer(t *testing.T, cfg *config.Config, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, logging.NewTestLogger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		hub.Stop()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func awaitEnvelope(t *testing.T, conn *websocket.Conn, wantType string) serverEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		var envelope serverEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if envelope.Type == wantType {
			return envelope
		}
	}
}

func awaitEvent(t *testing.T, conn *websocket.Conn, kind events.Kind) *events.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for event %q: %v", kind, err)
		}
		var envelope serverEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if envelope.Type == msgEvent && envelope.Event != nil && envelope.Event.Kind == kind {
			return envelope.Event
		}
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if clients, _ := hub.SnapshotClientCounts(); clients == want {
			return
		}
		if time.Now().After(deadline) {
			clients, pending := hub.SnapshotClientCounts()
			t.Fatalf("clients never reached %d (clients=%d pending=%d)", want, clients, pending)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForTrack(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := hub.CurrentLayout(); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("hub never adopted a track")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsTrackAndState(t *testing.T) {
	_, url := startHubServer(t, nil)
	conn := dialHub(t, url, nil)

	if err := conn.WriteMessage(websocket.TextMessage, setTrackMessage(t, 1, testRingLayout(30, 12))); err != nil {
		t.Fatalf("write set_track: %v", err)
	}

	findings := awaitEnvelope(t, conn, msgFindings)
	if findings.Summary == nil || findings.Summary.Name != "ring" {
		t.Fatalf("unexpected findings reply: %+v", findings)
	}
	rebuilt := awaitEnvelope(t, conn, msgTrack)
	if rebuilt.Track == nil || rebuilt.Track.PointCount != 12 || !rebuilt.Track.Closed {
		t.Fatalf("unexpected track broadcast: %+v", rebuilt.Track)
	}
	if rebuilt.Track.Length <= 0 {
		t.Fatalf("expected a measured track length, got %v", rebuilt.Track.Length)
	}
	snapshot := awaitEnvelope(t, conn, msgState)
	if snapshot.State == nil || snapshot.Tick == 0 {
		t.Fatalf("unexpected state broadcast: %+v", snapshot)
	}
}

func TestHubGreetsLateJoiners(t *testing.T) {
	hub, url := startHubServer(t, nil)
	first := dialHub(t, url, nil)

	if err := first.WriteMessage(websocket.TextMessage, setTrackMessage(t, 1, testRingLayout(30, 12))); err != nil {
		t.Fatalf("write set_track: %v", err)
	}
	waitForTrack(t, hub)

	//1.- A client joining mid-ride receives the track before any state frame.
	second := dialHub(t, url, nil)
	greetTrack := awaitEnvelope(t, second, msgTrack)
	if greetTrack.Track == nil || greetTrack.Track.Name != "ring" {
		t.Fatalf("unexpected greeting track: %+v", greetTrack.Track)
	}
	greetState := awaitEnvelope(t, second, msgState)
	if greetState.State == nil {
		t.Fatalf("expected a state frame in the greeting, got %+v", greetState)
	}
}

func TestHubFansOutLifecycleEvents(t *testing.T) {
	_, url := startHubServer(t, nil)
	conn := dialHub(t, url, nil)

	if err := conn.WriteMessage(websocket.TextMessage, setTrackMessage(t, 1, testRingLayout(30, 12))); err != nil {
		t.Fatalf("write set_track: %v", err)
	}

	rebuilt := awaitEvent(t, conn, events.KindTrackRebuilt)
	if rebuilt.Track == nil || rebuilt.Track.PointCount != 12 {
		t.Fatalf("unexpected rebuild event: %+v", rebuilt)
	}
	started := awaitEvent(t, conn, events.KindRideStarted)
	if started.Ride == nil || started.Ride.Tick == 0 {
		t.Fatalf("unexpected start event: %+v", started)
	}
	if started.Sequence <= rebuilt.Sequence {
		t.Fatalf("event sequences must increase: %d then %d", rebuilt.Sequence, started.Sequence)
	}
}

func TestHubRequiresTokenWhenConfigured(t *testing.T) {
	secret := "hub-test-shared-secret"
	authenticator, err := NewHMACAuthenticator(secret)
	if err != nil {
		t.Fatalf("NewHMACAuthenticator: %v", err)
	}
	hub, url := startHubServer(t, nil, WithAuthenticator(authenticator))

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected the handshake to be rejected without a token")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	token, err := auth.MintToken(secret, "operator-1", ControlAudience, time.Minute, time.Time{})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	dialHub(t, url+"?auth_token="+token, nil)
	waitForClients(t, hub, 1)
}

func TestHubRejectsDisallowedOrigin(t *testing.T) {
	cfg := &config.Config{
		AllowedOrigins:  []string{"https://coaster.example"},
		PingInterval:    time.Second,
		MaxPayloadBytes: 1 << 20,
		MaxClients:      4,
		TickRate:        60,
	}
	_, url := startHubServer(t, cfg)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected the handshake to be rejected for a foreign origin")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header = http.Header{}
	header.Set("Origin", "https://coaster.example")
	dialHub(t, url, header)
}

func TestHubEnforcesMaxClients(t *testing.T) {
	cfg := &config.Config{
		PingInterval:    time.Second,
		MaxPayloadBytes: 1 << 20,
		MaxClients:      1,
		TickRate:        60,
	}
	hub, url := startHubServer(t, cfg)

	dialHub(t, url, nil)
	waitForClients(t, hub, 1)

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected the second handshake to be rejected")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestHubRestoresPersistedRide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ride.json")
	layout := testRingLayout(30, 12)
	saved := PersistedRide{Layout: &layout, ChainLift: true, Progress: 0.4, Speed: 6, SavedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		t.Fatalf("marshal ride: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	persister, err := NewStatePersister(path, time.Hour, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStatePersister: %v", err)
	}
	defer persister.Close()

	hub, _ := startHubServer(t, nil, WithPersister(persister))
	waitForTrack(t, hub)

	if current, ok := hub.CurrentLayout(); !ok || current.Name != "ring" {
		t.Fatalf("expected the persisted ring layout, got %+v ok=%v", current, ok)
	}
	//1.- The restored progress proves the ride resumed rather than restarting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		state := hub.RideState()
		if state.Progress >= 0.4 && state.Progress < 0.6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ride never resumed near the persisted progress: %+v", hub.RideState())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
