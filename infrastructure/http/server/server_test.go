package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"keyrelay/auth"
	"keyrelay/infrastructure/http/server"
	"keyrelay/observability"
	"keyrelay/repositories"
	"keyrelay/runtime"
	"keyrelay/services"
)

var testJWTKey = []byte("integration_test_secret")

// newTestServer wires the full stack against a throwaway badger instance,
// the same way main does, and exposes it over httptest.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	// Reduced to 16 Mo for testing (avoid gigabytes of preallocated storage)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.Default()
	monitor := observability.NewMonitor()
	keyPackages := repositories.NewKeyPackageRepository(db, log)
	backups := repositories.NewBackupRepository(db)
	reservations := services.NewReservationService(log, keyPackages, time.Minute)
	registry := runtime.NewRegistry(log, 16, monitor)
	router := runtime.NewRouter(log, registry, monitor)

	srv := server.NewServer(log, registry, router, reservations, keyPackages, backups, monitor, 16, testJWTKey)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(testJWTKey, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, ts *httptest.Server, userID, method, path string, body any, out any) int {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, userID))

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return resp.StatusCode
}

func dialWS(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + url.QueryEscape(token(t, userID))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wsFrame struct {
	Type      string `json:"type"`
	Group     string `json:"group,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Blob      []byte `json:"blob,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Delivered *int   `json:"delivered,omitempty"`
	Error     string `json:"error,omitempty"`
}

func readFrame(t *testing.T, conn *websocket.Conn, wantType string) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var frame wsFrame
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame.Type == wantType {
			return frame
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame wsFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestHTTP_Requires_Authentication(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/stats")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_KeyPackage_Broker_Flow(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	alice, bob := uuid.NewString(), uuid.NewString()

	// Given Alice uploaded two packages
	var uploaded struct {
		KeyPackageIDs []string `json:"key_package_ids"`
	}
	status := doJSON(t, ts, alice, http.MethodPost, "/keypackages", map[string]any{
		"key_packages": [][]byte{[]byte("kp-1"), []byte("kp-2")},
	}, &uploaded)
	req.Equal(http.StatusCreated, status)
	req.Len(uploaded.KeyPackageIDs, 2)

	// When Bob reserves one
	var reservation struct {
		ReservationID string `json:"reservation_id"`
		Blob          []byte `json:"blob"`
	}
	status = doJSON(t, ts, bob, http.MethodPost, "/users/"+alice+"/reservations", nil, &reservation)
	req.Equal(http.StatusOK, status)
	req.Equal([]byte("kp-1"), reservation.Blob)

	// Then consuming destroys it and the count drops
	status = doJSON(t, ts, bob, http.MethodPost, "/reservations/"+reservation.ReservationID+"/consume", nil, nil)
	req.Equal(http.StatusNoContent, status)

	var count struct {
		Count int `json:"count"`
	}
	status = doJSON(t, ts, alice, http.MethodGet, "/keypackages/count", nil, &count)
	req.Equal(http.StatusOK, status)
	req.Equal(1, count.Count)

	// A consumed reservation is gone
	status = doJSON(t, ts, bob, http.MethodPost, "/reservations/"+reservation.ReservationID+"/consume", nil, nil)
	req.Equal(http.StatusNotFound, status)
}

func TestHTTP_Reserve_From_Empty_Pool(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)

	status := doJSON(t, ts, uuid.NewString(), http.MethodPost, "/users/"+uuid.NewString()+"/reservations", nil, nil)
	req.Equal(http.StatusNotFound, status)
}

func TestHTTP_Release_Returns_Package_To_Pool(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	alice, bob := uuid.NewString(), uuid.NewString()

	status := doJSON(t, ts, alice, http.MethodPost, "/keypackages", map[string]any{
		"key_packages": [][]byte{[]byte("kp-1")},
	}, nil)
	req.Equal(http.StatusCreated, status)

	var reservation struct {
		ReservationID string `json:"reservation_id"`
	}
	status = doJSON(t, ts, bob, http.MethodPost, "/users/"+alice+"/reservations", nil, &reservation)
	req.Equal(http.StatusOK, status)

	// While reserved, the pool is empty for everyone else
	status = doJSON(t, ts, uuid.NewString(), http.MethodPost, "/users/"+alice+"/reservations", nil, nil)
	req.Equal(http.StatusNotFound, status)

	// Release puts it back
	status = doJSON(t, ts, bob, http.MethodDelete, "/reservations/"+reservation.ReservationID, nil, nil)
	req.Equal(http.StatusNoContent, status)
	status = doJSON(t, ts, uuid.NewString(), http.MethodPost, "/users/"+alice+"/reservations", nil, nil)
	req.Equal(http.StatusOK, status)
}

func TestHTTP_Upload_Rejects_Malformed_Body(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)

	status := doJSON(t, ts, uuid.NewString(), http.MethodPost, "/keypackages", map[string]any{
		"key_packages": [][]byte{},
	}, nil)
	req.Equal(http.StatusBadRequest, status)
}

func TestHTTP_Backup_Versioning(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	user := uuid.NewString()

	// No backup yet
	status := doJSON(t, ts, user, http.MethodGet, "/backups", nil, nil)
	req.Equal(http.StatusNotFound, status)

	status = doJSON(t, ts, user, http.MethodPut, "/backups", map[string]any{
		"version": 1, "blob": []byte("state-v1"),
	}, nil)
	req.Equal(http.StatusNoContent, status)

	// Same version again is a stale write
	status = doJSON(t, ts, user, http.MethodPut, "/backups", map[string]any{
		"version": 1, "blob": []byte("replayed"),
	}, nil)
	req.Equal(http.StatusConflict, status)

	status = doJSON(t, ts, user, http.MethodPut, "/backups", map[string]any{
		"version": 2, "blob": []byte("state-v2"),
	}, nil)
	req.Equal(http.StatusNoContent, status)

	var got struct {
		Version uint64 `json:"version"`
		Blob    []byte `json:"blob"`
	}
	status = doJSON(t, ts, user, http.MethodGet, "/backups", nil, &got)
	req.Equal(http.StatusOK, status)
	req.Equal(uint64(2), got.Version)
	req.Equal([]byte("state-v2"), got.Blob)
}

func TestWS_Relay_Between_Live_Connections(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	group := uuid.NewString()

	connAlice := dialWS(t, ts, alice)
	connBob := dialWS(t, ts, bob)

	sendFrame(t, connAlice, wsFrame{Type: "join", Group: group})
	sendFrame(t, connBob, wsFrame{Type: "join", Group: group})

	// Frames on one connection are handled in order, so the ack below also
	// proves Alice's join landed. Bob's join races the send, hence the retry.
	var payload wsFrame
	req.Eventually(func() bool {
		sendFrame(t, connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("hello")})
		ack := readFrame(t, connAlice, "sent")
		if ack.Delivered == nil || *ack.Delivered != 1 {
			return false
		}
		payload = readFrame(t, connBob, "payload")
		return true
	}, 5*time.Second, 50*time.Millisecond)

	req.Equal(group, payload.Group)
	req.Equal(alice, payload.Sender)
	req.Equal([]byte("hello"), payload.Blob)
}

func TestWS_Send_To_Unknown_Frame_Type_Reports_Error(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)

	conn := dialWS(t, ts, uuid.NewString())
	sendFrame(t, conn, wsFrame{Type: "shout", Group: "g"})

	frame := readFrame(t, conn, "error")
	req.NotEmpty(frame.Error)

	// The connection survives the bad frame
	sendFrame(t, conn, wsFrame{Type: "join", Group: "g"})
	sendFrame(t, conn, wsFrame{Type: "send", Group: "g", Blob: []byte("x")})
	ack := readFrame(t, conn, "sent")
	req.NotNil(ack.Delivered)
	req.Zero(*ack.Delivered)
}

func TestWS_Offline_Buffer_Flushed_On_Reconnect(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	group := uuid.NewString()

	connAlice := dialWS(t, ts, alice)
	sendFrame(t, connAlice, wsFrame{Type: "join", Group: group})

	// Bob joins once, then drops without an explicit leave
	connBob := dialWS(t, ts, bob)
	sendFrame(t, connBob, wsFrame{Type: "join", Group: group})
	req.Eventually(func() bool {
		sendFrame(t, connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("warmup")})
		ack := readFrame(t, connAlice, "sent")
		return ack.Delivered != nil && *ack.Delivered == 1
	}, 5*time.Second, 50*time.Millisecond, "Bob's join never landed")
	req.NoError(connBob.Close())

	// Once the relay notices the drop, sends stop reaching Bob live
	req.Eventually(func() bool {
		sendFrame(t, connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("while-away")})
		ack := readFrame(t, connAlice, "sent")
		return ack.Delivered != nil && *ack.Delivered == 0
	}, 5*time.Second, 50*time.Millisecond, "Relay kept counting Bob as live")

	// A zero-delivery send can still race the disconnect and miss the buffer;
	// this one cannot, Bob is fully deregistered by now
	sendFrame(t, connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("while-away")})
	readFrame(t, connAlice, "sent")

	// On reconnect the buffered payloads arrive without rejoining
	connBobAgain := dialWS(t, ts, bob)
	frame := readFrame(t, connBobAgain, "payload")
	req.Equal(group, frame.Group)

	var blobs []string
	blobs = append(blobs, string(frame.Blob))
	for string(frame.Blob) != "while-away" {
		frame = readFrame(t, connBobAgain, "payload")
		blobs = append(blobs, string(frame.Blob))
	}
	req.Contains(blobs, "while-away")
}

func TestStats_Reflects_Activity(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	user := uuid.NewString()

	conn := dialWS(t, ts, user)
	sendFrame(t, conn, wsFrame{Type: "join", Group: "g"})
	sendFrame(t, conn, wsFrame{Type: "send", Group: "g", Blob: []byte("x")})
	readFrame(t, conn, "sent")

	var stats struct {
		PayloadsRelayed uint64 `json:"payloads_relayed"`
		OpenConnections int    `json:"open_connections"`
	}
	status := doJSON(t, ts, user, http.MethodGet, "/stats", nil, &stats)
	req.Equal(http.StatusOK, status)
	req.Equal(uint64(1), stats.PayloadsRelayed)
	req.Equal(1, stats.OpenConnections)
}
