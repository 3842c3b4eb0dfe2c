package e2e

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

type testRelaySuite struct {
	BaseRelaySuite
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, &testRelaySuite{})
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

// readFrame blocks until the next frame of the wanted type arrives, skipping
// unrelated control traffic (acks for the other side's sends, for example).
func (s *testRelaySuite) readFrame(conn *websocket.Conn, wantType string) wsFrame {
	deadline := time.Now().Add(10 * time.Second)
	s.Require().NoError(conn.SetReadDeadline(deadline))
	for {
		var frame wsFrame
		_, raw, err := conn.ReadMessage()
		s.Require().NoError(err, "Expected a %q frame before the deadline", wantType)
		s.Require().NoError(json.Unmarshal(raw, &frame))
		if frame.Type == wantType {
			return frame
		}
	}
}

func (s *testRelaySuite) sendFrame(conn *websocket.Conn, frame wsFrame) {
	s.Require().NoError(conn.SetWriteDeadline(time.Now().Add(10 * time.Second)))
	s.Require().NoError(conn.WriteJSON(frame))
}

func (s *testRelaySuite) TestKeyPackageBrokerFlow() {
	// Fresh identities per run so reruns against a long-lived relay stay clean
	alice := "e2e-alice-" + uuid.NewString()
	bob := "e2e-bob-" + uuid.NewString()

	var reservation struct {
		ReservationID string `json:"reservation_id"`
		KeyPackageID  string `json:"key_package_id"`
		Blob          []byte `json:"blob"`
	}

	s.Run("Step 1: Alice uploads a batch of key packages", func() {
		s.Step("Upload key packages")
		var resp struct {
			KeyPackageIDs []string `json:"key_package_ids"`
		}
		status := s.DoJSON(alice, http.MethodPost, "/keypackages", map[string]any{
			"key_packages": [][]byte{[]byte("kp-one"), []byte("kp-two")},
		}, &resp)
		s.Require().Equal(http.StatusCreated, status)
		s.Require().Len(resp.KeyPackageIDs, 2)
	})

	s.Run("Step 2: Bob reserves one of Alice's packages", func() {
		s.Step("Reserve a key package")
		status := s.DoJSON(bob, http.MethodPost, "/users/"+alice+"/reservations", nil, &reservation)
		s.Require().Equal(http.StatusOK, status)
		s.Require().NotEmpty(reservation.ReservationID)
		s.Require().Equal([]byte("kp-one"), reservation.Blob, "Oldest package must be handed out first")
	})

	s.Run("Step 3: The reserved package is invisible to other claimants", func() {
		var second struct {
			Blob []byte `json:"blob"`
		}
		status := s.DoJSON("e2e-carol-"+uuid.NewString(), http.MethodPost, "/users/"+alice+"/reservations", nil, &second)
		s.Require().Equal(http.StatusOK, status)
		s.Require().Equal([]byte("kp-two"), second.Blob)
	})

	s.Run("Step 4: Consuming destroys the package permanently", func() {
		s.Step("Consume the reservation")
		status := s.DoJSON(bob, http.MethodPost, "/reservations/"+reservation.ReservationID+"/consume", nil, nil)
		s.Require().Equal(http.StatusNoContent, status)

		// Consuming twice must fail
		status = s.DoJSON(bob, http.MethodPost, "/reservations/"+reservation.ReservationID+"/consume", nil, nil)
		s.Require().Equal(http.StatusNotFound, status)

		var count struct {
			Count int `json:"count"`
		}
		status = s.DoJSON(alice, http.MethodGet, "/keypackages/count", nil, &count)
		s.Require().Equal(http.StatusOK, status)
		s.Require().Equal(1, count.Count)
	})
}

func (s *testRelaySuite) TestBackupVersioning() {
	user := "e2e-backup-" + uuid.NewString()

	s.Run("Step 1: Store and read back a backup", func() {
		s.Step("Store backup v1")
		status := s.DoJSON(user, http.MethodPut, "/backups", map[string]any{
			"version": 1, "blob": []byte("encrypted-state-v1"),
		}, nil)
		s.Require().Equal(http.StatusNoContent, status)

		var got struct {
			Version uint64 `json:"version"`
			Blob    []byte `json:"blob"`
		}
		status = s.DoJSON(user, http.MethodGet, "/backups", nil, &got)
		s.Require().Equal(http.StatusOK, status)
		s.Require().Equal(uint64(1), got.Version)
		s.Require().Equal([]byte("encrypted-state-v1"), got.Blob)
	})

	s.Run("Step 2: Stale versions are rejected, newer ones win", func() {
		status := s.DoJSON(user, http.MethodPut, "/backups", map[string]any{
			"version": 1, "blob": []byte("replayed"),
		}, nil)
		s.Require().Equal(http.StatusConflict, status)

		status = s.DoJSON(user, http.MethodPut, "/backups", map[string]any{
			"version": 2, "blob": []byte("encrypted-state-v2"),
		}, nil)
		s.Require().Equal(http.StatusNoContent, status)
	})
}

func (s *testRelaySuite) TestLiveRelayAndOfflineBuffer() {
	alice := "e2e-ws-alice-" + uuid.NewString()
	bob := "e2e-ws-bob-" + uuid.NewString()
	group := "e2e-group-" + uuid.NewString()

	s.Run("Step 1: Live payloads reach other members, never the sender", func() {
		s.Step("Relay over live connections")
		connAlice := s.DialWS(alice)
		defer connAlice.Close()
		connBob := s.DialWS(bob)
		defer connBob.Close()

		s.sendFrame(connAlice, wsFrame{Type: "join", Group: group})
		s.sendFrame(connBob, wsFrame{Type: "join", Group: group})

		// Joins are processed in order on each connection, so the ack of the
		// send below also proves the join landed
		s.sendFrame(connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("hello")})

		ack := s.readFrame(connAlice, "sent")
		s.Require().NotNil(ack.Delivered)

		payload := s.readFrame(connBob, "payload")
		s.Require().Equal(group, payload.Group)
		s.Require().Equal(alice, payload.Sender)
		s.Require().Equal([]byte("hello"), payload.Blob)

		s.Run("Step 2: Bob drops without leaving, a payload is buffered", func() {
			connBob.Close()
			// Give the relay a moment to notice the closed connection
			s.Eventually(func() bool {
				s.sendFrame(connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("while-away")})
				ack := s.readFrame(connAlice, "sent")
				return ack.Delivered != nil && *ack.Delivered == 0
			}, 10*time.Second, 200*time.Millisecond, "Relay kept counting Bob as a live target")

			// A zero-delivery send can still race the disconnect and miss the
			// buffer; this one cannot, Bob is fully deregistered by now
			s.sendFrame(connAlice, wsFrame{Type: "send", Group: group, Blob: []byte("while-away")})
			s.readFrame(connAlice, "sent")
		})
	})

	s.Run("Step 3: Bob reconnects and receives the buffered payload once", func() {
		s.Step("Flush offline buffer on reconnect")
		connBob := s.DialWS(bob)
		defer connBob.Close()

		payload := s.readFrame(connBob, "payload")
		s.Require().Equal([]byte("while-away"), payload.Blob)
	})
}
