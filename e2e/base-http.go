package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"keyrelay/auth"
)

// BaseRelaySuite dials a relay that is already running at RELAY_ADDR. It
// mints its own tokens, so RELAY_JWT_SECRET must match the server's.
type BaseRelaySuite struct {
	suite.Suite
	Config Config
	client *http.Client
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.RelayAddr == "" {
		s.T().Skip("RELAY_ADDR not set, skipping end to end suite")
	}
	s.client = &http.Client{Timeout: 30 * time.Second}
}

// Token mints a short-lived access token for the given user identity.
func (s *BaseRelaySuite) Token(userID string) string {
	token, err := auth.GenerateToken([]byte(s.Config.JWTSecret), userID, time.Hour)
	s.Require().NoError(err)
	return token
}

// Step prints a colorized header so the suite output reads as a scenario.
func (s *BaseRelaySuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// DoJSON performs an authenticated request against the relay, decodes the
// response into out when out is non-nil, and returns the status code.
func (s *BaseRelaySuite) DoJSON(userID, method, path string, body any, out any) int {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, "http://"+s.Config.RelayAddr+path, reqBody)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+s.Token(userID))
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	s.Require().NoError(err, "Failed to reach relay at "+s.Config.RelayAddr)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	logBuilder := strings.Builder{}
	fmt.Fprintf(&logBuilder, "HTTP %s %s [%d] in %v", method, path, resp.StatusCode, time.Since(start))
	// Log full JSON bodies if E2E_DEBUG_JSON is enabled
	if s.Config.DebugJSON {
		if body != nil {
			rendered, _ := json.MarshalIndent(body, "", "  ")
			fmt.Fprintf(&logBuilder, "\nREQUEST:\n%s", rendered)
		}
		fmt.Fprintf(&logBuilder, "\nRESPONSE:\n%s", raw)
	}
	s.T().Log(logBuilder.String())

	if out != nil && len(raw) > 0 {
		s.Require().NoError(json.Unmarshal(raw, out))
	}
	return resp.StatusCode
}

// DialWS opens an authenticated websocket connection for the given user.
// Browsers cannot set headers on websocket upgrades, so the token travels
// as a query parameter like real clients do.
func (s *BaseRelaySuite) DialWS(userID string) *websocket.Conn {
	u := url.URL{
		Scheme:   "ws",
		Host:     s.Config.RelayAddr,
		Path:     "/ws",
		RawQuery: "token=" + url.QueryEscape(s.Token(userID)),
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	s.Require().NoError(err, "Failed to open websocket to "+u.Host)
	return conn
}
