package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pairhub/cmd/identity"
	"pairhub/cmd/internal/auth/session"
	"pairhub/cmd/internal/presence"
	v1 "pairhub/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

const (
	wsUIDA = "AAAAAAAAAA"
	wsUIDB = "BBBBBBBBBB"
)

type wsEnv struct {
	store  *identity.InMemoryStore
	tokens session.AccessTokenManager
	srv    *httptest.Server
}

func newWSEnv(t *testing.T, mutate func(*GatewayConfig)) *wsEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := identity.NewInMemoryStore()
	for _, uid := range []string{wsUIDA, wsUIDB} {
		if err := store.PutUser(identity.User{UID: uid}); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	for _, p := range [][2]string{{wsUIDA, wsUIDB}, {wsUIDB, wsUIDA}} {
		if err := store.PutPair(identity.Pair{Owner: p[0], Other: p[1]}); err != nil {
			t.Fatalf("PutPair: %v", err)
		}
	}

	cfg := session.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	svc, err := presence.NewService(log, store, presence.WithSystemInfo(presence.StaticSystemInfo{CPUCount: 2}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	gwCfg := DefaultGatewayConfig()
	gwCfg.OriginRequired = false
	if mutate != nil {
		mutate(&gwCfg)
	}
	gw, err := NewWSGateway(log, svc, session.NewResolver(tokens), gwCfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &wsEnv{store: store, tokens: tokens, srv: srv}
}

func (e *wsEnv) token(t *testing.T, uid string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(uid, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *wsEnv) dial(t *testing.T, token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, e.srv.URL, &websocket.DialOptions{
		Subprotocols: []string{SubprotocolV1},
		HTTPHeader:   header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func (e *wsEnv) mustDial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, token, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func heartbeat(t *testing.T, conn *websocket.Conn, id, ci string) v1.ConnectionResult {
	t.Helper()
	payload, _ := json.Marshal(v1.HeartbeatPayload{CharacterIdentification: ci})
	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeHeartbeat, ID: id, Payload: payload})

	info := readUntilType(t, conn, v1.TypeSystemInfo, 4)
	if got := decodePayload[v1.SystemInfo](t, info).CPUCount; got != 2 {
		t.Fatalf("system_info cpu_count = %d, want 2", got)
	}
	res := readUntilType(t, conn, v1.TypeHeartbeatResult, 4)
	if res.ReplyTo != id {
		t.Fatalf("reply_to = %q, want %q", res.ReplyTo, id)
	}
	return decodePayload[v1.ConnectionResult](t, res)
}

func TestWSGateway_AnonymousHeartbeatIsMinimal(t *testing.T) {
	e := newWSEnv(t, nil)
	conn := e.mustDial(t, "")

	if got := heartbeat(t, conn, "hb-1", "char-x"); got != (v1.ConnectionResult{ServerVersion: v1.ServerVersion}) {
		t.Fatalf("anonymous heartbeat = %+v", got)
	}
}

func TestWSGateway_RejectsHandshakes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GatewayConfig)
		token  string
		origin string
		want   int
	}{
		{
			name:   "missing token with require auth",
			mutate: func(c *GatewayConfig) { c.RequireAuth = true },
			want:   http.StatusUnauthorized,
		},
		{
			name:  "invalid token",
			token: "v4.public.not-a-token",
			want:  http.StatusUnauthorized,
		},
		{
			name:   "origin not allowed",
			origin: "http://evil.example",
			want:   http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newWSEnv(t, tt.mutate)
			h := http.Header{}
			if tt.origin != "" {
				h.Set("Origin", tt.origin)
			}
			_, resp, err := e.dial(t, tt.token, h)
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.want {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("status = %d, want %d (err=%v)", status, tt.want, err)
			}
		})
	}
}

func TestWSGateway_RequiresSubprotocol(t *testing.T) {
	e := newWSEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, e.srv.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status = %v, want protocol error (err=%v)", got, err)
	}
}

func TestWSGateway_SystemInfoGetAndErrors(t *testing.T) {
	e := newWSEnv(t, nil)
	conn := e.mustDial(t, "")

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeSystemInfoGet, ID: "q-1"})
	info := readUntilType(t, conn, v1.TypeSystemInfo, 2)
	if info.ReplyTo != "q-1" {
		t.Fatalf("reply_to = %q, want q-1", info.ReplyTo)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	if got := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2)).Code; got != "bad_json" {
		t.Fatalf("error code = %q, want bad_json", got)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeOnlineCount, ID: "q-2"})
	errEnv := readUntilType(t, conn, v1.TypeError, 2)
	if got := decodePayload[v1.ErrorPayload](t, errEnv).Code; got != "unsupported" || errEnv.ReplyTo != "q-2" {
		t.Fatalf("error = %s reply_to=%q, want unsupported for q-2", got, errEnv.ReplyTo)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: "v0", Type: v1.TypeHeartbeat})
	if got := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2)).Code; got != "bad_envelope" {
		t.Fatalf("error code = %q, want bad_envelope", got)
	}
}

func TestWSGateway_MutualPeersSeePresence(t *testing.T) {
	e := newWSEnv(t, nil)

	b := e.mustDial(t, e.token(t, wsUIDB))
	if got := heartbeat(t, b, "hb-b", "char-b"); got.UID != wsUIDB {
		t.Fatalf("B heartbeat = %+v, want identified", got)
	}

	a := e.mustDial(t, e.token(t, wsUIDA))
	if got := heartbeat(t, a, "hb-a", "char-a"); got.UID != wsUIDA {
		t.Fatalf("A heartbeat = %+v, want identified", got)
	}

	added := readUntilType(t, b, v1.TypePeerPresenceAdded, 4)
	if got := decodePayload[v1.PeerPresencePayload](t, added).CharacterIdentification; got != "char-a" {
		t.Fatalf("added = %q, want char-a", got)
	}

	if err := a.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("close A: %v", err)
	}

	removed := readUntilType(t, b, v1.TypePeerPresenceRemoved, 4)
	if got := decodePayload[v1.PeerPresencePayload](t, removed).CharacterIdentification; got != "char-a" {
		t.Fatalf("removed = %q, want char-a", got)
	}
	count := readUntilType(t, b, v1.TypeOnlineCount, 4)
	if got := decodePayload[v1.OnlineCountPayload](t, count).Count; got != 1 {
		t.Fatalf("online count = %d, want 1", got)
	}

	u, err := e.store.GetUser(context.Background(), wsUIDA)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Present() {
		t.Fatalf("A still present after disconnect")
	}
}
