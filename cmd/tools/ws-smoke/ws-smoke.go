// Package main provides a CI-friendly WebSocket smoke test for pairhub presence.
//
// Against a server whose store holds two mutually paired users it validates:
//   - handshake + subprotocol selection
//   - heartbeat identification and duplicate-heartbeat minimal result
//   - system_info push and system_info_get reply
//   - peer_presence_added / peer_presence_removed between the pair
//   - online_count broadcast after a disconnect
//
// Access tokens are minted locally from -secret-key-hex, which must match the
// server's PAIRHUB_PASETO_V4_SECRET_KEY_HEX.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"pairhub/cmd/internal/auth/session"
	"pairhub/cmd/internal/realtime"
	v1 "pairhub/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secretHex = flag.String("secret-key-hex", os.Getenv("PAIRHUB_PASETO_V4_SECRET_KEY_HEX"), "PASETO v4 secret key used to mint access tokens")
		uidA      = flag.String("uid-a", "AAAAAAAAAA", "UID of the first paired user")
		uidB      = flag.String("uid-b", "BBBBBBBBBB", "UID of the second paired user")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	cfg := session.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(*secretHex)
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		fatalf("token manager: %v", err)
	}

	root := context.Background()
	ciA := fmt.Sprintf("smoke-a-%d", time.Now().UnixNano())
	ciB := fmt.Sprintf("smoke-b-%d", time.Now().UnixNano())

	b := mustConnect(root, "B", *wsURL, *origin, mustToken(tokens, *uidB), *timeout)
	defer closeWS(b.conn)

	if res := mustHeartbeat(root, b, ciB, *timeout); res.UID != *uidB {
		fatalf("B heartbeat not identified: %+v", res)
	}

	a := mustConnect(root, "A", *wsURL, *origin, mustToken(tokens, *uidA), *timeout)
	if res := mustHeartbeat(root, a, ciA, *timeout); res.UID != *uidA {
		fatalf("A heartbeat not identified: %+v", res)
	}

	added := b.mustReadUntilType(root, v1.TypePeerPresenceAdded, *timeout, skip(v1.TypeSystemInfo, v1.TypeOnlineCount))
	if got := peerToken(added); got != ciA {
		fatalf("B peer_presence_added mismatch: got=%q want=%q", got, ciA)
	}

	if res := mustHeartbeat(root, a, ciA, *timeout); res.Identified() {
		fatalf("duplicate heartbeat must be minimal, got %+v", res)
	}

	req := newRequest(v1.TypeSystemInfoGet, "A-sysinfo", nil)
	mustWriteWithTimeout(root, a.conn, req, *timeout)
	info := a.mustReadUntilType(root, v1.TypeSystemInfo, *timeout, skip(v1.TypeOnlineCount))
	for info.ReplyTo != req.ID {
		info = a.mustReadUntilType(root, v1.TypeSystemInfo, *timeout, skip(v1.TypeOnlineCount))
	}

	closeWS(a.conn)

	removed := b.mustReadUntilType(root, v1.TypePeerPresenceRemoved, *timeout, skip(v1.TypeSystemInfo, v1.TypeOnlineCount))
	if got := peerToken(removed); got != ciA {
		fatalf("B peer_presence_removed mismatch: got=%q want=%q", got, ciA)
	}
	countEnv := b.mustReadUntilType(root, v1.TypeOnlineCount, *timeout, skip(v1.TypeSystemInfo))
	var count v1.OnlineCountPayload
	if err := json.Unmarshal(countEnv.Payload, &count); err != nil {
		fatalf("unmarshal online_count: %v", err)
	}
	if count.Count < 1 {
		fatalf("online_count must include B, got %d", count.Count)
	}

	if *verbose {
		fmt.Printf("system_info: %s\n", string(info.Payload))
	}
	fmt.Printf("OK: A=%s B=%s online=%d\n", *uidA, *uidB, count.Count)
}

func mustToken(tokens session.AccessTokenManager, uid string) string {
	tok, _, err := tokens.Issue(uid, time.Now().UTC())
	if err != nil {
		fatalf("issue token for %s: %v", uid, err)
	}
	return tok
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{realtime.SubprotocolV1},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != realtime.SubprotocolV1 {
		fatalf("subprotocol mismatch: got=%q want=%q", got, realtime.SubprotocolV1)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func mustHeartbeat(parent context.Context, c *smokeClient, ci string, stepTimeout time.Duration) v1.ConnectionResult {
	req := newRequest(v1.TypeHeartbeat, fmt.Sprintf("%s-hb-%d", c.name, time.Now().UnixNano()), v1.HeartbeatPayload{CharacterIdentification: ci})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeHeartbeatResult, stepTimeout, skip(v1.TypeSystemInfo, v1.TypeOnlineCount, v1.TypePeerPresenceAdded))
	if env.ReplyTo != req.ID {
		fatalf("heartbeat_result reply_to mismatch (%s): got=%q want=%q", c.name, env.ReplyTo, req.ID)
	}
	var res v1.ConnectionResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		fatalf("unmarshal heartbeat_result (%s): %v", c.name, err)
	}
	if res.ServerVersion != v1.ServerVersion {
		fatalf("server_version mismatch (%s): got=%d want=%d", c.name, res.ServerVersion, v1.ServerVersion)
	}
	return res
}

func newRequest(typ, id string, payload any) v1.Envelope {
	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   id,
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	return env
}

func peerToken(env v1.Envelope) string {
	var p v1.PeerPresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return p.CharacterIdentification
}

func skip(types ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		report := func(err error) {
			select {
			case c.errCh <- err:
			default:
			}
		}

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				report(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				report(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
