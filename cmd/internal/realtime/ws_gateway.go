package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"pairhub/cmd/internal/auth/session"
	"pairhub/cmd/internal/presence"
	v1 "pairhub/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	// SubprotocolV1 must be offered by clients during the handshake.
	SubprotocolV1 = "pairhub.presence.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("realtime: malformed envelope")

// WSGateway is the WebSocket entrypoint for pairhub presence.
//
// It enforces origin policy, identity resolution and subprotocol selection,
// runs transport pings and rate limits, and hands each session's lifecycle
// and heartbeats to the presence Service.
type WSGateway struct {
	log      *slog.Logger
	svc      *presence.Service
	resolver *session.Resolver
	cfg      GatewayConfig

	// Accept() authorizes same-host origins by default; cross-origin requires patterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. resolver may be nil, in which case every
// session is anonymous (or rejected when cfg.RequireAuth is set).
func NewWSGateway(log *slog.Logger, svc *presence.Service, resolver *session.Resolver, cfg GatewayConfig) (*WSGateway, error) {
	if svc == nil {
		return nil, errors.New("realtime: nil presence service")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		svc:            svc,
		resolver:       resolver,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// resolveUID returns the verified UID ("" for anonymous) or an error when the
// upgrade must be refused.
func (g *WSGateway) resolveUID(r *http.Request) (string, error) {
	uid, err := g.resolver.Resolve(r, time.Now().UTC())
	switch {
	case err == nil:
		return uid, nil
	case errors.Is(err, session.ErrNoToken) && !g.cfg.RequireAuth:
		return "", nil
	default:
		return "", err
	}
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the presence loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	uid, err := g.resolveUID(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{SubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != SubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", SubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(uid, sessionID, g.cfg.SendQueueSize)
	pc := presence.NewConn(client, uid, now)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.svc.OnConnect(ctx, pc)

	var (
		closeOnce   sync.Once
		closeReason error
	)

	// shutdown is idempotent. It does NOT close the outbound queue.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			closeReason = fmt.Errorf("%s (status %d)", reason, code)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Outbound():
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "ping failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.Envelope{}, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, env, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHeartbeat:
			if err := g.onHeartbeat(ctx, client, pc, env); err != nil {
				g.trySendError(ctx, client, env, "heartbeat_failed", err.Error())
			}

		case v1.TypeSystemInfoGet:
			if err := client.Reply(ctx, env, v1.TypeSystemInfo, g.svc.GetSystemInfo()); err != nil {
				g.log.Debug("ws.reply.drop", "session_id", sessionID, "type", v1.TypeSystemInfo, "err", err)
			}

		default:
			g.trySendError(ctx, client, env, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
	defer dcancel()
	g.svc.OnDisconnect(dctx, pc, closeReason)
}

// ---- handlers ----

func (g *WSGateway) onHeartbeat(ctx context.Context, client *Client, pc *presence.Conn, env v1.Envelope) error {
	var p v1.HeartbeatPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	result := g.svc.Heartbeat(ctx, pc, p.CharacterIdentification)
	if err := client.Reply(ctx, env, v1.TypeHeartbeatResult, result); err != nil {
		return fmt.Errorf("backpressure: %s: %w", v1.TypeHeartbeatResult, err)
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, req v1.Envelope, code, msg string) {
	_ = client.Reply(ctx, req, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
