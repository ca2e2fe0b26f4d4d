package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"parley/pkg/auth"
	"parley/pkg/httpx"
	"parley/pkg/models"
	"parley/pkg/ratelimit"
	"parley/pkg/safety"
)

// Connection lifecycle states.
const (
	ConnConnecting    = "CONNECTING"
	ConnAuthenticated = "AUTHENTICATED"
	ConnActive        = "ACTIVE"
	ConnClosing       = "CLOSING"
	ConnClosed        = "CLOSED"
)

func canConnTransition(from, to string) bool {
	switch from {
	case ConnConnecting:
		return to == ConnAuthenticated || to == ConnClosing
	case ConnAuthenticated:
		return to == ConnActive || to == ConnClosing
	case ConnActive:
		return to == ConnClosing
	case ConnClosing:
		return to == ConnClosed
	default:
		return false
	}
}

// connection is one live websocket session bound to a single conversation.
type connection struct {
	s              *Server
	conn           *websocket.Conn
	principal      auth.Principal
	conversationID string

	// writeMu serializes frame writes; the read loop, the fragment pump,
	// and the heartbeat all write.
	writeMu sync.Mutex

	stateMu sync.Mutex
	state   string

	// lastSeq is the highest delivered fragment sequence. Zero means no
	// delivery history yet, which permits a resync to any starting point.
	lastSeq int64
}

func (c *connection) advance(to string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !canConnTransition(c.state, to) {
		log.Printf("gateway: conversation %s: illegal connection transition %s -> %s", c.conversationID, c.state, to)
		return
	}
	c.state = to
}

func (c *connection) currentState() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// handleWS upgrades a client connection and runs it until either side
// closes. Credential and origin checks happen before the upgrade so
// rejected clients get plain HTTP statuses.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.RateLimiter != nil {
		d := s.RateLimiter.Allow(ratelimit.Key(ratelimit.ClassConnIP, ip), s.ConnIPLimit, s.ConnIPWindow)
		if !d.Allowed {
			s.Metrics.IncConnection("rejected:" + models.RejectRateLimited)
			s.Metrics.IncRateLimited(ratelimit.ClassConnIP)
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSec(time.Now().UTC())))
			httpx.Error(w, http.StatusTooManyRequests, "connection rate exceeded")
			return
		}
	}
	if !s.Origins.Allows(r.Header.Get("Origin")) {
		s.Metrics.IncConnection("rejected:" + models.RejectOriginNotAllow)
		httpx.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	handshakeCtx, cancelHandshake := context.WithTimeout(r.Context(), s.HandshakeTimeout)
	principal, err := s.Auth.Authenticate(handshakeCtx, auth.CredentialFromRequest(r))
	cancelHandshake()
	if err != nil {
		s.Metrics.IncConnection("rejected:" + models.RejectUnauthenticated)
		if errors.Is(err, auth.ErrUnauthenticated) {
			httpx.Error(w, http.StatusUnauthorized, "invalid credential")
		} else {
			httpx.Error(w, http.StatusServiceUnavailable, "authentication unavailable")
		}
		return
	}

	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		// Creating a conversation is a resource write; it has its own budget
		// so a churn of fresh conversations cannot bypass the message limit.
		if s.RateLimiter != nil {
			key := ratelimit.Key(ratelimit.ClassResources, principal.Subject)
			d := s.RateLimiter.Allow(key, s.ResourceLimit, s.ResourceWindow)
			if !d.Allowed {
				s.Metrics.IncConnection("rejected:" + models.RejectRateLimited)
				s.Metrics.IncRateLimited(ratelimit.ClassResources)
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSec(time.Now().UTC())))
				httpx.Error(w, http.StatusTooManyRequests, "conversation creation rate exceeded")
				return
			}
		}
		conversationID = uuid.NewString()
	}
	if err := s.Conversations.Ensure(r.Context(), conversationID, principal.Subject); err != nil {
		s.Metrics.IncConnection("rejected:not_owner")
		httpx.Error(w, http.StatusForbidden, "conversation owned by another principal")
		return
	}

	if !s.acquireSlot(principal.Subject) {
		s.Metrics.IncConnection("rejected:" + models.RejectRateLimited)
		httpx.Error(w, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer s.releaseSlot(principal.Subject)

	opts := &websocket.AcceptOptions{OriginPatterns: s.Origins.Patterns()}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.Metrics.IncConnection("rejected:upgrade_failed")
		return
	}
	s.Metrics.IncConnection("accepted")

	c := &connection{
		s:              s,
		conn:           conn,
		principal:      principal,
		conversationID: conversationID,
		state:          ConnConnecting,
	}
	c.advance(ConnAuthenticated)
	c.run(r.Context())
}

func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments, unsubscribe, err := c.s.Broadcast.Subscribe(ctx, c.conversationID)
	if err != nil {
		log.Printf("gateway: subscribe failed for %s: %v", c.conversationID, err)
		_ = c.conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()
	c.advance(ConnActive)

	readErr := make(chan error, 1)
	go c.readLoop(ctx, readErr)

	ping := time.NewTicker(c.s.PingInterval)
	defer ping.Stop()
	misses := 0

	closeWith := func(status websocket.StatusCode, reason string) {
		c.advance(ConnClosing)
		_ = c.conn.Close(status, reason)
		c.advance(ConnClosed)
		c.s.Metrics.IncConnection("closed:" + reason)
	}

	for {
		select {
		case <-ctx.Done():
			closeWith(websocket.StatusGoingAway, "shutdown")
			return
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				closeWith(websocket.StatusNormalClosure, "client_closed")
			} else {
				closeWith(websocket.StatusNormalClosure, "read_failed")
			}
			return
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, c.s.PingTimeout)
			err := c.conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				misses++
				if misses >= c.s.PingMissLimit {
					closeWith(websocket.StatusPolicyViolation, "heartbeat_timeout")
					return
				}
				continue
			}
			misses = 0
		case fragment, ok := <-fragments:
			if !ok {
				closeWith(websocket.StatusInternalError, "stream_lost")
				return
			}
			if !c.deliverable(fragment.Seq) {
				continue
			}
			if err := c.deliver(ctx, fragment); err != nil {
				closeWith(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// deliverable enforces in-order delivery. The first fragment on a fresh
// connection resyncs to wherever the stream currently is; after that, only
// the immediate successor passes. Duplicates and gaps are counted and
// dropped rather than forwarded out of order.
func (c *connection) deliverable(seq int64) bool {
	if c.lastSeq == 0 {
		return true
	}
	if seq <= c.lastSeq {
		c.s.Metrics.IncFragment("discarded:dup")
		return false
	}
	if seq != c.lastSeq+1 {
		c.s.Metrics.IncFragment("discarded:gap")
		return false
	}
	return true
}

func (c *connection) deliver(ctx context.Context, fragment models.OutputFragment) error {
	event := models.ServerEvent{TaskID: fragment.TaskID, Seq: fragment.Seq}
	switch fragment.Kind {
	case models.FragmentChunk:
		event.Event = models.EventChunk
		event.Chunk = fragment.Text
	case models.FragmentCompleted:
		event.Event = models.EventCompleted
	case models.FragmentFallback:
		event.Event = models.EventChunk
		event.Chunk = fragment.Text
	case models.FragmentError:
		event.Event = models.EventError
		event.Code = fragment.ErrorCode
		event.Message = fragment.ErrorMessage
	default:
		return nil
	}
	if err := c.write(ctx, event); err != nil {
		return err
	}
	c.lastSeq = fragment.Seq
	c.s.Metrics.IncFragment("delivered")
	// A fallback terminates the stream like a completion does.
	if fragment.Kind == models.FragmentFallback {
		done := models.ServerEvent{Event: models.EventCompleted, TaskID: fragment.TaskID, Seq: fragment.Seq}
		if err := c.write(ctx, done); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) readLoop(ctx context.Context, readErr chan<- error) {
	for {
		var frame models.ClientFrame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			readErr <- err
			return
		}
		switch frame.Type {
		case models.FramePing:
			_ = c.write(ctx, models.ServerEvent{Event: models.EventPong})
		case models.FrameMessage:
			c.handleMessage(ctx, frame)
		default:
			c.s.Metrics.IncMessage("rejected:unknown_frame")
			_ = c.write(ctx, models.ServerEvent{
				Event:   models.EventError,
				Code:    models.CodeValidationFailed,
				Message: "unknown frame type",
			})
		}
	}
}

// handleMessage runs the inbound pipeline: size check, safety filter, rate
// limit, then enqueue. Order matters: a hostile oversized payload must not
// consume rate-limit budget before it is rejected.
func (c *connection) handleMessage(ctx context.Context, frame models.ClientFrame) {
	text := frame.Text
	if strings.TrimSpace(text) == "" {
		c.s.Metrics.IncMessage("rejected:empty")
		_ = c.write(ctx, models.ServerEvent{
			Event:   models.EventError,
			Code:    models.CodeValidationFailed,
			Message: "message text required",
		})
		return
	}
	if len([]rune(text)) > c.s.MaxMessageChars {
		c.s.Metrics.IncMessage("rejected:too_long")
		_ = c.write(ctx, models.ServerEvent{
			Event:   models.EventError,
			Code:    models.CodeMessageTooLong,
			Message: "message exceeds maximum length",
		})
		return
	}
	verdict := safety.CheckInput(text)
	if !verdict.Allowed {
		c.s.Metrics.IncMessage("rejected:unsafe")
		c.s.Metrics.IncSafety(verdict.Reason)
		_ = c.write(ctx, models.ServerEvent{
			Event:   models.EventError,
			Code:    models.CodeValidationFailed,
			Message: "message rejected by content policy",
		})
		return
	}
	if c.s.RateLimiter != nil {
		key := ratelimit.Key(ratelimit.ClassMessages, c.principal.Subject)
		d := c.s.RateLimiter.Allow(key, c.s.MessageLimit, c.s.MessageWindow)
		if !d.Allowed {
			c.s.Metrics.IncMessage("rejected:rate_limited")
			c.s.Metrics.IncRateLimited(ratelimit.ClassMessages)
			_ = c.write(ctx, models.ServerEvent{
				Event:         models.EventError,
				Code:          models.CodeRateLimited,
				Message:       "message rate exceeded",
				RetryAfterSec: d.RetryAfterSec(time.Now().UTC()),
			})
			return
		}
	}

	item := models.WorkItem{
		TaskID:         uuid.NewString(),
		ConversationID: c.conversationID,
		PrincipalID:    c.principal.Subject,
		Input:          verdict.Sanitized,
		EnqueuedAt:     time.Now().UTC(),
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, c.s.EnqueueTimeout)
	err := c.s.Dispatcher.Enqueue(enqueueCtx, item)
	cancel()
	if err != nil {
		log.Printf("gateway: enqueue failed for %s: %v", c.conversationID, err)
		c.s.Metrics.IncMessage("rejected:enqueue_failed")
		_ = c.write(ctx, models.ServerEvent{
			Event:   models.EventError,
			Code:    models.CodeInternal,
			Message: "could not accept message",
		})
		return
	}
	c.s.Metrics.IncMessage("accepted")
	c.s.Metrics.IncTask("enqueued")
	_ = c.write(ctx, models.ServerEvent{Event: models.EventTaskQueued, TaskID: item.TaskID})
}

func (c *connection) write(ctx context.Context, event models.ServerEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, c.s.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, event)
}

func (s *Server) acquireSlot(subject string) bool {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	if s.slots[subject] >= s.MaxConnsPerPrincipal {
		return false
	}
	s.slots[subject]++
	s.openConns++
	s.Metrics.SetGauge("open_connections", float64(s.openConns))
	return true
}

func (s *Server) releaseSlot(subject string) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	if s.slots[subject] <= 1 {
		delete(s.slots, subject)
	} else {
		s.slots[subject]--
	}
	if s.openConns > 0 {
		s.openConns--
	}
	s.Metrics.SetGauge("open_connections", float64(s.openConns))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
