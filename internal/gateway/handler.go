package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/alertbus"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/session"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
)

// handleUpgrade authenticates the connection via the "token" query
// parameter, upgrades to WebSocket, registers the session, and starts its
// read/write pumps. On auth failure the upgrade still completes, and the
// socket is then closed with 1008 and reason "missing token" (no token
// given) or "invalid token" (unknown or expired token).
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, _, ok := s.sessionStore.Lookup(token)
	if !ok {
		s.metrics.ConnectionRejected("auth")
		reason := "invalid token"
		if token == "" {
			reason = "missing token"
		}
		if conn, _, _, err := ws.UpgradeHTTP(r, w); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
			conn.Close()
		}
		return
	}

	if s.guard != nil {
		if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
			s.metrics.ConnectionRejected("capacity")
			s.logger.Warn().Str("user_id", userID).Str("reason", reason).Msg("connection rejected by resource guard")
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.ConnectionRejected("upgrade_failed")
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(userID, conn, s.ruleProvider, s.sessionConfig, s.logger)
	s.registry.Add(sess)
	s.metrics.ConnectionAccepted()
	if s.guard != nil {
		s.guard.AddConnection()
	}
	connectedAt := time.Now()

	if s.alertSubscriber != nil {
		if err := s.alertSubscriber.SubscribeAlertOpened(userID, func(evt alertbus.AlertOpened) {
			s.onAlertBusEvent(userID, evt)
		}); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to subscribe to alert bus")
		}
	}

	go s.writePump(sess)
	go s.readPump(sess, connectedAt)
}

// writePump drains sess's send channel and writes to the socket, batching
// queued messages into one flush per wake to cut syscalls under load,
// grounded on the teacher's writePump (ws/internal/shared/pump_write.go).
func (s *Server) writePump(sess *session.Session) {
	writer := bufio.NewWriter(sess.Conn())
	ch := sess.SendChan()

	for msg := range ch {
		sess.Conn().SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
			s.logger.Debug().Err(err).Str("user_id", sess.UserID()).Msg("write failed")
			return
		}
		sent := 1

		n := len(ch)
		for i := 0; i < n; i++ {
			m := <-ch
			if err := wsutil.WriteServerMessage(writer, ws.OpText, m); err != nil {
				s.logger.Debug().Err(err).Str("user_id", sess.UserID()).Msg("write failed")
				return
			}
			sent++
		}

		if err := writer.Flush(); err != nil {
			s.logger.Debug().Err(err).Str("user_id", sess.UserID()).Msg("flush failed")
			return
		}
		for i := 0; i < sent; i++ {
			s.metrics.MessageSent()
		}
	}
}

// readPump reads client frames until the connection closes, dispatching
// text frames to handleClientMessage, grounded on the teacher's readPump
// (ws/internal/shared/pump_read.go).
func (s *Server) readPump(sess *session.Session, connectedAt time.Time) {
	defer func() {
		sess.Close(1000, "read loop ended")
		s.registry.Remove(sess, func(userID string) {
			s.subindex.UnsubscribeAll(userID)
			if s.alertSubscriber != nil {
				s.alertSubscriber.UnsubscribeAlertOpened(userID)
			}
		})
		if s.guard != nil {
			s.guard.RemoveConnection()
		}
		s.metrics.ConnectionClosed(time.Since(connectedAt))
	}()

	conn := sess.Conn()
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.SetAlive(true)

		switch op {
		case ws.OpClose:
			return
		case ws.OpText:
			s.handleClientMessage(sess, msg)
		}
	}
}

func (s *Server) handleClientMessage(sess *session.Session, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(sess, "invalid message", "bad_request")
		return
	}

	switch msg.Type {
	case msgTypeSubscribe:
		s.metrics.MessageReceived(msgTypeSubscribe)
		s.handleSubscribe(sess, msg.Payload)
	case msgTypeUnsubscribe:
		s.metrics.MessageReceived(msgTypeUnsubscribe)
		s.handleUnsubscribe(sess, msg.Payload)
	case msgTypePing:
		s.metrics.MessageReceived(msgTypePing)
		s.sendEnvelope(sess, msgTypePong, nil)
	default:
		s.metrics.MessageReceived("unknown")
		s.sendError(sess, fmt.Sprintf("unknown message type %q", msg.Type), "unknown_type")
	}
}

func (s *Server) handleSubscribe(sess *session.Session, raw json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(sess, "invalid subscribe_stocks payload", "bad_request")
		return
	}
	_, rejected := s.subindex.Subscribe(sess.UserID(), p.TSCodes)
	if len(rejected) > 0 {
		s.sendError(sess, fmt.Sprintf("rejected invalid ts codes: %v", rejected), "invalid_codes")
	}
	codes, pairs := s.subindex.Stats()
	s.metrics.SetSubscriptions(pairs, codes)
}

func (s *Server) handleUnsubscribe(sess *session.Session, raw json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(sess, "invalid unsubscribe_stocks payload", "bad_request")
		return
	}
	s.subindex.Unsubscribe(sess.UserID(), p.TSCodes)
	codes, pairs := s.subindex.Stats()
	s.metrics.SetSubscriptions(pairs, codes)
}

func (s *Server) sendEnvelope(sess *session.Session, msgType string, payload interface{}) {
	data, err := session.EncodeEnvelope(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_type", msgType).Msg("failed to encode envelope")
		return
	}
	if sess.Send(data) {
		s.metrics.MessageSent()
	} else {
		s.metrics.MessageDropped("backpressure")
	}
}

func (s *Server) sendError(sess *session.Session, message, code string) {
	s.sendEnvelope(sess, msgTypeError, errorPayload{Message: message, Code: code})
}

// OnQuoteForUser is the fanout.QuoteProcessor hook: it runs the session's
// rule engine against the quote just dispatched to userID and forwards any
// opened alerts.
func (s *Server) OnQuoteForUser(userID string, q quotes.Quote) {
	conn, ok := s.registry.Get(userID)
	if !ok {
		return
	}
	sess, ok := conn.(*session.Session)
	if !ok {
		return
	}

	for _, evt := range sess.ProcessQuote(q) {
		s.forwardAlert(sess, evt)
	}
}

// forwardAlert hands a rule-engine AlertEvent produced by this instance's own
// live-tick evaluation off to the bus, which loops back through
// onAlertBusEvent for actual socket delivery and dispatch - the same path an
// alert opened by the cron replay path on any instance takes. When no bus is
// configured (e.g. standalone/test mode) it delivers inline instead, since
// nothing will ever round-trip to do it otherwise.
func (s *Server) forwardAlert(sess *session.Session, evt session.AlertEvent) {
	opened := alertbus.AlertOpened{
		UserID:      sess.UserID(),
		TSCode:      evt.TSCode,
		RuleType:    string(evt.RuleType),
		RuleName:    evt.RuleName,
		TriggerData: evt.TriggerData,
		OpenedAtMS:  evt.OpenedAtMS,
	}

	if s.alertPublisher == nil {
		s.onAlertBusEvent(sess.UserID(), opened)
		return
	}
	if err := s.alertPublisher.PublishAlertOpened(opened); err != nil {
		s.logger.Error().Err(err).Str("user_id", sess.UserID()).Str("ts_code", evt.TSCode).Msg("failed to publish alert opened event")
	}
}

