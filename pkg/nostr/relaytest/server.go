package relaytest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

// Server exposes a Relay over a real websocket on the loopback interface.
type Server struct {
	*Relay
	srv *httptest.Server
}

// Serve starts a websocket server in front of r. Close it when done.
func Serve(r *Relay) (s *Server) {
	s = &Server{Relay: r}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWebsocket))
	return
}

// URL is the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) Close() { s.srv.Close() }

type wsConn struct {
	conn *websocket.Conn
	mx   sync.Mutex
}

func (w *wsConn) WriteJSON(v any) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.conn.WriteJSON(v)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if chk.E(err) {
		return
	}
	ws := &wsConn{conn: conn}
	c, cancel := context.WithCancel(context.Background())
	subs := make(map[string]*listener)
	var smx sync.Mutex
	defer func() {
		cancel()
		smx.Lock()
		for _, l := range subs {
			s.Relay.unsubscribe(l)
		}
		smx.Unlock()
		chk.D(conn.Close())
	}()
	for {
		var message []byte
		if _, message, err = conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				log.E.F("unexpected close error: %v", err)
			}
			return
		}
		log.T.F("relaytest received %s", message)
		switch env := nostr.ParseMessage(message).(type) {
		case *nostr.EventEnvelope:
			ev := env.Event
			ok := nostr.OKEnvelope{EventID: ev.ID, OK: true}
			if err = s.Relay.Publish(c, &ev); err != nil {
				ok.OK, ok.Reason = false, err.Error()
			}
			chk.D(ws.WriteJSON(&ok))
		case *nostr.ReqEnvelope:
			id := env.SubscriptionID
			l := s.Relay.subscribe(env.Filters)
			smx.Lock()
			if old, exists := subs[id]; exists {
				s.Relay.unsubscribe(old)
			}
			subs[id] = l
			smx.Unlock()
			go s.stream(c, ws, id, l)
		case *nostr.CloseEnvelope:
			id := string(*env)
			smx.Lock()
			if l, exists := subs[id]; exists {
				s.Relay.unsubscribe(l)
				delete(subs, id)
			}
			smx.Unlock()
		default:
			log.D.F("relaytest ignoring %s", message)
		}
	}
}

func (s *Server) stream(c context.Context, ws *wsConn, id string, l *listener) {
	eose := l.eose
	for {
		select {
		case <-c.Done():
			return
		case <-eose:
			eose = nil
			e := nostr.EOSEEnvelope(id)
			chk.D(ws.WriteJSON(&e))
		case reason := <-l.closed:
			chk.D(ws.WriteJSON(&nostr.ClosedEnvelope{SubscriptionID: id,
				Reason: reason}))
			return
		case ev, more := <-l.events:
			if !more {
				return
			}
			subID := id
			chk.D(ws.WriteJSON(&nostr.EventEnvelope{
				SubscriptionID: &subID,
				Event:          *ev,
			}))
		}
	}
}
