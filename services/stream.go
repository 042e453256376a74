package services

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 256
)

// Stream serves the event log over websocket. Clients may resume with
// ?after=<seq> and narrow the stream with ?kinds=<kind>,<kind>.
type Stream struct {
	log      eventlog.Log
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  map[string]bool
}

// NewStream serves log. Browser upgrades are accepted from the same origin
// and from allowedOrigins; "*" accepts every origin.
func NewStream(log eventlog.Log, allowedOrigins []string, logger *slog.Logger) *Stream {
	s := &Stream{
		log:     log,
		logger:  logger,
		origins: make(map[string]bool, len(allowedOrigins)),
	}
	for _, origin := range allowedOrigins {
		s.origins[strings.ToLower(strings.TrimSuffix(origin, "/"))] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin lets non-browser clients, which send no Origin, through.
func (s *Stream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.origins["*"] || s.origins[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func parseKinds(raw string) map[eventlog.Kind]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[eventlog.Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		kinds[eventlog.Kind(strings.TrimSpace(k))] = true
	}
	return kinds
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		var err error
		if after, err = strconv.ParseUint(raw, 10, 64); err != nil {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
	}
	kinds := parseKinds(r.URL.Query().Get("kinds"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before the backlog is read so nothing falls in between.
	events, unsubscribe := s.log.Subscribe(streamBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	send := func(ev eventlog.Event) error {
		if kinds != nil && !kinds[ev.Kind] {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(&ev)
	}

	last, err := eventlog.Replay(r.Context(), s.log, after, send)
	if err != nil {
		s.logger.Debug("stream backlog failed", "after", after, "err", err)
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event log closed"),
					time.Now().Add(streamWriteWait))
				return
			}
			if ev.Seq <= last {
				continue
			}
			if ev.Seq > last+1 {
				// The subscription dropped events; read them back.
				if last, err = eventlog.Replay(r.Context(), s.log, last, send); err != nil {
					return
				}
				continue
			}
			if err := send(ev); err != nil {
				return
			}
			last = ev.Seq
		}
	}
}

// readPump consumes control frames until the client goes away.
func (s *Stream) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
