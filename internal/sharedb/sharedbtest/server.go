// Package sharedbtest runs an in-process ShareDB server for tests.
package sharedbtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a fake ShareDB endpoint. Documents are served from an in-memory map and
// ops are pushed explicitly with Push.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu        sync.Mutex
	docs      map[string]any
	failing   map[string]string
	subs      map[string]int
	conns     map[*websocket.Conn]*sync.Mutex
	headers   []http.Header
	versions  map[string]int64
	subNotify chan string
}

// NewServer starts a server. Close it with Server.Close.
func NewServer() *Server {
	s := &Server{
		docs:      map[string]any{},
		failing:   map[string]string{},
		subs:      map[string]int{},
		conns:     map[*websocket.Conn]*sync.Mutex{},
		versions:  map[string]int64{},
		subNotify: make(chan string, 1024),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// WSURL returns the ws:// address of the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// SetDoc stores a document snapshot returned on subscribe.
func (s *Server) SetDoc(collection, id string, data any) {
	s.mu.Lock()
	s.docs[collection+"/"+id] = data
	s.mu.Unlock()
}

// FailDoc makes subscriptions to the document fail with msg.
func (s *Server) FailDoc(collection, id, msg string) {
	s.mu.Lock()
	s.failing[collection+"/"+id] = msg
	s.mu.Unlock()
}

// Subscriptions returns how many subscribe requests the document received.
func (s *Server) Subscriptions(collection, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[collection+"/"+id]
}

// Subscribed yields "collection/id" for each subscribe request, in arrival order.
func (s *Server) Subscribed() <-chan string { return s.subNotify }

// Headers returns the upgrade request headers of every connection so far.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// WaitSubscribed blocks until collection/id was subscribed or the timeout elapses.
func (s *Server) WaitSubscribed(collection, id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Subscriptions(collection, id) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Push broadcasts an op for the document to every connection.
func (s *Server) Push(collection, id string, ops ...map[string]any) {
	s.mu.Lock()
	key := collection + "/" + id
	v := s.versions[key]
	s.versions[key] = v + 1
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		conns[c] = mu
	}
	s.mu.Unlock()

	msg := map[string]any{"a": "op", "c": collection, "d": id, "v": v, "src": "peer", "seq": v + 1, "op": ops}
	for c, mu := range conns {
		mu.Lock()
		_ = c.WriteJSON(msg)
		mu.Unlock()
	}
}

// DropConnections closes every open websocket.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[*websocket.Conn]*sync.Mutex{}
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[c] = wmu
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return c.WriteJSON(v)
	}

	for {
		_, b, err := c.ReadMessage()
		if err != nil {
			return
		}
		var m struct {
			A string `json:"a"`
			C string `json:"c"`
			D string `json:"d"`
		}
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		switch m.A {
		case "hs":
			_ = write(map[string]any{"a": "hs", "protocol": 1, "protocolMinor": 1, "id": "fake", "type": "http://sharejs.org/types/JSONv0"})
		case "s":
			key := m.C + "/" + m.D
			s.mu.Lock()
			s.subs[key]++
			doc, ok := s.docs[key]
			failMsg, failing := s.failing[key]
			v := s.versions[key]
			s.mu.Unlock()

			select {
			case s.subNotify <- key:
			default:
			}

			reply := map[string]any{"a": "s", "c": m.C, "d": m.D}
			switch {
			case failing:
				reply["error"] = map[string]any{"code": 4001, "message": failMsg}
			case !ok:
				reply["data"] = map[string]any{"v": 0}
			default:
				reply["data"] = map[string]any{"v": v, "type": "http://sharejs.org/types/JSONv0", "data": doc}
			}
			_ = write(reply)
		}
	}
}
