// Package events fans job run notifications out to websocket subscribers.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/caldog20/fleetcore/control/server/store"
)

const (
	TypeJobRun = "job_run"

	subscriberBuffer = 16
	writeWait        = 10 * time.Second
)

type Event struct {
	Type string        `json:"type"`
	Time time.Time     `json:"time"`
	Run  *store.JobRun `json:"run,omitempty"`
}

// Hub delivers events to every subscriber. Slow subscribers miss events
// instead of blocking publishers.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	subs     map[uint64]chan Event
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]chan Event),
		log:  logrus.WithField("component", "events"),
	}
}

func (h *Hub) Subscribe() (uint64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	c := make(chan Event, subscriberBuffer)
	h.subs[h.nextID] = c
	return h.nextID, c
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.subs[id]; ok {
		close(c)
		delete(h.subs, id)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.subs {
		select {
		case c <- e:
		default:
			h.log.WithField("subscriber", id).Warn("subscriber too slow, dropping event")
		}
	}
}

func (h *Hub) Publish(run store.JobRun) {
	h.Broadcast(Event{Type: TypeJobRun, Time: run.FinishedAt, Run: &run})
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.WithError(err).Error("error upgrading websocket connection")
		return
	}

	id, c := h.Subscribe()
	done := make(chan struct{})
	defer func() {
		h.Unsubscribe(id)
		conn.Close()
	}()

	// clients only listen; reading detects the close
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e, ok := <-c:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.WithError(err).WithField("subscriber", id).Warn("error writing event")
				}
				return
			}
		}
	}
}
