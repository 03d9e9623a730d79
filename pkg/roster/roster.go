// Package roster fans the node-roster snapshot out to connected
// dashboard sockets. A single owner goroutine holds the socket set and
// the debounce timer, so broadcast and close never race.
package roster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

const writeTimeout = 5 * time.Second

// snapshotFrame is the only frame type the server sends.
type snapshotFrame struct {
	Type  string                `json:"type"`
	Nodes []store.NodeWithStats `json:"nodes"`
}

// Roster is the live-roster broadcaster.
type Roster interface {
	Start(ctx context.Context) error
	Stop() error

	// Subscribe registers a socket and immediately sends it one snapshot.
	Subscribe(conn *websocket.Conn)
	// Changed signals that committed state moved; broadcasts are
	// debounced so a burst of signals yields one snapshot.
	Changed()
}

// Compile-time interface check.
var _ Roster = (*roster)(nil)

type roster struct {
	log      logrus.FieldLogger
	store    store.Store
	debounce time.Duration

	subscribe   chan *websocket.Conn
	unsubscribe chan *websocket.Conn
	changed     chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a roster broadcaster reading snapshots from the store.
func New(log logrus.FieldLogger, st store.Store, debounce time.Duration) Roster {
	return &roster{
		log:         log.WithField("component", "roster"),
		store:       st,
		debounce:    debounce,
		subscribe:   make(chan *websocket.Conn),
		unsubscribe: make(chan *websocket.Conn),
		changed:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the owner goroutine.
func (r *roster) Start(ctx context.Context) error {
	r.wg.Add(1)

	go r.run(ctx)

	return nil
}

// Stop closes every socket and stops the owner goroutine.
func (r *roster) Stop() error {
	close(r.done)
	r.wg.Wait()

	return nil
}

func (r *roster) Subscribe(conn *websocket.Conn) {
	select {
	case r.subscribe <- conn:
	case <-r.done:
		_ = conn.Close()
	}
}

func (r *roster) Changed() {
	select {
	case r.changed <- struct{}{}:
	default:
		// A broadcast is already pending; coalesce.
	}
}

// run owns the socket set and the debounce timer. All mutation happens
// here; snapshot reads are the only blocking work and no socket state is
// touched while they run elsewhere.
func (r *roster) run(ctx context.Context) {
	defer r.wg.Done()

	clients := make(map[*websocket.Conn]struct{})

	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	pending := false

	closeAll := func() {
		for conn := range clients {
			_ = conn.Close()
		}
	}

	for {
		select {
		case conn := <-r.subscribe:
			if err := r.sendSnapshot(ctx, conn); err != nil {
				r.log.WithError(err).Debug("Initial snapshot failed")
				_ = conn.Close()

				continue
			}

			clients[conn] = struct{}{}

			// Reap the socket on close so the set never leaks.
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						break
					}
				}

				select {
				case r.unsubscribe <- conn:
				case <-r.done:
				}
			}()

		case conn := <-r.unsubscribe:
			delete(clients, conn)
			_ = conn.Close()

		case <-r.changed:
			if !pending {
				pending = true

				timer.Reset(r.debounce)
			}

		case <-timer.C:
			pending = false

			r.broadcast(ctx, clients)

		case <-ctx.Done():
			closeAll()

			return

		case <-r.done:
			closeAll()

			return
		}
	}
}

// broadcast rebuilds the snapshot once and writes it to every open
// socket. A failed snapshot read skips the round without dropping
// sockets; failed writes drop only the affected socket.
func (r *roster) broadcast(ctx context.Context, clients map[*websocket.Conn]struct{}) {
	if len(clients) == 0 {
		return
	}

	frame, err := r.buildFrame(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Snapshot read failed; skipping broadcast")

		return
	}

	for conn := range clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			r.log.WithError(err).Debug("Dropping dead socket")
			delete(clients, conn)
			_ = conn.Close()
		}
	}
}

func (r *roster) sendSnapshot(ctx context.Context, conn *websocket.Conn) error {
	frame, err := r.buildFrame(ctx)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (r *roster) buildFrame(ctx context.Context) ([]byte, error) {
	nodes, err := r.store.ListNodesWithStats(ctx)
	if err != nil {
		return nil, err
	}

	if nodes == nil {
		nodes = []store.NodeWithStats{}
	}

	return json.Marshal(snapshotFrame{
		Type:  "nodes_snapshot",
		Nodes: nodes,
	})
}
