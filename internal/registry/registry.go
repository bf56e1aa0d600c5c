// Package registry accepts TCP connections from stream consumers and fans
// broadcast writes out to every live peer. Peers that fail a write are
// evicted; partial delivery is the expected steady state, never an error.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by Start when the registry is live.
var ErrAlreadyRunning = errors.New("registry already running")

const (
	defaultMaxClients   = 10
	defaultWriteTimeout = 1 * time.Second
)

// Config holds registry settings. Zero values fall back to defaults.
type Config struct {
	BindAddr     string
	Port         int
	MaxClients   int
	WriteTimeout time.Duration

	// OnConnect fires exactly once per accepted connection, OnDisconnect
	// exactly once per detected loss. Connections rejected at the
	// MaxClients bound and connections closed by Stop fire neither.
	OnConnect    func(id uuid.UUID, addr net.Addr)
	OnDisconnect func(id uuid.UUID, addr net.Addr)
}

// client is one live peer. The generation counter makes eviction during
// broadcast iteration race-free: an eviction only applies if the entry in
// the arena is still the same generation the writer saw.
type client struct {
	id          uuid.UUID
	gen         uint64
	conn        net.Conn
	addr        net.Addr
	connectedAt time.Time
}

// Registry owns the accept loop and the live client arena.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	clients  map[uuid.UUID]*client
	gen      uint64
	listener net.Listener
	running  bool

	count atomic.Int64

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// New creates a registry. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		log:     logger.With("component", "registry"),
		clients: make(map[uuid.UUID]*client),
	}
}

// Start binds the listen socket and launches the accept loop. A bind
// failure is returned synchronously; nothing is left running.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(r.cfg.BindAddr, strconv.Itoa(r.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r.listener = ln
	r.stopChan = make(chan struct{})
	r.running = true

	r.log.Info("listening", "addr", ln.Addr().String(), "max_clients", r.cfg.MaxClients)

	r.wg.Add(1)
	go r.acceptLoop(ln, r.stopChan)

	return nil
}

// Stop closes the listen socket, waits for the accept loop to exit, and
// closes every live connection. Safe to call twice.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	ln := r.listener
	r.listener = nil
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	r.wg.Wait()

	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[uuid.UUID]*client)
	r.count.Store(0)
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}

	r.log.Info("stopped", "closed_clients", len(clients))
}

// Addr reports the bound listen address, nil when not running.
func (r *Registry) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// ClientCount reports live peers without touching the arena lock.
func (r *Registry) ClientCount() int {
	return int(r.count.Load())
}

// Broadcast writes data to every live peer and returns the number of
// successful writes. Failed peers are evicted and disconnect-notified;
// the remaining peers still receive the write. The arena lock is never
// held across a network write, so one slow client cannot stall accepts.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.Lock()
	snapshot := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range snapshot {
		_ = c.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		if _, err := c.conn.Write(data); err != nil {
			r.evict(c, err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) acceptLoop(ln net.Listener, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				r.log.Warn("accept failed", "error", err)
				continue
			}
		}
		r.admit(conn)
	}
}

// admit registers an accepted connection, or closes it immediately when the
// MaxClients bound is reached (no connect notification in that case).
func (r *Registry) admit(conn net.Conn) {
	r.mu.Lock()
	if len(r.clients) >= r.cfg.MaxClients {
		r.mu.Unlock()
		r.log.Warn("rejecting connection: max clients reached",
			"remote", conn.RemoteAddr().String(), "max_clients", r.cfg.MaxClients)
		_ = conn.Close()
		return
	}

	r.gen++
	c := &client{
		id:          uuid.New(),
		gen:         r.gen,
		conn:        conn,
		addr:        conn.RemoteAddr(),
		connectedAt: time.Now(),
	}
	r.clients[c.id] = c
	r.count.Add(1)
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Info("client connected", "client_id", c.id.String(), "remote", c.addr.String(), "total", total)
	if r.cfg.OnConnect != nil {
		r.cfg.OnConnect(c.id, c.addr)
	}
}

// evict removes a peer after a failed write. The generation check makes a
// second eviction of the same peer a no-op, so the disconnect notification
// fires at most once.
func (r *Registry) evict(c *client, cause error) {
	r.mu.Lock()
	cur, ok := r.clients[c.id]
	if !ok || cur.gen != c.gen {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.id)
	r.count.Add(-1)
	total := len(r.clients)
	r.mu.Unlock()

	_ = c.conn.Close()

	r.log.Warn("client disconnected", "client_id", c.id.String(), "remote", c.addr.String(),
		"error", cause, "total", total)
	if r.cfg.OnDisconnect != nil {
		r.cfg.OnDisconnect(c.id, c.addr)
	}
}
