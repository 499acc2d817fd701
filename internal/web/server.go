// Package web serves a read-only live view of a running orchestration.
//
// Browsers (or any websocket client) connect to /ws and receive the bus
// traffic, agent output, status changes, and task board as JSON frames
// defined in pkg/protocol. The server never accepts input from clients.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/eventq"
	"github.com/agusx1211/fedi/internal/logging"
	"github.com/agusx1211/fedi/internal/session"
	"github.com/agusx1211/fedi/pkg/protocol"
)

const (
	mdnsServiceType = "_fedi._tcp"
	clientBuffer    = 256
	writeTimeout    = 15 * time.Second
	helloHistoryMax = 100
)

// Options configures a Server.
type Options struct {
	Addr        string // listen address, e.g. "127.0.0.1:8080"
	Bus         *bus.Bus
	Agents      []bus.AgentID
	SessionID   string
	Task        string
	ProjectName string
	EnableMDNS  bool
}

type client struct {
	ch chan protocol.Frame
}

// Server is the websocket observer endpoint.
type Server struct {
	opts Options

	mu      sync.Mutex
	clients map[*client]struct{}
	skipped int // frames dropped on slow clients

	listener net.Listener
	httpSrv  *http.Server
	mdnsSrv  *mdns.Server
}

// New builds a Server and subscribes it to the bus.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		clients: make(map[*client]struct{}),
	}
	if opts.Bus != nil {
		opts.Bus.Subscribe(bus.Subscriber{
			OnMessage:      func(m bus.Message) { s.broadcast(protocol.TypeMessage, wireMessage(m)) },
			OnRelay:        func(m bus.Message) { s.broadcast(protocol.TypeRelay, wireMessage(m)) },
			OnRelayBlocked: func(b bus.Blocked) { s.broadcast(protocol.TypeRelayBlocked, wireBlocked(b)) },
		})
	}
	return s
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", s.handleIndex)
	s.httpSrv = &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return ctx }}
	srv := s.httpSrv
	s.mu.Unlock()

	if s.opts.EnableMDNS {
		if err := s.startMDNS(); err != nil {
			logging.Log(logging.LevelWarn, "web", "mdns advertisement failed", "error", err.Error())
		}
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	logging.LogKV("web", "observer listening", "url", s.URL())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

// Close shuts the server and every client connection down.
func (s *Server) Close() {
	s.mu.Lock()
	srv := s.httpSrv
	md := s.mdnsSrv
	s.mdnsSrv = nil
	s.mu.Unlock()

	if md != nil {
		md.Shutdown()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}

// URL returns the http URL of the listening server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	addr := s.listener.Addr().String()
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr
}

// QRCode renders the observer URL as a terminal QR code.
func (s *Server) QRCode() (string, error) {
	url := s.URL()
	if url == "" {
		return "", errors.New("web: server not listening")
	}
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return code.ToString(false), nil
}

// PublishOutput forwards one agent output line to connected clients.
func (s *Server) PublishOutput(id bus.AgentID, line agent.OutputLine) {
	s.broadcast(protocol.TypeOutput, protocol.WireOutput{
		Agent:     string(id),
		Text:      line.Text,
		Kind:      string(line.Kind),
		Timestamp: line.Timestamp,
	})
}

// PublishStatus forwards an agent status change.
func (s *Server) PublishStatus(id bus.AgentID, status agent.Status) {
	s.broadcast(protocol.TypeStatus, protocol.WireStatus{Agent: string(id), Status: string(status)})
}

// PublishTasks forwards the full task board.
func (s *Server) PublishTasks(tasks []session.Task) {
	wire := protocol.WireTasks{Tasks: make([]protocol.WireTask, 0, len(tasks))}
	for _, task := range tasks {
		wire.Tasks = append(wire.Tasks, protocol.WireTask{Text: task.Text, Done: task.Done})
	}
	s.broadcast(protocol.TypeTasks, wire)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"app":     "fedi",
		"session": s.opts.SessionID,
		"ws":      "/ws",
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	c := &client{ch: make(chan protocol.Frame, clientBuffer)}
	s.register(c)
	defer s.unregister(c)

	hello := protocol.Hello{
		SessionID: s.opts.SessionID,
		Task:      s.opts.Task,
		Agents:    agentNames(s.opts.Agents),
	}
	if frame, err := protocol.NewFrame(protocol.TypeHello, hello); err == nil {
		if err := s.write(ctx, ws, frame); err != nil {
			return
		}
	}
	for _, msg := range s.historyTail() {
		frame, err := protocol.NewFrame(protocol.TypeMessage, wireMessage(msg))
		if err != nil {
			continue
		}
		if err := s.write(ctx, ws, frame); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "server closing")
			return
		case frame := <-c.ch:
			if err := s.write(ctx, ws, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// broadcast fans a frame out to every client. A client whose buffer is full
// skips the frame rather than stalling the producer.
func (s *Server) broadcast(frameType string, data any) {
	frame, err := protocol.NewFrame(frameType, data)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !eventq.Offer(c.ch, frame) {
			s.skipped++
		}
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	logging.LogKV("web", "client connected", "clients", n)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	logging.LogKV("web", "client disconnected", "clients", n)
}

func (s *Server) historyTail() []bus.Message {
	if s.opts.Bus == nil {
		return nil
	}
	history := s.opts.Bus.History()
	if len(history) > helloHistoryMax {
		history = history[len(history)-helloHistoryMax:]
	}
	return history
}

// startMDNS advertises the observer on the local network.
func (s *Server) startMDNS() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("web: not listening")
	}
	_, rawPort, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return err
	}
	var port int
	if _, err := fmt.Sscanf(rawPort, "%d", &port); err != nil || port <= 0 {
		return fmt.Errorf("web: invalid port %q", rawPort)
	}

	name := strings.TrimSpace(s.opts.ProjectName)
	if name == "" {
		name = "fedi"
	}
	txt := []string{
		"project=" + name,
		"url=" + s.URL(),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txt)
	if err != nil {
		return err
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.mdnsSrv = srv
	s.mu.Unlock()
	return nil
}

func agentNames(ids []bus.AgentID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

func wireMessage(m bus.Message) protocol.WireMessage {
	return protocol.WireMessage{
		ID:            m.ID,
		From:          string(m.From),
		To:            string(m.To),
		Content:       m.Content,
		CorrelationID: m.CorrelationID,
		RelayCount:    m.RelayCount,
		Timestamp:     m.Timestamp,
	}
}

func wireBlocked(b bus.Blocked) protocol.WireBlocked {
	return protocol.WireBlocked{
		From:          string(b.From),
		To:            string(b.To),
		CorrelationID: b.CorrelationID,
		RelayCount:    b.RelayCount,
		Reason:        b.Reason,
	}
}
