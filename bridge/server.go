// Package bridge exposes a driver over HTTP so that a GUI in another process can use it.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Server struct {
	logger *zap.SugaredLogger
	driver Driver

	listenAddr     string
	gatherer       prometheus.Gatherer
	defaultTimeout time.Duration
	eventBuffer    int

	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithGatherer serves the given metrics at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithDefaultTimeout sets the command timeout used when a request doesn't specify one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.defaultTimeout = d
	}
}

func NewServer(d Driver, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:         logger.Named("bridge").Sugar(),
		driver:         d,
		listenAddr:     "127.0.0.1:8417",
		defaultTimeout: 30 * time.Second,
		eventBuffer:    256,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/status", s.status)
	router.POST("/online", s.online)
	router.POST("/execute", s.execute)
	router.POST("/send", s.send)
	router.POST("/close", s.close)
	router.GET("/events", s.events)
	if s.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.logger.Infow("serving", "Addr", l.Addr().String())
	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		s.logger.Debugf("error writing response: %s", err)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, StatusResponse{
		State:           s.driver.State(),
		Port:            s.driver.Port(),
		ProtocolVersion: s.driver.ProtocolVersion(),
		BackendVersion:  s.driver.BackendVersion(),
		LastError:       s.driver.LastError(),
	})
}

func (s *Server) online(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := OnlineResponse{Online: s.driver.GoOnline()}
	if !resp.Online {
		resp.LastError = s.driver.LastError()
	}
	s.writeJSON(w, resp)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "request contained no command name", http.StatusBadRequest)
		return
	}
	timeout := s.defaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	msg, ok := s.driver.ExecuteCommand(req.Name, req.Message.Message(), timeout)
	s.writeJSON(w, ExecuteResponse{OK: ok, Message: NewPayload(msg)})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "request contained no command name", http.StatusBadRequest)
		return
	}
	seqNum := s.driver.SendCommand(req.Name, req.Message.Message())
	if seqNum == 0 {
		http.Error(w, "not connected to worker", http.StatusConflict)
		return
	}
	s.writeJSON(w, SendResponse{SeqNum: seqNum})
}

func (s *Server) close(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.driver.RequestClose()
	w.WriteHeader(http.StatusOK)
}

// events streams driver events to a WebSocket client as JSON messages until either side goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("events WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := s.driver.Subscribe(s.eventBuffer)
	defer unsubscribe()

	// the client never sends anything, CloseRead notices when it leaves
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "driver stopped")
				return
			}
			if err := wsjson.Write(ctx, conn, newWireEvent(e)); err != nil {
				s.logger.Debugf("error writing event: %s", err)
				return
			}
		}
	}
}
