package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/guseggert/procmux/agent/process"
	internalnet "github.com/guseggert/procmux/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent accepts connections and runs the processes requested on them.
// Plain TCP is always served. A WebSocket endpoint is served too if a WebSocket address is configured.
type Agent struct {
	logger *zap.SugaredLogger
	level  *zapcore.Level

	listenAddr    string
	wsListenAddr  string
	requireToken  bool
	queueSize     int
	startupWriter io.Writer
	token         string

	procServer *process.Server
	listener   net.Listener
	httpServer *http.Server
	wsListener net.Listener
	port       uint16

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  atomic.Int64

	errMut sync.Mutex
	err    error

	startOnce sync.Once
	stopOnce  sync.Once
}

type Option func(a *Agent)

// WithListenAddr sets the TCP address to serve on. The default is an ephemeral loopback port.
func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithWebSocketAddr serves the protocol over WebSockets on the given address, at GET /spawn.
func WithWebSocketAddr(s string) Option {
	return func(a *Agent) {
		a.wsListenAddr = s
	}
}

// WithRequireToken makes every connection present the startup token before spawning anything.
func WithRequireToken(b bool) Option {
	return func(a *Agent) {
		a.requireToken = b
	}
}

func WithQueueSize(n int) Option {
	return func(a *Agent) {
		a.queueSize = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.level = &l
	}
}

// WithStartupWriter sets where the startup line is written. The default is stdout.
func WithStartupWriter(w io.Writer) Option {
	return func(a *Agent) {
		a.startupWriter = w
	}
}

// NewAgent constructs a new agent, which does nothing until it is started.
func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		logger:        logger.Sugar(),
		listenAddr:    "127.0.0.1:0",
		startupWriter: os.Stdout,
		token:         NewToken(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, o := range opts {
		o(a)
	}
	if a.level != nil {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(*a.level))
	}
	a.logger = a.logger.Named("agent")

	a.procServer = &process.Server{
		Log:       a.logger.Named("process_server"),
		QueueSize: a.queueSize,
	}
	if a.requireToken {
		a.procServer.Token = a.token
	}
	return a, nil
}

// Token returns the token generated for this agent.
func (a *Agent) Token() string { return a.token }

// Port returns the TCP port the agent is serving on, once it has started.
func (a *Agent) Port() uint16 { return a.port }

// Addr returns the TCP address the agent is serving on, once it has started.
func (a *Agent) Addr() net.Addr { return a.listener.Addr() }

// WebSocketAddr returns the address of the WebSocket endpoint, or nil if it is not served.
func (a *Agent) WebSocketAddr() net.Addr {
	if a.wsListener == nil {
		return nil
	}
	return a.wsListener.Addr()
}

// ActiveConns returns the number of connections currently being served.
func (a *Agent) ActiveConns() int64 { return a.conns.Load() }

// Start binds the listeners, writes the startup line, and starts serving in the background.
func (a *Agent) Start() error {
	err := errors.New("agent already started")
	a.startOnce.Do(func() { err = a.start() })
	return err
}

func (a *Agent) start() error {
	listener, port, err := internalnet.ListenTCP(a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.listener = listener
	a.port = port

	if a.wsListenAddr != "" {
		wsListener, _, err := internalnet.ListenTCP(a.wsListenAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listening WebSocket: %w", err)
		}
		a.wsListener = wsListener

		router := httprouter.New()
		router.GET("/spawn", a.spawnWS)
		router.GET("/healthz", a.healthz)
		a.httpServer = &http.Server{
			Handler:     router,
			BaseContext: func(net.Listener) context.Context { return a.ctx },
		}
	}

	err = WriteStartupLine(a.startupWriter, StartupInfo{Port: port, Token: a.token})
	if err != nil {
		a.closeListeners()
		return fmt.Errorf("writing startup line: %w", err)
	}
	a.logger.Infow("listening", "Addr", listener.Addr().String(), "RequireToken", a.requireToken)

	a.wg.Add(1)
	go a.acceptConns()

	if a.httpServer != nil {
		a.logger.Infow("serving WebSockets", "Addr", a.wsListener.Addr().String())
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := a.httpServer.Serve(a.wsListener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.fail(fmt.Errorf("serving HTTP: %w", err))
			}
		}()
	}
	return nil
}

// Run starts the agent and returns once it has stopped.
func (a *Agent) Run() error {
	err := a.Start()
	if err != nil {
		return err
	}
	return a.Wait()
}

// Wait blocks until the agent has stopped and every connection has been torn down.
func (a *Agent) Wait() error {
	<-a.ctx.Done()
	a.wg.Wait()
	a.errMut.Lock()
	defer a.errMut.Unlock()
	return a.err
}

// Stop stops accepting connections, closes every open connection, and kills their processes.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping")
		a.cancel()
		a.closeListeners()
		if a.httpServer != nil {
			// hijacked WebSocket conns are torn down by the canceled base context
			err := a.httpServer.Close()
			if err != nil {
				a.logger.Debugf("error closing HTTP server: %s", err)
			}
		}
	})
	a.wg.Wait()
	return nil
}

func (a *Agent) closeListeners() {
	if a.listener != nil {
		a.listener.Close()
	}
	if a.wsListener != nil {
		a.wsListener.Close()
	}
}

// fail records the first fatal error and stops the agent.
func (a *Agent) fail(err error) {
	a.errMut.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMut.Unlock()
	a.logger.Errorw("agent failed", "Error", err)
	go a.Stop()
}

func (a *Agent) acceptConns() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				a.logger.Debugf("error accepting conn: %s", err)
				continue
			}
			a.fail(fmt.Errorf("accepting conn: %w", err))
			return
		}
		a.wg.Add(1)
		go a.serveConn(conn)
	}
}

func (a *Agent) serveConn(conn net.Conn) {
	defer a.wg.Done()
	a.conns.Add(1)
	defer a.conns.Add(-1)

	err := a.procServer.ServeConn(a.ctx, conn)
	if err != nil && a.ctx.Err() == nil {
		a.logger.Debugw("conn closed with error", "Remote", conn.RemoteAddr().String(), "Error", err)
	}
}

func (a *Agent) spawnWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.wg.Add(1)
	defer a.wg.Done()
	a.conns.Add(1)
	defer a.conns.Add(-1)
	a.procServer.ServeHTTP(w, r)
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Port        uint16
	ActiveConns int64
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(HealthzResponse{Port: a.port, ActiveConns: a.ActiveConns()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
