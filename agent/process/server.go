package process

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/guseggert/procmux/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const writeBufferSize = 64 * 1024

var ErrUnauthorized = errors.New("invalid token")

// Server runs the spawn protocol on accepted connections.
type Server struct {
	Log *zap.SugaredLogger
	// Token, if set, must be presented in the first document on every connection.
	Token string
	// QueueSize bounds the responses buffered per connection, see DefaultQueueSize.
	QueueSize int
}

// ServeHTTP runs the protocol over a WebSocket, with requests and responses carried in binary messages.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(protocol.MaxRequestBytes)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	err = s.ServeConn(ctx, conn)
	if err != nil && ctx.Err() == nil {
		s.Log.Debugf("WebSocket conn closed with error: %s", err)
	}
}

// ServeConn runs the protocol on conn until the client disconnects, sends a malformed request, or
// the conn fails, or until ctx is canceled. Every process started for the conn is killed before
// ServeConn returns. A clean disconnect by the client returns nil.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	log := s.Log.With("Conn", uuid.NewString())
	if addr := conn.RemoteAddr(); addr != nil {
		log = log.With("Remote", addr.String())
	}
	log.Debug("serving conn")

	mux := NewMux(log.Named("mux"), s.QueueSize)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.readRequests(log, conn, mux) })
	group.Go(func() error { return writeResponses(conn, mux.Events()) })
	group.Go(func() error {
		// the read loop always ends with an error, so this always runs
		<-groupCtx.Done()
		mux.Shutdown()
		err := conn.Close()
		if err != nil {
			log.Debugf("error closing conn: %s", err)
		}
		return nil
	})

	err := group.Wait()
	if errors.Is(err, io.EOF) {
		log.Debug("client closed conn")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Debugw("conn failed", "Error", err)
	return err
}

func (s *Server) readRequests(log *zap.SugaredLogger, conn net.Conn, mux *Mux) error {
	rr := protocol.NewRequestReader(conn)

	if s.Token != "" {
		token, err := rr.ReadAuth()
		if err != nil {
			return fmt.Errorf("reading auth request: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			log.Info("rejecting conn with invalid token")
			return ErrUnauthorized
		}
	}

	for {
		req, err := rr.ReadRequest()
		if err == io.EOF {
			return err
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		log.Debugw("got spawn request", "RequestID", req.ID, "Path", req.Path, "Args", req.Args, "Cwd", req.Cwd)

		err = mux.Admit(req)
		if errors.Is(err, ErrDuplicateRequestID) {
			log.Warnw("rejecting request with an id still in flight", "RequestID", req.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("admitting request %d: %w", req.ID, err)
		}
	}
}

// writeResponses encodes responses until the events channel is closed, flushing whenever it runs dry.
func writeResponses(conn net.Conn, events <-chan protocol.SpawnResponse) error {
	bw := bufio.NewWriterSize(conn, writeBufferSize)
	enc := protocol.NewEncoder(bw)
	for resp := range events {
		err := enc.Encode(resp)
		if err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		if len(events) == 0 {
			err = bw.Flush()
			if err != nil {
				return fmt.Errorf("flushing responses: %w", err)
			}
		}
	}
	return nil
}
