package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/backend/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	queryRoom   = "room"
	queryClient = "client"
	queryToken  = "token"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, code, clientID, token string, wire model.Wire) error
		DeleteSignalingSession(ctx context.Context, code, clientID, reason string) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	var (
		q        = r.URL.Query()
		code     = model.NormalizeCode(q.Get(queryRoom))
		clientID = q.Get(queryClient)
		token    = q.Get(queryToken)
	)
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with an error status
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if code == "" {
		srv.logger.Warn().Str("client", clientID).Msg("rejecting socket without room code")
		webSocketRejecter(conn, model.ErrMissingRoomCode.Error(), &srv.logger)
		return
	}

	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.Background()) // long-living wire context

	err = srv.svc.CreateSignalingSession(ctx, code, clientID, token, wire)
	if err != nil {
		cancel()
		if errors.Is(err, service.ErrUnauthorized) ||
			errors.Is(err, model.ErrMissingRoomCode) ||
			errors.Is(err, model.ErrClientExists) {
			srv.logger.Warn().Err(err).Str("client", clientID).Msg("signaling session rejected")
			webSocketRejecter(conn, err.Error(), &srv.logger)
			return
		}
		srv.logger.Error().Err(err).Msg("failed to create signaling session")
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("room", code).
		Str("client", clientID).
		Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, code, clientID, wire)
}

func (srv *Server) destroySession(code, clientID, reason string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSignalingSession(ctx, code, clientID, reason)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	code string,
	clientID string,
	wire model.Wire,
) {
	var (
		wg     = &sync.WaitGroup{}
		reason string
	)

	logger := srv.logger.With().
		Str("room", code).
		Str("client", clientID).
		Logger()

	wg.Add(2)
	go func() {
		defer wg.Done()
		reason = webSocketReceiver(ctx, conn, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(code, clientID, reason, &logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				return
			}
			if err := writeFrame(conn, websocket.TextMessage, msg); err != nil {
				logger.Error().Err(err).Msg("failed to write outgoing frame")
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, kind int, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return fmt.Errorf("cannot set write deadline: %w", err)
	}
	return conn.WriteMessage(kind, payload)
}

// webSocketReceiver pumps inbound frames to rx and returns the reason
// the connection went away.
func webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	rx chan<- []byte,
	logger *zerolog.Logger,
) string {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return "read deadline failure"
	}

	for {
		select {
		case <-ctx.Done():
			return "session closed"
		default:
		}

		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			var closeErr *websocket.CloseError
			if errors.As(wsErr, &closeErr) {
				logger.Debug().Err(wsErr).Msg("connection closed")
				if closeErr.Text != "" {
					return closeErr.Text
				}
				return "connection closed"
			}
			logger.Error().Err(wsErr).Msg("unexpected error during receive")
			return "connection lost"
		}

		select {
		case rx <- msg:
		case <-ctx.Done():
			return "session closed"
		}
	}
}

func webSocketRejecter(conn *websocket.Conn, reason string, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr == nil {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	}
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to send policy violation")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
