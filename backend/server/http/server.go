package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/credential"
	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 4096
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	CreateRoom(ctx context.Context, code string) (model.Room, error)
	ListRooms(ctx context.Context) ([]model.RoomInfo, error)
	IssueCredential(clientID string) (credential.Token, error)
}

type CreateRoomRequest struct {
	Code string `json:"code,omitempty"`
}

type CreateRoomResponse struct {
	Code     string             `json:"code"`
	Metadata model.RoomMetadata `json:"metadata"`
}

type ListRoomsResponse struct {
	Rooms []model.RoomInfo `json:"rooms"`
}

type CredentialRequest struct {
	ClientID string `json:"client_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /rooms", srv.createRoom)
	r.HandleFunc("GET /rooms", srv.listRooms)
	r.HandleFunc("POST /credentials", srv.issueCredential)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got create room request")

	room, err := srv.svc.CreateRoom(r.Context(), req.Code)
	switch {
	case errors.Is(err, model.ErrRoomExists):
		writeJSON(w, http.StatusConflict, &ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		srv.logger.Error().Err(err).Msg("room creation failed")
		writeJSON(w, http.StatusInternalServerError, &ErrorResponse{Error: ErrUnexpected.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, &CreateRoomResponse{
		Code:     room.Code,
		Metadata: room.Info().Metadata,
	})
}

func (srv *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	rooms, err := srv.svc.ListRooms(r.Context())
	if err != nil {
		srv.logger.Error().Err(err).Msg("room listing failed")
		writeJSON(w, http.StatusInternalServerError, &ErrorResponse{Error: ErrUnexpected.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &ListRoomsResponse{Rooms: rooms})
}

func (srv *Server) issueCredential(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req CredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tok, err := srv.svc.IssueCredential(req.ClientID)
	switch {
	case errors.Is(err, credential.ErrMissingClientID):
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		srv.logger.Error().Err(err).Msg("credential issue failed")
		writeJSON(w, http.StatusInternalServerError, &ErrorResponse{Error: ErrUnexpected.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &tok)
}

// decodeBody unmarshals an optional JSON body. Empty bodies are accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err = json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
