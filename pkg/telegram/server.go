package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotsetgreg/bolagent/pkg/dispatch"
	"github.com/dotsetgreg/bolagent/pkg/logger"
)

// maxBodySize bounds webhook request bodies. Bot API updates are small;
// anything larger is not ours.
const maxBodySize = 1 << 20

// Server hosts the webhook endpoint plus status and health routes.
type Server struct {
	dispatcher *dispatch.Dispatcher
	agentName  string
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer builds the gateway server. agentName identifies the configured
// capability (its model name) on the status endpoint.
func NewServer(host string, port int, dispatcher *dispatch.Dispatcher, agentName string) *Server {
	s := &Server{
		dispatcher: dispatcher,
		agentName:  agentName,
		log:        logger.For("telegram.server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/telegram", s.handleWebhook)
	mux.HandleFunc("GET /telegram/webhook-status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("webhook server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleWebhook responds 200 to everything it accepted, including malformed
// payloads (Telegram retries on anything else), and 503 only while the
// dispatcher is still uninitialized so the delivery is retried later.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.log.Warn().Err(err).Msg("read webhook body")
		w.WriteHeader(http.StatusOK)
		return
	}

	delivery, err := ParseDelivery(body)
	if err != nil {
		if !errors.Is(err, ErrNoMessage) {
			s.log.Warn().Err(err).Msg("malformed webhook payload")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if outcome := s.dispatcher.HandleDelivery(r.Context(), delivery); outcome == dispatch.OutcomeUnavailable {
		http.Error(w, "initializing", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"state": s.dispatcher.State(),
		"agent": s.agentName,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
