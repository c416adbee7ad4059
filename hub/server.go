// Package hub assembles the TeleMux server: the notification and
// webhook listeners, the two SQLite stores, the SSH execution stack,
// and the background loops.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/telemux/telemux/internal/hub/breaker"
	"github.com/telemux/telemux/internal/hub/chat"
	"github.com/telemux/telemux/internal/hub/cmdrouter"
	"github.com/telemux/telemux/internal/hub/config"
	"github.com/telemux/telemux/internal/hub/dlq"
	"github.com/telemux/telemux/internal/hub/notifier"
	"github.com/telemux/telemux/internal/hub/recovery"
	"github.com/telemux/telemux/internal/hub/retry"
	"github.com/telemux/telemux/internal/hub/serverreg"
	"github.com/telemux/telemux/internal/hub/sessionreg"
	"github.com/telemux/telemux/internal/hub/sshexec"
	"github.com/telemux/telemux/internal/logging"
	"github.com/telemux/telemux/internal/metrics"
)

// ServerConfig holds construction options for a hub server.
type ServerConfig struct {
	Config *config.Config
	// Sender overrides the Telegram transport.
	// Used for dependency injection in tests.
	Sender chat.Sender
}

// Server is a fully wired hub. Call Serve to start listening.
type Server struct {
	cfg      *config.Config
	sessions *sessionreg.Registry
	queue    *dlq.Queue // nil when the DLQ is disabled
	servers  *serverreg.Registry
	executor *sshexec.Executor
	recovery *recovery.Manager
	dlqLoop  *dlq.Retrier // nil when the DLQ is disabled

	notifySrv  *http.Server
	webhookSrv *http.Server
}

// NewServer opens both stores and wires every component. The chat
// transport defaults to Telegram built from the configuration.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sessions, err := sessionreg.Open(cfg.SessionsDBPath())
	if err != nil {
		return nil, fmt.Errorf("open session registry: %w", err)
	}

	var queue *dlq.Queue
	if cfg.DLQ.Enabled {
		queue, err = dlq.Open(cfg.DLQPath(), dlq.Config{MaxAttempts: cfg.DLQ.MaxAttempts})
		if err != nil {
			_ = sessions.Close()
			return nil, fmt.Errorf("open dead letter queue: %w", err)
		}
	}

	sender := sc.Sender
	if sender == nil {
		telegram, err := chat.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			_ = sessions.Close()
			if queue != nil {
				_ = queue.Close()
			}
			return nil, fmt.Errorf("telegram transport: %w", err)
		}
		sender = telegram
	}

	servers := serverreg.New(cfg)
	retrier := retry.New()
	breakers := breaker.NewGroup(breaker.DefaultConfig())
	pool := sshexec.NewPool(cfg.SSH)
	executor := sshexec.NewExecutor(cfg.SSH, servers, pool, retrier, breakers)

	ntf := notifier.New(servers, sessions, sender, retrier, queue, cfg.Telegram.ChatID)
	router := cmdrouter.New(sessions, executor, sender,
		cfg.Telegram.WebhookSecret, cfg.Telegram.ChatID, cfg.Telegram.AllowedChatIDs)
	recoverer := recovery.New(sessions, servers, executor, cfg.Recovery)

	var dlqLoop *dlq.Retrier
	if queue != nil {
		dlqLoop = dlq.NewRetrier(queue, ntf.Redeliver, cfg.DLQ.RetryInterval, cfg.DLQ.BatchSize)
	}

	notifyMux := http.NewServeMux()
	notifyMux.HandleFunc("POST /notify", ntf.HandleNotify)
	notifyMux.HandleFunc("GET /health", ntf.HandleHealth)
	notifyMux.HandleFunc("GET /sessions", ntf.HandleSessions)
	notifyMux.HandleFunc("GET /dlq/stats", ntf.HandleDLQStats)
	notifyMux.Handle("/metrics", promhttp.Handler())

	webhookMux := http.NewServeMux()
	webhookMux.HandleFunc("POST /webhook", router.HandleWebhook)

	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		queue:      queue,
		servers:    servers,
		executor:   executor,
		recovery:   recoverer,
		dlqLoop:    dlqLoop,
		notifySrv:  newHTTPServer(notifyMux),
		webhookSrv: newHTTPServer(webhookMux),
	}, nil
}

// newHTTPServer wraps a mux with request logging, metrics, and h2c so
// HTTP/2 works over plaintext behind the reverse tunnel.
func newHTTPServer(mux *http.ServeMux) *http.Server {
	handler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Recovery exposes the recovery manager (used by diagnostics commands).
func (s *Server) Recovery() *recovery.Manager {
	return s.recovery
}

// Serve starts both listeners and the background loops, blocks until
// ctx is cancelled, then shuts down in order: drain HTTP, stop loops,
// close SSH connections, checkpoint and close both stores.
func (s *Server) Serve(ctx context.Context) error {
	notifyLn, err := net.Listen("tcp", s.cfg.Hub.NotifyAddr)
	if err != nil {
		s.closeStores()
		return fmt.Errorf("listen notify: %w", err)
	}
	webhookLn, err := net.Listen("tcp", s.cfg.Hub.WebhookAddr)
	if err != nil {
		_ = notifyLn.Close()
		s.closeStores()
		return fmt.Errorf("listen webhook: %w", err)
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	var loops sync.WaitGroup
	if s.dlqLoop != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.dlqLoop.Run(loopCtx)
		}()
	}
	loops.Add(1)
	go func() {
		defer loops.Done()
		s.recovery.Run(loopCtx)
	}()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")

		// 1. Drain in-flight HTTP requests on both listeners.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.notifySrv.Shutdown(shutdownCtx)
		_ = s.webhookSrv.Shutdown(shutdownCtx)

		// 2. Stop the DLQ and recovery loops.
		stopLoops()
		loops.Wait()

		close(shutdownDone)
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- s.notifySrv.Serve(notifyLn) }()
	go func() { errCh <- s.webhookSrv.Serve(webhookLn) }()

	slog.Info("hub listening",
		"notify_addr", s.cfg.Hub.NotifyAddr,
		"webhook_addr", s.cfg.Hub.WebhookAddr,
		"servers", s.servers.Count(),
		"dlq", s.queue != nil,
	)

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		stopLoops()
		loops.Wait()
		s.executor.Close()
		s.closeStores()
		return fmt.Errorf("serve: %w", err)
	}
	<-errCh
	<-shutdownDone

	// 3. Close pooled SSH connections.
	s.executor.Close()

	// 4. Checkpoint WAL and close both stores.
	s.closeStores()
	slog.Info("hub stopped")
	return nil
}

func (s *Server) closeStores() {
	if err := s.sessions.Close(); err != nil {
		slog.Warn("close session registry failed", "error", err)
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			slog.Warn("close dead letter queue failed", "error", err)
		}
	}
}
