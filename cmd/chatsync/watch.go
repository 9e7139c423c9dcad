package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/teamroster/chatsync"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// Health / metrics surface
// ============================================================================

// requestLogger logs each request to the metrics surface.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

type healthStatus struct {
	Connected bool  `json:"connected"`
	Room      int64 `json:"room"`
	Messages  int   `json:"messages"`
	Unread    int   `json:"unread"`
}

// newWatchRouter exposes the engine's health and the process metrics.
func newWatchRouter(logger zerolog.Logger, eng *chatsync.Engine) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Connected: eng.Connected(),
			Room:      eng.OpenRoomID(),
			Messages:  len(eng.Messages()),
			Unread:    eng.TotalUnread(),
		}
		w.Header().Set("Content-Type", "application/json")
		if !status.Connected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <roomId>",
	Short: "Open a room and print its messages live",
	Long:  "Run the full sync engine on one room: backfill, live messages, typing and presence, until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		eng, cfg, err := newEngine()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var mu sync.Mutex
		printed := make(map[int64]bool)
		eng.On(chatsync.EventMessagesUpdated, func(_ string, payload any) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range payload.([]chatsync.ChatMessage) {
				if !printed[m.ID] {
					printed[m.ID] = true
					fmt.Println(formatMessage(m))
				}
			}
		})
		eng.On(chatsync.EventTyping, func(_ string, payload any) {
			env := payload.(chatsync.Envelope)
			if env.IsTyping != nil && *env.IsTyping && string(env.SenderID) != cfg.Auth.UserID {
				fmt.Printf("  %s is typing...\n", env.SenderName)
			}
		})
		eng.On(chatsync.EventPresence, func(_ string, payload any) {
			env := payload.(chatsync.Envelope)
			verb := "joined"
			if env.Type == chatsync.EnvelopeLeave {
				verb = "left"
			}
			fmt.Printf("  %s %s the room\n", env.SenderName, verb)
		})
		eng.On(chatsync.EventConnectionChanged, func(_ string, payload any) {
			logger.Info().Str("state", string(payload.(chatsync.ConnState))).Msg("gateway state changed")
		})
		eng.On(chatsync.EventDirectoryUpdated, func(_ string, payload any) {
			logger.Debug().Int("rooms", len(payload.([]chatsync.ChatRoom))).Int("unread", eng.TotalUnread()).Msg("directory updated")
		})

		eng.Start(ctx)
		defer eng.Stop()

		if err := eng.OpenRoom(ctx, roomID); err != nil {
			return fmt.Errorf("open room: %w", err)
		}

		var srv *http.Server
		if watchMetricsAddr != "" {
			srv = &http.Server{
				Addr:         watchMetricsAddr,
				Handler:      newWatchRouter(logger, eng),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
			go func() {
				logger.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
		}

		<-ctx.Done()
		logger.Info().Msg("shutting down")

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		return nil
	},
}
