// Package main is a diagnostic CLI for the realtime client: it opens one
// session against the realtime endpoint, mirrors inbound frames to the log,
// and serves local diagnostics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/valsssa/TutorHub-sub007/internal/model"
	"github.com/valsssa/TutorHub-sub007/internal/protocol"
	"github.com/valsssa/TutorHub-sub007/internal/session"
	"github.com/valsssa/TutorHub-sub007/internal/thread"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := os.Getenv("REALTIME_URL")
	if wsURL == "" {
		log.Fatal("REALTIME_URL environment variable is not set")
	}

	userID := envInt64("USER_ID")
	peerID := envInt64("PEER_ID")

	sess := session.New(session.Options{
		URL:         wsURL,
		Store:       session.EnvStore{Key: "REALTIME_TOKEN"},
		AutoConnect: true,
		Logger:      logger,
	})
	defer sess.Close()

	conv := thread.New(thread.Options{
		UserID: userID,
		PeerID: peerID,
		Sender: sess,
		Logger: logger,
	})
	defer conv.Close()

	unsubMsg := sess.OnMessage(func(frame protocol.Frame) {
		conv.Apply(frame)
		logger.Info("frame", "type", frame.FrameType())
	})
	defer unsubMsg()

	unsubConn := sess.OnConnectionChange(func(d model.ConnectionDetails) {
		logger.Info("connection",
			"state", d.State,
			"attempts", d.ReconnectAttempts,
			"queued", d.QueuedMessages,
			"online", d.Online)
	})
	defer unsubConn()

	unsubErr := sess.OnError(func(err error) {
		logger.Warn("transport error", "error", err)
	})
	defer unsubErr()

	// Local diagnostics endpoint.
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	r := chi.NewRouter()
	r.Get("/debug/realtime", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"details": sess.Details(),
			"stats":   sess.Stats(),
			"typing":  conv.TypingUsers(),
		})
	})
	r.Post("/debug/reconnect", func(w http.ResponseWriter, _ *http.Request) {
		if err := sess.Reconnect(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{
		Addr:              "127.0.0.1:" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		log.Printf("Diagnostics at 127.0.0.1:%s/debug/realtime", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutdown signal received; shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Println(err)
	}
	sess.Disconnect()

	log.Println("Stopped")
}

func envInt64(key string) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
