// Package webapi exposes the message pipeline over HTTP: message submission,
// login/logout, inbound messages, activity stats and the event journal.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courier-im/courier/app/store"
)

// Server is a web API server for the message pipeline.
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string       // version to show in app-info header
	ListenAddr string       // listen address
	Messages   MessageStore // message creation and inbound reads
	Users      UserStore    // login/logout and presence
	Stats      StatsReader  // rankings and per-user breakdowns
	Journal    JournalReader
	Dbg        bool // debug mode
}

// MessageStore is the message part of the pipeline used by the server.
type MessageStore interface {
	Create(ctx context.Context, msg store.Message) (int64, error)
	Inbound(ctx context.Context, username string) ([]store.Message, error)
}

// UserStore is the session/presence part of the pipeline used by the server.
type UserStore interface {
	Login(ctx context.Context, username string) error
	Logout(ctx context.Context, username string) error
	Online(ctx context.Context) ([]string, error)
}

// StatsReader is the stats part of the pipeline used by the server.
type StatsReader interface {
	TopSpammers(ctx context.Context) ([]store.RankEntry, error)
	TopChatters(ctx context.Context) ([]store.RankEntry, error)
	ForUser(ctx context.Context, username string) (store.UserStats, error)
}

// JournalReader reads the ordered event journal.
type JournalReader interface {
	Recent(ctx context.Context) ([]string, error)
}

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the server and accepts requests until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(middleware.Throttle(1000), middleware.Timeout(60*time.Second))
	router.Use(rest.AppInfo("courier", "courier-im", s.Version), rest.Ping)
	router.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	router = s.routes(router)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router, ReadTimeout: 5 * time.Second, WriteTimeout: 60 * time.Second}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

func (s *Server) routes(router *chi.Mux) *chi.Mux {
	router.Post("/message", s.createMessageHandler)
	router.Post("/login", s.sessionHandler(s.Users.Login, "logged in"))
	router.Post("/logout", s.sessionHandler(s.Users.Logout, "logged out"))

	router.Get("/inbound-messages", s.inboundMessagesHandler)
	router.Get("/user-stats", s.userStatsHandler)
	router.Get("/spammer-stats", s.rankingHandler(s.Stats.TopSpammers, "spammers"))
	router.Get("/chatter-stats", s.rankingHandler(s.Stats.TopChatters, "chatters"))
	router.Get("/online-users", s.onlineUsersHandler)
	router.Get("/event-journal", s.eventJournalHandler)

	router.Handle("/metrics", promhttp.Handler())
	return router
}

// createMessageHandler handles POST /message. It accepts sender, recipient
// and content, enqueues the message for spam check and returns it with the
// assigned id. Delivery happens asynchronously.
func (s *Server) createMessageHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "can't decode request", err)
		return
	}
	if req.Sender == "" || req.Recipient == "" || req.Content == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		rest.RenderJSON(w, rest.JSON{"error": "missing field in request body"})
		return
	}

	id, err := s.Messages.Create(r.Context(), store.Message{Sender: req.Sender, Recipient: req.Recipient, Content: req.Content})
	if err != nil {
		s.sendError(w, errToStatus(err), "can't create message", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"id": id, "sender": req.Sender, "recipient": req.Recipient, "content": req.Content})
}

// sessionHandler makes a POST /login or /logout handler around the given
// session operation.
func (s *Server) sessionHandler(op func(ctx context.Context, username string) error, okMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := struct {
			Username string `json:"username"`
		}{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "can't decode request", err)
			return
		}
		if req.Username == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			rest.RenderJSON(w, rest.JSON{"error": "missing 'username' in request body"})
			return
		}
		if err := op(r.Context(), req.Username); err != nil {
			s.sendError(w, errToStatus(err), "session operation failed", err)
			return
		}
		rest.RenderJSON(w, rest.JSON{"status": okMsg, "username": req.Username})
	}
}

// inboundMessagesHandler handles GET /inbound-messages?username=<user>,
// returns delivered messages addressed to the user.
func (s *Server) inboundMessagesHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		rest.RenderJSON(w, rest.JSON{"error": "missing 'username' query parameter"})
		return
	}
	messages, err := s.Messages.Inbound(r.Context(), username)
	if err != nil {
		s.sendError(w, errToStatus(err), "can't get inbound messages", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"inbound_messages": messages})
}

// userStatsHandler handles GET /user-stats?username=<user>, returns the
// status breakdown of the user's outbound messages.
func (s *Server) userStatsHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		rest.RenderJSON(w, rest.JSON{"error": "missing 'username' query parameter"})
		return
	}
	stats, err := s.Stats.ForUser(r.Context(), username)
	if err != nil {
		s.sendError(w, errToStatus(err), "can't get user stats", err)
		return
	}
	rest.RenderJSON(w, stats)
}

// rankingHandler makes a GET handler returning one of the activity rankings
// in descending order.
func (s *Server) rankingHandler(top func(ctx context.Context) ([]store.RankEntry, error), field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := top(r.Context())
		if err != nil {
			s.sendError(w, errToStatus(err), "can't get "+field, err)
			return
		}
		rest.RenderJSON(w, rest.JSON{field: entries})
	}
}

// onlineUsersHandler handles GET /online-users.
func (s *Server) onlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.Online(r.Context())
	if err != nil {
		s.sendError(w, errToStatus(err), "can't get online users", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"online_users": users})
}

// eventJournalHandler handles GET /event-journal, most recent events first.
func (s *Server) eventJournalHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.Journal.Recent(r.Context())
	if err != nil {
		s.sendError(w, errToStatus(err), "can't get event journal", err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"events": events})
}

func (s *Server) sendError(w http.ResponseWriter, code int, msg string, err error) {
	log.Printf("[WARN] %s: %v", msg, err)
	w.WriteHeader(code)
	rest.RenderJSON(w, rest.JSON{"error": msg, "details": err.Error()})
}

// errToStatus translates domain errors to client-visible failure codes.
func errToStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyOnline), errors.Is(err, store.ErrNotOnline), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
