package msgsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/logging"
	"github.com/tehmaze/x84/internal/store"
)

// maxBody bounds a pushed token.
const maxBody = 16 << 20

// Server answers pulls and pushes from configured peers.
type Server struct {
	node  string
	tags  []string
	limit int
	peers map[string]config.Peer
	mb    *store.MessageBase
}

func NewServer(cfg config.MsgNet, mb *store.MessageBase) *Server {
	peers := make(map[string]config.Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.Name] = p
	}
	return &Server{node: cfg.Node, tags: cfg.Tags, limit: DefaultBatchLimit, peers: peers, mb: mb}
}

// Router mounts the message endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route(Path, func(r chi.Router) {
		r.Use(s.peerAuth)
		r.Get("/", s.pull)
		r.Post("/", s.push)
	})
	return r
}

type peerKey struct{}

func peerFrom(ctx context.Context) config.Peer {
	p, _ := ctx.Value(peerKey{}).(config.Peer)
	return p
}

// peerAuth requires ?node= to name a configured peer and the bearer token
// to be its secret.
func (s *Server) peerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.For("msgsync")
		name := r.URL.Query().Get("node")
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		peer, ok := s.peers[name]
		if !ok || token == "" || token == auth || peer.Secret == "" || !secretsEqual(token, peer.Secret) {
			logger.Warn().Str("peer", logging.Sanitize(name)).Str("remote", r.RemoteAddr).Msg("peer authentication failed")
			writeJSON(w, http.StatusUnauthorized, Response{Status: StatusAuthFailure})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), peerKey{}, peer)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// pull returns local messages after ?since=.
func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil || since < 0 {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusPartial, Error: "invalid since"})
		return
	}
	msgs, err := s.mb.Since(s.node, since, s.tags, s.limit)
	if err != nil {
		logger := logging.For("msgsync")
		logger.Error().Err(err).Msg("pull failed")
		writeJSON(w, http.StatusInternalServerError, Response{Status: StatusPartial, Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: StatusOK, Messages: msgs})
}

// push merges a sealed batch from the peer.
func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	logger := logging.For("msgsync")
	peer := peerFrom(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusPartial, Error: "read body"})
		return
	}
	batch, err := Unseal(peer.Secret, body)
	if errors.Is(err, ErrAuth) {
		writeJSON(w, http.StatusUnauthorized, Response{Status: StatusAuthFailure})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusPartial, Error: err.Error()})
		return
	}
	res, err := s.mb.Merge(batch.Messages)
	if err != nil {
		logger.Error().Err(err).Str("peer", peer.Name).Msg("merge failed")
		writeJSON(w, http.StatusInternalServerError, Response{Status: StatusPartial, Error: "merge failed"})
		return
	}
	status := StatusOK
	if len(res.Rejected) > 0 {
		status = StatusPartial
	}
	logger.Info().Str("peer", peer.Name).Int("accepted", len(res.Accepted)).Int("stored", len(res.Stored)).
		Int("rejected", len(res.Rejected)).Msg("push merged")
	writeJSON(w, http.StatusOK, Response{Status: status, Accepted: nonNil(res.Accepted), Rejected: nonNil(res.Rejected)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
