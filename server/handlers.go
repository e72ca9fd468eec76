package server

import (
	"database/sql"
	"sync"
	"time"

	"github.com/Brisppy/twitch-archiver/config"
	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// maxOAuthStates caps the pending-state map so a flood of /auth/*/start
// requests cannot exhaust memory. New flows are refused past the cap.
const maxOAuthStates = 10000

// Handlers carries shared dependencies for all HTTP handlers.
type Handlers struct {
	db  *sql.DB
	cfg *config.Config
	hc  *twitchapi.HelixClient

	stateMu    sync.RWMutex
	stateStore map[string]time.Time
}

func NewHandlers(db *sql.DB, cfg *config.Config) *Handlers {
	return &Handlers{
		db:  db,
		cfg: cfg,
		hc: &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{
				ClientID:     cfg.TwitchClientID,
				ClientSecret: cfg.TwitchClientSecret,
			},
		},
		stateStore: make(map[string]time.Time),
	}
}

// addOAuthState records a pending state nonce with its expiry.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		now := time.Now()
		for s, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, s)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return
	}
	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state nonce. Returns false for
// unknown or expired states.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
