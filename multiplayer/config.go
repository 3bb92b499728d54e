package multiplayer

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config for a Manager. Defaults can be loaded via envdecode.
type Config struct {
	// SCID scopes every session the manager creates. ENV: SESSIONSYNC_SCID
	SCID string `env:"SESSIONSYNC_SCID"`
	// LobbyTemplate names the template of lobby sessions. ENV: SESSIONSYNC_LOBBY_TEMPLATE
	LobbyTemplate string `env:"SESSIONSYNC_LOBBY_TEMPLATE,default=lobby"`
	// GameTemplate names the template of games created by JoinGameFromLobby. ENV: SESSIONSYNC_GAME_TEMPLATE
	GameTemplate string `env:"SESSIONSYNC_GAME_TEMPLATE,default=game"`
	// MatchPollInterval is how often DoWork re-reads the lobby while a
	// matchmaking ticket is outstanding. ENV: SESSIONSYNC_MATCH_POLL_INTERVAL
	MatchPollInterval time.Duration `env:"SESSIONSYNC_MATCH_POLL_INTERVAL,default=5s"`
	// MatchTimeout is used by FindMatch when the caller passes no timeout. ENV: SESSIONSYNC_MATCH_TIMEOUT
	MatchTimeout time.Duration `env:"SESSIONSYNC_MATCH_TIMEOUT,default=2m"`
	// WriteTimeout bounds a single write round-trip. ENV: SESSIONSYNC_WRITE_TIMEOUT
	WriteTimeout time.Duration `env:"SESSIONSYNC_WRITE_TIMEOUT,default=30s"`
	// LobbyMaxMembers, when positive, is sent as the lobby's member cap on
	// creation. ENV: SESSIONSYNC_LOBBY_MAX_MEMBERS
	LobbyMaxMembers int `env:"SESSIONSYNC_LOBBY_MAX_MEMBERS,default=0"`
}

// DefaultConfig returns the defaults envdecode would apply.
func DefaultConfig(scid string) Config {
	return Config{
		SCID:              scid,
		LobbyTemplate:     "lobby",
		GameTemplate:      "game",
		MatchPollInterval: 5 * time.Second,
		MatchTimeout:      2 * time.Minute,
		WriteTimeout:      30 * time.Second,
	}
}

// ConfigFromEnv loads a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode multiplayer config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.SCID == "" {
		return errors.New("multiplayer: SCID is required")
	}
	if c.LobbyTemplate == "" || c.GameTemplate == "" {
		return errors.New("multiplayer: lobby and game templates are required")
	}
	if c.MatchPollInterval <= 0 {
		c.MatchPollInterval = 5 * time.Second
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 2 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return nil
}
