// lobbyctl drives a multiplayer manager against a running sessiond and logs
// every event it produces. It is meant for poking at a directory by hand:
//
//	lobbyctl --url http://127.0.0.1:8080 --user alice --invite bob
//	lobbyctl --url http://127.0.0.1:8080 --user bob --handle <id>
//	lobbyctl --url http://127.0.0.1:8080 --user carol --find-match duel
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/jwtauth"
	"github.com/ggoodman/sessionsync-go/multiplayer"
	"github.com/ggoodman/sessionsync-go/transport/httptransport"
	"github.com/ggoodman/sessionsync-go/transport/wsnotify"
	"github.com/spf13/pflag"
)

const tokenTTL = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// The environment is optional; flags fill in what it lacks and NewManager
	// validates the result.
	cfg, _ := multiplayer.ConfigFromEnv()
	if cfg.LobbyTemplate == "" {
		cfg = multiplayer.DefaultConfig(cfg.SCID)
	}

	var (
		baseURL  string
		user     string
		secret   string
		audience string
		handle   string
		hopper   string
		invitees []string
		tick     time.Duration
		verbose  bool
		joinMode string
	)
	flagSet := pflag.NewFlagSet("lobbyctl", pflag.ContinueOnError)
	flagSet.StringVar(&baseURL, "url", "http://127.0.0.1:8080", "sessiond base URL")
	flagSet.StringVarP(&user, "user", "u", "", "local user id (required)")
	flagSet.StringVar(&secret, "secret", os.Getenv("SESSIOND_JWT_SECRET"), "HS256 secret shared with sessiond; empty sends the user header")
	flagSet.StringVar(&audience, "audience", "", "token audience")
	flagSet.StringVar(&cfg.SCID, "scid", cfg.SCID, "service configuration id")
	flagSet.StringVar(&cfg.LobbyTemplate, "lobby-template", cfg.LobbyTemplate, "lobby session template")
	flagSet.StringVar(&cfg.GameTemplate, "game-template", cfg.GameTemplate, "game session template")
	flagSet.DurationVar(&cfg.MatchTimeout, "match-timeout", cfg.MatchTimeout, "matchmaking timeout")
	flagSet.StringVar(&handle, "handle", "", "join the lobby behind this invite handle")
	flagSet.StringSliceVar(&invitees, "invite", nil, "users to invite once the lobby exists")
	flagSet.StringVar(&hopper, "find-match", "", "submit a matchmaking ticket to this hopper")
	flagSet.StringVar(&joinMode, "joinability", "", "lobby joinability (friends|invite-only|disable-in-game|closed)")
	flagSet.DurationVar(&tick, "tick", 100*time.Millisecond, "DoWork interval")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if user == "" {
		return errors.New("--user is required")
	}
	if cfg.SCID == "" {
		cfg.SCID = "default"
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		hopts []httptransport.Option
		wopts = []wsnotify.Option{wsnotify.WithLogger(log)}
	)
	hopts = append(hopts, httptransport.WithLogger(log))
	if secret != "" {
		ac := &jwtauth.Config{}
		if audience != "" {
			ac.Audiences = []string{audience}
		}
		issue := func(caller string) (string, error) {
			return jwtauth.IssueHMAC([]byte(secret), ac, caller, tokenTTL)
		}
		hopts = append(hopts, httptransport.WithTokenSource(httptransport.TokenFunc(func(ctx context.Context, caller string) (string, error) {
			return issue(caller)
		})))
		wopts = append(wopts, wsnotify.WithHeader(func(ctx context.Context) (http.Header, error) {
			tok, err := issue(user)
			if err != nil {
				return nil, err
			}
			return http.Header{"Authorization": {"Bearer " + tok}}, nil
		}))
	} else {
		wopts = append(wopts, wsnotify.WithHeader(func(ctx context.Context) (http.Header, error) {
			return http.Header{httptransport.UserHeader: {user}}, nil
		}))
	}

	client, err := httptransport.New(baseURL, hopts...)
	if err != nil {
		return err
	}
	notify, err := wsnotify.New(baseURL, wopts...)
	if err != nil {
		return err
	}
	m, err := multiplayer.NewManager(cfg, client, notify, multiplayer.WithLogger(log))
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if handle != "" {
		err = m.JoinLobby(ctx, handle, user, nil)
	} else {
		err = m.AddLocalUser(ctx, user, "")
	}
	if err != nil {
		return err
	}

	// Follow-up steps wait for the lobby to be committed.
	pending := true
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return leave(m, user, tick, log)
		case <-ticker.C:
		}
		for _, ev := range m.DoWork(ctx) {
			logEvent(log, ev)
		}
		if !pending || m.LobbySession() == nil || m.LobbySession().ETag == "" {
			continue
		}
		pending = false
		if err := followUp(ctx, m, user, invitees, hopper, joinMode); err != nil {
			log.Error("lobbyctl.step.fail", slog.String("err", err.Error()))
		}
	}
}

func followUp(ctx context.Context, m *multiplayer.Manager, user string, invitees []string, hopper, joinability string) error {
	if joinability != "" {
		j, err := parseJoinability(joinability)
		if err != nil {
			return err
		}
		if err := m.SetJoinability(ctx, j, nil); err != nil {
			return err
		}
	}
	if len(invitees) > 0 {
		if err := m.InviteUsers(ctx, user, invitees, nil); err != nil {
			return err
		}
	}
	if hopper != "" {
		if err := m.FindMatch(ctx, hopper, nil, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func parseJoinability(v string) (multiplayer.Joinability, error) {
	switch v {
	case "friends":
		return multiplayer.JoinableByFriends, nil
	case "invite-only":
		return multiplayer.InviteOnly, nil
	case "disable-in-game":
		return multiplayer.DisableWhileGameInProgress, nil
	case "closed":
		return multiplayer.Closed, nil
	}
	return 0, fmt.Errorf("unknown joinability %q", v)
}

// leave removes the local user and pumps DoWork until the removal lands or
// the grace period runs out.
func leave(m *multiplayer.Manager, user string, tick time.Duration, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.RemoveLocalUser(ctx, user); err != nil {
		return err
	}
	for ctx.Err() == nil {
		for _, ev := range m.DoWork(ctx) {
			logEvent(log, ev)
			if ev.Kind == multiplayer.EventUserRemoved {
				return ev.Err
			}
		}
		time.Sleep(tick)
	}
	return ctx.Err()
}

func logEvent(log *slog.Logger, ev multiplayer.Event) {
	attrs := []any{slog.String("kind", ev.Kind.String()), slog.String("role", ev.Role.String())}
	if ev.FromLocalWrite {
		attrs = append(attrs, slog.Bool("local", true))
	}
	switch p := ev.Payload.(type) {
	case multiplayer.UserChanged:
		attrs = append(attrs, slog.String("user", p.UserID))
	case multiplayer.MemberJoined:
		attrs = append(attrs, slog.Int("count", len(p.Members)))
	case multiplayer.MemberLeft:
		attrs = append(attrs, slog.Int("count", len(p.Members)))
	case multiplayer.InviteSent:
		for invitee, id := range p.Handles {
			attrs = append(attrs, slog.String("handle."+invitee, id))
		}
	case multiplayer.FindMatchCompleted:
		attrs = append(attrs, slog.String("status", p.Status.String()))
		if p.TargetSession != nil {
			attrs = append(attrs, slog.String("target", p.TargetSession.String()))
		}
	case multiplayer.WriteCompleted:
		attrs = append(attrs, slog.String("status", p.Status.String()))
	case multiplayer.Disconnected:
		attrs = append(attrs, slog.String("ref", p.Ref.String()))
	}
	if ev.Err != nil {
		log.Warn("lobbyctl.event", append(attrs, slog.String("err", ev.Err.Error()))...)
		return
	}
	log.Info("lobbyctl.event", attrs...)
}
