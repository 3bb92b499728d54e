// sessiond serves a session directory over HTTP.
//
// Configuration comes from the environment (see config) and can be
// overridden with flags:
//
//	sessiond --addr 127.0.0.1:8080 --store redis --templates templates.yaml --jwt-secret dev
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

	"github.com/ggoodman/sessionsync-go/directory"
	"github.com/ggoodman/sessionsync-go/internal/jwtauth"
	"github.com/ggoodman/sessionsync-go/store"
	"github.com/ggoodman/sessionsync-go/store/memorystore"
	"github.com/ggoodman/sessionsync-go/store/redisstore"
	"github.com/ggoodman/sessionsync-go/transport/amqpnotify"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

type config struct {
	// Addr is the listen address. ENV: SESSIOND_ADDR
	Addr string `env:"SESSIOND_ADDR,default=127.0.0.1:8080"`
	// Store selects the backend: memory or redis. ENV: SESSIOND_STORE
	Store string `env:"SESSIOND_STORE,default=memory"`
	// Templates is the path of the YAML template catalog. ENV: SESSIOND_TEMPLATES
	Templates string `env:"SESSIOND_TEMPLATES"`
	// JWTSecret enables HS256 bearer tokens. ENV: SESSIOND_JWT_SECRET
	JWTSecret string `env:"SESSIOND_JWT_SECRET"`
	// JWKSURL enables RS256/ES256 bearer tokens verified against a JWKS. ENV: SESSIOND_JWKS_URL
	JWKSURL string `env:"SESSIOND_JWKS_URL"`
	// OIDCIssuer enables bearer tokens verified through OIDC discovery. ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// Audience is the expected token audience. ENV: SESSIOND_AUDIENCE
	Audience string `env:"SESSIOND_AUDIENCE"`
	// Realm is advertised in bearer challenges. ENV: SESSIOND_REALM
	Realm string `env:"SESSIOND_REALM,default=sessionsync"`
	// HandleTTL is how long invite handles stay resolvable. ENV: SESSIOND_HANDLE_TTL
	HandleTTL time.Duration `env:"SESSIOND_HANDLE_TTL,default=24h"`
	// AMQP fans notifications out to RabbitMQ (see amqpnotify.Config). ENV: SESSIOND_AMQP
	AMQP bool `env:"SESSIOND_AMQP,default=false"`
	// Verbose enables debug logs. ENV: SESSIOND_VERBOSE
	Verbose bool `env:"SESSIOND_VERBOSE,default=false"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}

	flagSet := pflag.NewFlagSet("sessiond", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flagSet.StringVar(&cfg.Store, "store", cfg.Store, "storage backend (memory|redis)")
	flagSet.StringVar(&cfg.Templates, "templates", cfg.Templates, "YAML template catalog, reloaded on change")
	flagSet.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for bearer tokens")
	flagSet.StringVar(&cfg.JWKSURL, "jwks-url", cfg.JWKSURL, "JWKS URL for bearer tokens")
	flagSet.StringVar(&cfg.OIDCIssuer, "oidc-issuer", cfg.OIDCIssuer, "OIDC issuer for bearer tokens")
	flagSet.StringVar(&cfg.Audience, "audience", cfg.Audience, "expected token audience")
	flagSet.StringVar(&cfg.Realm, "realm", cfg.Realm, "bearer challenge realm")
	flagSet.DurationVar(&cfg.HandleTTL, "handle-ttl", cfg.HandleTTL, "invite handle lifetime")
	flagSet.BoolVar(&cfg.AMQP, "amqp", cfg.AMQP, "publish notifications to RabbitMQ")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []directory.Option{directory.WithLogger(log)}
	if cfg.HandleTTL > 0 {
		opts = append(opts, directory.WithHandleTTL(cfg.HandleTTL))
	}
	if cfg.Templates != "" {
		tmpl, err := directory.LoadTemplates(cfg.Templates, log)
		if err != nil {
			return err
		}
		go func() {
			if err := tmpl.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("templates.watch.fail", slog.String("err", err.Error()))
			}
		}()
		opts = append(opts, directory.WithTemplates(tmpl))
	}
	if cfg.AMQP {
		bus, err := amqpnotify.NewFromEnv(amqpnotify.WithLogger(log))
		if err != nil {
			return err
		}
		defer bus.Close()
		opts = append(opts, directory.WithPublisher(bus))
	}
	svc := directory.New(st, opts...)

	hopts := []directory.HandlerOption{directory.WithRealm(cfg.Realm)}
	auth, err := authenticator(ctx, cfg)
	if err != nil {
		return err
	}
	if auth != nil {
		hopts = append(hopts, directory.WithAuthenticator(auth))
	}

	go func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("matchmaking.sweep.fail", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           directory.NewHandler(svc, hopts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("sessiond.listen", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("sessiond.shutdown")
	return srv.Shutdown(shutdownCtx)
}

func openStore(kind string) (store.Store, func(), error) {
	switch kind {
	case "memory", "":
		return memorystore.New(), func() {}, nil
	case "redis":
		st, err := redisstore.NewFromEnv()
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", kind)
}

func authenticator(ctx context.Context, cfg config) (jwtauth.Authenticator, error) {
	ac := jwtauth.DefaultConfig()
	ac.Issuer = cfg.OIDCIssuer
	if cfg.Audience != "" {
		ac.Audiences = []string{cfg.Audience}
	}
	switch {
	case cfg.JWTSecret != "":
		return jwtauth.NewHMAC([]byte(cfg.JWTSecret), ac)
	case cfg.JWKSURL != "":
		return jwtauth.NewStatic(ctx, ac, cfg.JWKSURL)
	case cfg.OIDCIssuer != "":
		return jwtauth.NewFromDiscovery(ctx, ac)
	}
	return nil, nil
}
