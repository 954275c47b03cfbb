package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/relay"
	"github.com/agentworkforce/relaysync/internal/restapi"
	"github.com/agentworkforce/relaysync/internal/transport"
)

type Config struct {
	BaseURL   string `env:"RELAYSYNC_BASE_URL" envDefault:"http://127.0.0.1:8090"`
	PushURL   string `env:"RELAYSYNC_PUSH_URL"`
	Identity  string `env:"RELAYSYNC_IDENTITY"`
	Token     string `env:"RELAYSYNC_TOKEN"`
	TokenFile string `env:"RELAYSYNC_TOKEN_FILE"`
	// DevSecret mints a local token when none is given.
	DevSecret       string        `env:"RELAYSYNC_DEV_JWT_SECRET"`
	Rooms           string        `env:"RELAYSYNC_ROOMS" envDefault:"general"`
	PageSize        int           `env:"RELAYSYNC_PAGE_SIZE" envDefault:"30"`
	RefreshInterval time.Duration `env:"RELAYSYNC_REFRESH_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"warn"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"console"`
}

func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "relay REST base URL")
	fs.StringVar(&cfg.PushURL, "push-url", cfg.PushURL, "relay websocket URL (derived from base-url when empty)")
	fs.StringVar(&cfg.Identity, "identity", cfg.Identity, "identity to sign in as")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "file holding the bearer token; watched for rotation")
	fs.StringVar(&cfg.DevSecret, "dev-secret", cfg.DevSecret, "mint a development token with this secret")
	fs.StringVar(&cfg.Rooms, "rooms", cfg.Rooms, "comma separated rooms to join")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "records per page")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "notification auto refresh interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Identity = strings.TrimSpace(cfg.Identity)
	if cfg.Identity == "" {
		return Config{}, errors.New("identity is required (--identity or RELAYSYNC_IDENTITY)")
	}
	if len(roomList(cfg.Rooms)) == 0 {
		return Config{}, errors.New("at least one room is required")
	}
	return cfg, nil
}

func roomList(raw string) []string {
	var rooms []string
	seen := map[string]bool{}
	for _, room := range strings.Split(raw, ",") {
		room = strings.TrimSpace(room)
		if room != "" && !seen[room] {
			seen[room] = true
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// pushURL derives the websocket endpoint from the REST base URL.
func pushURL(cfg Config) (string, error) {
	if raw := strings.TrimSpace(cfg.PushURL); raw != "" {
		return raw, nil
	}
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/connect"
	return u.String(), nil
}

// resolveToken picks the credential: an explicit token, then the token
// file, then a development token minted locally.
func resolveToken(cfg Config, now time.Time) (string, error) {
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return token, nil
	}
	if cfg.TokenFile != "" {
		token, err := readToken(cfg.TokenFile)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}
	if cfg.DevSecret != "" {
		return relay.IssueToken(cfg.DevSecret, relay.Claims{
			IdentityID: cfg.Identity,
			Name:       cfg.Identity,
			Scopes:     relay.DefaultScopes,
		}, now, 12*time.Hour)
	}
	return "", errors.New("no credentials: set --token, --token-file or --dev-secret")
}

func main() {
	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("relaysync-tail failed")
	}
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger, in io.Reader, out io.Writer) error {
	token, err := resolveToken(cfg, time.Now())
	if err != nil {
		return err
	}
	endpoint, err := pushURL(cfg)
	if err != nil {
		return err
	}
	validator, err := transport.NewEnvelopeValidator()
	if err != nil {
		return err
	}
	pool := transport.NewPool(transport.Options{
		Dialer:    transport.WebsocketDialer{ReadLimit: 1 << 20},
		Logger:    &logger,
		Validator: validator,
		Jitter:    0.2,
	})
	defer pool.Close()
	manager, err := pool.Get("relay", endpoint)
	if err != nil {
		return err
	}
	api := restapi.NewHTTPClient(cfg.BaseURL, token, nil).WithLogger(logger)

	s, err := newSession(sessionOptions{
		Identity:  cfg.Identity,
		Rooms:     roomList(cfg.Rooms),
		PageSize:  cfg.PageSize,
		API:       api,
		Transport: manager,
		Logger:    &logger,
		Out:       out,
	})
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn := manager.Connect(ctx, endpoint, token, map[string]string{
		"roomId":     strings.Join(s.roomOrder, ","),
		"identityId": cfg.Identity,
	})
	if conn.LastError != nil {
		s.printf("! connect: %v (retrying in the background)", conn.LastError)
	}
	s.initialFetch(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.TokenFile != "" {
		g.Go(func() error {
			return watchTokenFile(gctx, cfg.TokenFile, logger, func(token string) {
				api.SetToken(token)
				manager.UpdateCredentials(token)
				manager.Reconnect(gctx)
				s.printf("* credentials rotated")
			})
		})
	}
	g.Go(func() error {
		return s.autoRefresh(gctx, cfg.RefreshInterval)
	})
	g.Go(func() error {
		err := s.readCommands(gctx, in)
		cancel()
		return err
	})
	return g.Wait()
}
