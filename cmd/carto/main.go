package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	carto "github.com/planel-net/Carto-Dev-sub001"
	"github.com/planel-net/Carto-Dev-sub001/config"
	"github.com/planel-net/Carto-Dev-sub001/httpbridge"
	"github.com/planel-net/Carto-Dev-sub001/sqlite"
	"github.com/planel-net/Carto-Dev-sub001/wsbridge"
)

const appName = "carto"

var (
	cfg config.Config

	rootCmd = &cobra.Command{
		Use:           appName,
		Short:         "Read and edit Carto tables through a host bridge",
		Long:          `carto talks to a Carto host over HTTP or websocket, caching table reads locally so they keep working while the host is unreachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
	}
)

func init() {
	loaded, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg = loaded

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.HostURL, "host", cfg.HostURL, "Host base URL")
	flags.StringVar((*string)(&cfg.Transport), "transport", string(cfg.Transport), "Boundary transport (http, ws)")
	flags.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "Durable cache database path")
	flags.StringVar(&cfg.AuthToken, "token", cfg.AuthToken, "Bearer token for the host")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Per-request timeout")
	flags.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(
		tablesCmd(),
		readCmd(),
		addCmd(),
		updateCmd(),
		deleteCmd(),
		searchCmd(),
		valuesCmd(),
		statsCmd(),
		copyCmd(),
		invalidateCmd(),
		notifyCmd(),
		statusCmd(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// client is one CLI invocation's session plus the durable tier it reads
// through, for status reporting.
type client struct {
	*carto.Session
	durable *carto.DurableCache
}

func openClient(ctx context.Context) (*client, error) {
	storage, err := sqlite.Open(cfg.CachePath, sqlite.WithMaxPages(cfg.CacheMaxPages))
	if err != nil {
		return nil, err
	}

	id := ulid.Make()
	transport := dial(ctx, id)
	durable := carto.NewDurableCache(storage,
		carto.WithFreshWindow(cfg.FreshWindow),
		carto.WithMaxAge(cfg.MaxAge),
	)
	session := carto.NewSession(
		carto.NewRequestChannel(transport, carto.WithRequestTimeout(cfg.RequestTimeout)),
		storage,
		carto.WithSessionID(id),
		carto.WithEphemeralCache(carto.NewEphemeralCache(carto.WithTTL(cfg.EphemeralTTL))),
		carto.WithDurableCache(durable),
		carto.WithCloser(transport),
		carto.WithCloser(storage),
	)
	return &client{Session: session, durable: durable}, nil
}

type closingTransport interface {
	carto.Transport
	Close() error
}

// dial connects to the host. A failed dial yields a transport that fails
// every post, so reads still fall back to the durable cache.
func dial(ctx context.Context, id ulid.ULID) closingTransport {
	var (
		transport closingTransport
		err       error
	)
	switch cfg.Transport {
	case config.TransportWebSocket:
		transport, err = dialWebSocket(ctx)
	default:
		transport, err = httpbridge.Dial(ctx, cfg.HostURL, streamName(id), httpbridge.WithToken(cfg.AuthToken))
	}
	if err != nil {
		glog.Warningf("host %s unreachable: %s", cfg.HostURL, err)
		return unreachable{err: err}
	}
	return transport
}

// streamName is the token's subject when a token is configured, since the
// host only opens the stream the token was issued for.
func streamName(id ulid.ULID) string {
	if cfg.AuthToken == "" {
		return id.String()
	}
	subject, err := httpbridge.TokenSubject(cfg.AuthToken)
	if err != nil {
		glog.Warningf("auth token: %s", err)
		return id.String()
	}
	return subject
}

func dialWebSocket(ctx context.Context) (*wsbridge.Conn, error) {
	u, err := url.Parse(cfg.HostURL)
	if err != nil {
		return nil, fmt.Errorf("host url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + wsbridge.Endpoint

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	return wsbridge.Dial(ctx, u.String(), header)
}

type unreachable struct {
	err error
}

func (u unreachable) Post(context.Context, []byte) error { return u.err }
func (u unreachable) Receive(func([]byte))              {}
func (u unreachable) Close() error                      { return nil }

// withClient runs fn against a fresh client and closes it afterwards.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client) error) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			glog.Warningf("close: %s", err)
		}
	}()
	return fn(ctx, c)
}
