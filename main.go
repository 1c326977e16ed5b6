package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relay/internal/dialer"
	"github.com/die-net/relay/internal/proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	listen             string
	debugListen        string
	upstream           string
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	idleTimeout        time.Duration
	drainTimeout       time.Duration
	bufferSize         int
	originPort         int
	proxyProtocol      bool
	reusePort          bool
	keepAlive          net.KeepAliveConfig
	verbose            bool
}

func parseFlags(args []string) (options, error) {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.SortFlags = false

	var (
		opts         options
		tcpKeepAlive string
	)
	fs.StringVar(&opts.listen, "listen", "0.0.0.0:9999", "HTTP proxy listen address")
	fs.StringVar(&opts.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /metrics and /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&opts.upstream, "upstream", defaultUpstream(), "How to reach targets: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.DurationVar(&opts.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&opts.negotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for the client's request line and for upstream proxy handshakes")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", 5*time.Minute, "Close a connection after this long with no bytes in either direction (0 disables)")
	fs.DurationVar(&opts.drainTimeout, "drain-timeout", 10*time.Second, "How long to let active connections finish on shutdown")
	fs.IntVar(&opts.bufferSize, "buffer-size", proxy.DefaultBufferSize, "Initial read size and per-direction relay buffer in bytes")
	fs.IntVar(&opts.originPort, "origin-port", 80, "Port plain HTTP requests are forwarded to")
	fs.BoolVar(&opts.proxyProtocol, "proxy-protocol", false, "Accept HAProxy PROXY protocol headers on client connections")
	fs.BoolVar(&opts.reusePort, "reuse-port", false, "Set SO_REUSEPORT on the listening socket")
	fs.StringVar(&tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable per-connection logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	ka, err := parseTCPKeepAlive(tcpKeepAlive)
	if err != nil {
		return options{}, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	opts.keepAlive = ka

	if opts.bufferSize <= 0 {
		return options{}, errors.New("invalid --buffer-size: must be > 0")
	}
	if opts.originPort <= 0 || opts.originPort > 65535 {
		return options{}, errors.New("invalid --origin-port: must be 1-65535")
	}

	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	up, err := dialer.New(dialer.Config{
		DialTimeout:        opts.dialTimeout,
		NegotiationTimeout: opts.negotiationTimeout,
		KeepAlive:          opts.keepAlive,
	}, opts.upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := proxy.ListenTCP(ctx, "tcp", opts.listen, proxy.ListenOptions{
		KeepAlive:          opts.keepAlive,
		ReusePort:          opts.reusePort,
		ProxyProtocol:      opts.proxyProtocol,
		ProxyHeaderTimeout: opts.negotiationTimeout,
	})
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: opts.negotiationTimeout,
		IdleTimeout:        opts.idleTimeout,
		BufferSize:         opts.bufferSize,
		OriginPort:         opts.originPort,
		Dialer:             up,
		Verbose:            opts.verbose,
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.debugListen != "" {
		cfg.Metrics, err = proxy.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("metrics: %w", err)
		}
		http.Handle("/metrics", promhttp.Handler())

		var lc net.ListenConfig
		debugLn, err := lc.Listen(ctx, "tcp", opts.debugListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("debug listen: %w", err)
		}
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		stopDebug := context.AfterFunc(gctx, func() {
			_ = debugSrv.Close()
		})
		defer stopDebug()

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", debugLn.Addr())
	}

	srv := proxy.NewHTTPProxyServer(context.Background(), cfg)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})
	log.Printf("http proxy listening on %s", ln.Addr())

	g.Go(func() error {
		<-gctx.Done()
		log.Print("shutting down")

		dctx, cancel := context.WithTimeout(context.Background(), opts.drainTimeout)
		defer cancel()
		if err := srv.Shutdown(dctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("http proxy shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	stop()
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
