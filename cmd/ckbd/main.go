package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/ordishs/gocore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/node"
	"github.com/chanhsu001/ckb/services/p2p"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

const progname = "ckbd"

// Version & commit strings injected at build with -ldflags -X...
var version string
var commit string

func init() {
	gocore.SetInfo(progname, version, commit)
}

func main() {
	app := &cli.App{
		Name:  progname,
		Usage: "proof-of-work chain node: block import, headers-first sync and compact relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "network",
				Usage: "chain network to join (mainnet, testnet, regtest)",
				Value: "mainnet",
			},
			&cli.StringFlag{
				Name:  "store-url",
				Usage: "chain store URL (memory:///, sqlite:///path/chain.db, postgres://...)",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "log level (debug, info, warn, error)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "prometheus-addr",
				Usage: "listen address for the /metrics endpoint",
			},
			&cli.StringFlag{
				Name:  "profiler-addr",
				Usage: "listen address for pprof",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := ulogger.New(progname, ulogger.WithLevel(c.String("loglevel")))

	tSettings := settings.NewSettings()

	params, err := chaincfg.GetChainParams(c.String("network"))
	if err != nil {
		return err
	}
	tSettings.ChainCfgParams = params

	if storeURL := c.String("store-url"); storeURL != "" {
		u, err := url.Parse(storeURL)
		if err != nil {
			return fmt.Errorf("invalid store-url: %w", err)
		}
		tSettings.Chain.StoreURL = u
	}

	if profilerAddr := c.String("profiler-addr"); profilerAddr != "" {
		go func() {
			logger.Infof("starting profiler on http://%s/debug/pprof", profilerAddr)
			logger.Errorf("profiler stopped: %v", http.ListenAndServe(profilerAddr, nil))
		}()
	}

	if promAddr := c.String("prometheus-addr"); promAddr != "" {
		go func() {
			logger.Infof("starting prometheus endpoint on http://%s/metrics", promAddr)

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Errorf("prometheus endpoint stopped: %v", http.ListenAndServe(promAddr, mux))
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The peer transport is pluggable; without one configured the node runs
	// standalone on an in-process hub.
	hub := p2p.NewLoopbackHub()
	transport := hub.Join("local", 0, tSettings.P2P.MessageQueueLen)

	n, err := node.New(ctx, logger, tSettings, transport, nil)
	if err != nil {
		return err
	}

	n.Start(ctx)

	logger.Infof("%s running on %s, tip height %d", progname, params.Name, n.Chain().Tip().Height())

	<-ctx.Done()

	logger.Infof("shutting down")

	return n.Stop()
}
