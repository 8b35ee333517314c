// Command flowbrokerd is a minimal embedder around the flowbroker
// packages: it wires a Controller to a BuntStore-backed segment store,
// starts the cluster manager against any configured peers, and accepts
// framed connections on a TCP listener. The listener loop and flag
// parsing here are intentionally thin — both are explicitly out of scope
// for the broker itself (spec §1) and exist only so this binary runs.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowbroker/flowbroker/cluster"
	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/cmn/nlog"
	"github.com/flowbroker/flowbroker/conn"
	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/internal/metrics"
	"github.com/flowbroker/flowbroker/store"
)

var (
	listenAddr  string
	metricsAddr string
	dataDir     string
	localActor  uint
	clusterCSV  string
)

func init() {
	flag.StringVar(&listenAddr, "listen", ":9700", "client/peer TCP listen address")
	flag.StringVar(&metricsAddr, "metrics", ":9701", "Prometheus /metrics listen address")
	flag.StringVar(&dataDir, "data-dir", "./data", "directory for per-stream BuntStore segment files")
	flag.UintVar(&localActor, "actor", 1, "this instance's actor id")
	flag.StringVar(&clusterCSV, "cluster", "", "comma-separated peer addresses to dial")
}

func main() {
	flag.Parse()

	cfg := engine.Config{
		DataDir:          dataDir,
		DefaultNamespace: "default",
		MaxCachedEvents:  4096,
		MaxCacheMemory:   cos.Quantity{Amount: 64, Unit: cos.UnitMegabytes},
		LocalActor:       event.ActorID(localActor),
	}
	if clusterCSV != "" {
		cfg.ClusterAddresses = strings.Split(clusterCSV, ",")
	}

	ctrl := engine.NewController(cfg, buntStoreFactory(dataDir))

	reg := prometheus.NewRegistry()
	mset := metrics.New(reg)

	mgr := cluster.NewManager(ctrl, cfg.LocalActor, 0, tcpDialer)
	mgr.Metrics = mset

	ctx, cancel := context.WithCancel(context.Background())
	go installSignalHandler(cancel)

	if len(cfg.ClusterAddresses) > 0 {
		go mgr.Start(ctx, cfg.ClusterAddresses)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/cluster", func(w http.ResponseWriter, r *http.Request) {
			b, err := mgr.SnapshotJSON()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(b)
		})
		nlog.Warningf("metrics server exited: %v", http.ListenAndServe(metricsAddr, mux))
	}()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		nlog.Errorf("listen %s: %v", listenAddr, err)
		os.Exit(1)
	}
	nlog.Infof("flowbrokerd actor=%d listening on %s", cfg.LocalActor, listenAddr)

	go acceptLoop(ctx, ln, ctrl, mset, mgr)

	<-ctx.Done()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		nlog.Errorf("shutdown: %v", err)
	}
	_ = ln.Close()
}

func buntStoreFactory(dir string) engine.StoreFactory {
	return func(streamName string) (store.Store, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return store.OpenBuntStore(filepath.Join(dir, streamName+".bunt"))
	}
}

// acceptLoop feeds each accepted socket's framed reads into a
// conn.Connection. Decoding bytes off the wire and re-framing
// conn.Connection's Outbound channel back onto the socket is glue the
// embedder owns (spec §1: "the TCP listener loop... treated as a source
// of framed byte streams"); this is the thinnest version of that glue.
func acceptLoop(ctx context.Context, ln net.Listener, ctrl *engine.Controller, mset *metrics.Metrics, mgr *cluster.Manager) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			nlog.Warningf("accept: %v", err)
			continue
		}
		go serveConnection(ctrl, mset, mgr, nc)
	}
}

func serveConnection(ctrl *engine.Controller, mset *metrics.Metrics, mgr *cluster.Manager, nc net.Conn) {
	defer nc.Close()
	handler := conn.New(ctrl, ctrl.NextConnectionID())
	handler.Metrics = mset
	handler.PeerHost = mgr
	if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
		handler.RemoteHost = host
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range handler.Outbound {
			if err := writeFrame(nc, frame); err != nil {
				nlog.Warningf("conn %s: write: %v", handler.DiagID, err)
				return
			}
		}
	}()

	readFramedLoop(nc, handler)
	handler.Close()
	<-done
}

func installSignalHandler(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
