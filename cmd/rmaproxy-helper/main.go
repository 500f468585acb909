// Command rmaproxy-helper is the dedicated helper process spec.md §1
// describes: one per reserved "extra" rank, hosting internal/helperloop's
// buffer-serving Store over a libp2p stream so user-process RMA operations
// keep making asynchronous progress without a poll loop in their own code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmxmxh/asp-go/internal/config"
	"github.com/nmxmxh/asp-go/internal/helperloop"
	"github.com/nmxmxh/asp-go/internal/metrics"
	"github.com/nmxmxh/asp-go/internal/runtime"
)

func main() {
	log := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("rmaproxy-helper: config", "error", err)
		os.Exit(1)
	}

	rank, err := strconv.Atoi(os.Getenv("ASP_RANK"))
	if err != nil {
		log.Error("rmaproxy-helper: ASP_RANK must be an integer", "error", err)
		os.Exit(1)
	}

	members, err := parsePeers(os.Getenv("ASP_PEERS"))
	if err != nil {
		log.Error("rmaproxy-helper: ASP_PEERS", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport, err := runtime.NewP2PTransport(ctx, rank, members, nil, log)
	if err != nil {
		log.Error("rmaproxy-helper: start transport", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	helperloop.Serve(transport, log)

	metrics.Register(prometheus.DefaultRegisterer)
	if addr := os.Getenv("ASP_METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("rmaproxy-helper: metrics server stopped", "error", err)
			}
		}()
	}

	log.Info("rmaproxy-helper: serving", "rank", rank, "size", transport.Size(), "helpers_per_node", cfg.HelpersPerNode)
	<-ctx.Done()
	log.Info("rmaproxy-helper: shutting down")
}

// parsePeers reads a comma-separated list of libp2p multiaddrs (each
// including a /p2p/<peer-id> suffix), indexed by position into the rank
// world this process belongs to.
func parsePeers(raw string) ([]peer.AddrInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("ASP_PEERS must list every rank's multiaddr")
	}
	parts := strings.Split(raw, ",")
	out := make([]peer.AddrInfo, len(parts))
	for i, p := range parts {
		addr, err := ma.NewMultiaddr(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		out[i] = *info
	}
	return out, nil
}
