package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/hydradns/internal/cache"
	"github.com/jroosing/hydradns/internal/config"
	"github.com/jroosing/hydradns/internal/forward"
	"github.com/jroosing/hydradns/internal/hosts"
)

// Runner orchestrates the DNS server startup, configuration, and shutdown.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts the DNS server with the given configuration.
//
// Server lifecycle, per spec §6:
//  1. Build the cache, local hosts table, and forward engine from cfg
//  2. Bind UDP and TCP sockets on port 53 (v4 and v6); no DoT listener
//     on port 853 is opened
//  3. Drop privileges per cfg.Security, now that privileged ports are bound
//  4. Wait for shutdown signal (SIGINT/SIGTERM)
//  5. Gracefully stop servers with timeout
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := config.Validate(cfg); err != nil {
		return err
	}

	c := cache.New()

	var hostsTable *hosts.Table
	if len(cfg.Hosts.Entries) > 0 {
		var err error
		hostsTable, err = hosts.New(cfg.Hosts.Entries, cfg.DNS.SearchDomain)
		if err != nil {
			return fmt.Errorf("server: loading hosts table: %w", err)
		}
	}

	fwd := forward.New(c, r.logger)
	for _, ns := range cfg.DNS.Nameservers {
		for _, addr := range ns.Addrs {
			fwd.AddUpstream(forward.Upstream{
				Addr:       net.JoinHostPort(addr, ns.Proto.DefaultPort()),
				Proto:      toForwardProto(ns.Proto),
				ServerName: ns.Host,
			})
		}
	}

	dispatcher := &Dispatcher{Cache: c, Hosts: hostsTable, Forward: fwd, Logger: r.logger}

	limiter := NewRateLimiterFromEnv()
	addr := ":53"
	r.logStartup(cfg, addr)

	udpReady := make(chan struct{})
	tcpReady := make(chan struct{})
	udp := &UDPServer{Logger: r.logger, Dispatcher: dispatcher, Limiter: limiter, WorkersPerSocket: DefaultWorkersPerSocket, Ready: udpReady}
	tcp := &TCPServer{Logger: r.logger, Dispatcher: dispatcher, Ready: tcpReady}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.Run(ctx, addr) }()
	go func() { errCh <- tcp.Run(ctx, addr) }()

	select {
	case <-udpReady:
	case err := <-errCh:
		cancelRun()
		return err
	}
	select {
	case <-tcpReady:
	case err := <-errCh:
		cancelRun()
		return err
	}

	if err := dropPrivileges(cfg.Security); err != nil {
		cancelRun()
		return fmt.Errorf("server: dropping privileges: %w", err)
	}

	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	_ = tcp.Stop(stopTimeout)
	return nil
}

func toForwardProto(p config.Protocol) forward.Protocol {
	if p == config.ProtoTLS {
		return forward.ProtoDoT
	}
	return forward.ProtoPlain
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string) {
	if r.logger == nil {
		return
	}
	r.logger.Info(
		"dns listening",
		"addr", addr,
		"nameservers", len(cfg.DNS.Nameservers),
		"hosts_entries", len(cfg.Hosts.Entries),
		"search_domain", cfg.DNS.SearchDomain,
	)
}
