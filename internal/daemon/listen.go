// ABOUTME: Listener setup for the status servers on TCP or a tailnet node
// ABOUTME: Tailscale mode serves gRPC on :50051 and HTTP on :80 of the tsnet node

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/shardgate/internal/config"
)

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (d *Daemon) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if d.config.Tailscale.Enabled {
		d.warnIgnoredAddresses()
		return d.setupTailscaleListeners(ctx)
	}
	return d.setupTCPListeners()
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (d *Daemon) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	d.logger.Info("starting status servers",
		"grpc_addr", d.config.Server.GRPCAddr,
		"http_addr", d.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", d.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", d.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (d *Daemon) warnIgnoredAddresses() {
	if d.config.Server.GRPCAddr != "" || d.config.Server.HTTPAddr != "" {
		d.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", d.config.Server.GRPCAddr,
			"http_addr", d.config.Server.HTTPAddr,
		)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DefaultDataDir(), "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and returns listeners on it.
func (d *Daemon) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := d.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	d.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	d.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := d.tsnetServer.Up(ctx)
	if err != nil {
		_ = d.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	d.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = d.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = d.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = d.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = d.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (d *Daemon) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		d.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	d.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
