// ABOUTME: Entry point for the shardgate daemon and its operator commands
// ABOUTME: serve runs the cluster; init, gateway, health and shards inspect it

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/shardgate/internal/api"
	"github.com/2389/shardgate/internal/config"
	"github.com/2389/shardgate/internal/daemon"
)

// version is set at build time with -ldflags.
var version = "dev"

const banner = `
     _                   _             _
 ___| |__   __ _ _ __ __| | __ _  __ _| |_ ___
/ __| '_ \ / _' | '__/ _' |/ _' |/ _' | __/ _ \
\__ \ | | | (_| | | | (_| | (_| | (_| | ||  __/
|___/_| |_|\__,_|_|  \__,_|\__, |\__,_|\__\___|
                           |___/
`

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout, os.Args[2:])
	case "gateway":
		err = runGateway(ctx)
	case "health":
		err = runHealth(ctx)
	case "shards":
		err = runShards(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: shardgate <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Connect the shards and serve status endpoints")
	fmt.Fprintln(w, "  init [path]            Write an example config file")
	fmt.Fprintln(w, "  gateway                Print gateway url and session start limits")
	fmt.Fprintln(w, "  health                 Check daemon health")
	fmt.Fprintln(w, "  shards                 List shard status")
	fmt.Fprintln(w, "  version                Print the version")
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Shards:    %s\n", describeSharding(cfg.Sharding))
	green.Print("    ▶ ")
	fmt.Printf("Broker:    %s\n", cfg.Broker.Kind)
	green.Print("    ▶ ")
	fmt.Printf("Cache:     %s\n", cfg.Cache.Kind)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path == "" {
		yellow.Println("    ! sessions are not persisted (database.path is empty)")
	}
	fmt.Println()

	logger.Info("starting shardgate",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	return d.Run(ctx)
}

func describeSharding(s config.ShardingConfig) string {
	if s.ShardCount == 0 && s.TotalShardCount == 0 {
		return "auto"
	}
	count := "auto"
	if s.ShardCount > 0 {
		count = fmt.Sprintf("%d", s.ShardCount)
	}
	total := "auto"
	if s.TotalShardCount > 0 {
		total = fmt.Sprintf("%d", s.TotalShardCount)
	}
	return fmt.Sprintf("%s from %d of %s", count, s.StartingShard, total)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(w, level))
}

// runInit writes the example configuration. An existing file is only
// replaced after confirmation.
func runInit(in io.Reader, out io.Writer, args []string) error {
	path := config.DefaultPath()
	if len(args) > 0 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		answer := prompt(bufio.NewReader(in), out, "File exists. Overwrite?", "no")
		if a := strings.ToLower(answer); a != "yes" && a != "y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Example), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "Config written to %s\n", path)
	fmt.Fprintln(out, "\nSet SHARDGATE_TOKEN and start the daemon:")
	fmt.Fprintln(out, "  shardgate serve")
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// runGateway prints what the gateway-info endpoint reports for the token.
func runGateway(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	info, err := api.NewClient(cfg.Gateway.APIURL, cfg.Gateway.Token, nil).GatewayBot(ctx)
	if err != nil {
		return err
	}
	printGatewayInfo(os.Stdout, info)
	return nil
}

func printGatewayInfo(w io.Writer, info *api.GatewayInfo) {
	limit := info.SessionStartLimit
	fmt.Fprintf(w, "URL:                %s\n", info.URL)
	fmt.Fprintf(w, "Recommended shards: %d\n", info.Shards)
	fmt.Fprintf(w, "Session starts:     %d of %d remaining\n", limit.Remaining, limit.Total)
	fmt.Fprintf(w, "Resets in:          %s\n", limit.ResetIn().Round(time.Second))
	fmt.Fprintf(w, "Max concurrency:    %d\n", limit.MaxConcurrency)
}

// statusURL builds a URL on the daemon's HTTP address. A bare port means
// localhost.
func statusURL(addr, path string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := get(ctx, statusURL(cfg.Server.HTTPAddr, "/health"))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	resp, err = get(ctx, statusURL(cfg.Server.HTTPAddr, "/ready"))
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		color.Yellow("healthy, %s", body)
		return nil
	}
	color.Green("healthy, %s", body)
	return nil
}

func runShards(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := get(ctx, statusURL(cfg.Server.HTTPAddr, "/shards"))
	if err != nil {
		return fmt.Errorf("shards request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shards request failed: status %d", resp.StatusCode)
	}

	var st daemon.ClusterStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printShards(os.Stdout, st)
	return nil
}

func printShards(w io.Writer, st daemon.ClusterStatus) {
	user := "-"
	if st.User != nil {
		user = st.User.Username
	}
	fmt.Fprintf(w, "Instance: %s  User: %s  Shards: %d-%d of %d  Ping: %dms\n\n",
		st.InstanceID, user,
		st.StartingShard, st.StartingShard+st.ShardCount-1, st.TotalShardCount,
		st.PingMS)

	fmt.Fprintf(w, "%-6s %-14s %-8s %-10s %s\n", "SHARD", "STATUS", "PING", "SEQ", "PENDING")
	for _, s := range st.Shards {
		seq := "-"
		if s.Sequence != nil {
			seq = fmt.Sprintf("%d", *s.Sequence)
		}
		fmt.Fprintf(w, "%-6d %s %-8s %-10s %d\n",
			s.ID,
			statusColor(s.Status).Sprintf("%-14s", s.Status),
			fmt.Sprintf("%dms", s.PingMS),
			seq,
			s.PendingGuilds)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "ready":
		return color.New(color.FgGreen)
	case "idle":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
