package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/config"
	"github.com/10yihang/pwarelay/internal/logging"
	"github.com/10yihang/pwarelay/internal/metrics"
	"github.com/10yihang/pwarelay/internal/server"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		os.Exit(runCLI(os.Args[2:]))
	}

	fs := flag.NewFlagSet("pwarelay", flag.ExitOnError)
	cfg, err := config.ParseConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwarelay: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "pwarelay: %v\n", err)
		os.Exit(2)
	}
	metrics.InitInfo(version, runtime.Version(), cfg.CacheVersion)

	eng, err := server.OpenEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("engine", cfg.Engine).Msg("failed to open storage engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, eng, server.Options{})
	runErr := srv.Run(ctx)

	if err := eng.Close(); err != nil {
		log.Error().Err(err).Msg("error closing storage engine")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("relay stopped")
	}
}

// runCLI sends one command to the admin console and prints the raw reply.
func runCLI(args []string) int {
	fs := flag.NewFlagSet("pwarelay cli", flag.ExitOnError)
	host := fs.String("h", "127.0.0.1", "admin console host")
	port := fs.Int("p", 6380, "admin console port")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Println("Usage: pwarelay cli -h <host> -p <port> <command> [args...]")
		return 1
	}

	addr := net.JoinHostPort(*host, fmt.Sprint(*port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Printf("Error connecting to %s: %v\n", addr, err)
		return 1
	}
	defer conn.Close()

	var req strings.Builder
	req.WriteString(fmt.Sprintf("*%d\r\n", fs.NArg()))
	for _, arg := range fs.Args() {
		req.WriteString(fmt.Sprintf("$%d\r\n%s\r\n", len(arg), arg))
	}

	if _, err := conn.Write([]byte(req.String())); err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		return 1
	}

	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		fmt.Printf("Error reading response: %v\n", err)
		return 1
	}

	fmt.Print(string(buf[:n]))
	return 0
}
