// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"shroud/internal/config"
	"shroud/internal/gateway"
	"shroud/internal/mse"
	"shroud/internal/pkg/global"
	"shroud/internal/pkg/random"
	"shroud/internal/version"
	"shroud/internal/web"
)

func main() {
	setupFlagsAndEnvParser()

	if viper.GetBool("version") {
		fmt.Println(version.Print())
		return
	}

	debug := viper.GetBool("debug")
	if debug {
		_, _ = fmt.Fprintln(os.Stderr, "enable debug mode")
	}

	if global.IsLinux {
		if _, err := maxprocs.Set(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to set GOMAXPROCS automatically.")
			_, _ = fmt.Fprintln(os.Stderr, "Consider to set env manually if you are running with cgroup.")
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	if target := viper.GetString("dial"); target != "" {
		setupLogger("", false)
		dial(target, mustParseConfig(""))
		return
	}

	sessionPath := mustGetSessionPath()

	createSessionDirectory(sessionPath)

	fileLock := mustLockSessionDirectory(filepath.Join(sessionPath, ".lock"))
	// We do not actually need to unlock it, when process dead, OS will unlock it automatically.
	// But we need to keep a reference to lock object GC won't close underlying file.
	// If fd is closed, OS will unlock this lock.
	defer fileLock.Unlock()

	setupLogger(sessionPath, viper.GetBool("log-save-to-file"))

	cfg := mustParseConfig(sessionPath)

	address := viper.GetString("web")
	webToken := viper.GetString("web-secret-token")

	if webToken == "" {
		webToken = random.URLSafeStr(32)
		_, _ = fmt.Fprintf(os.Stderr, "web secret token is empty, generating new token: %s\n", webToken)
	}

	hashes, err := cfg.App.InfoHashList()
	if err != nil {
		errExit("failed to parse info hashes", err)
	}

	g, err := gateway.New(cfg.App, mse.NewKeyRing(hashes...), nil)
	if err != nil {
		errExit("failed to create gateway", err)
	}

	if e := g.Start(); e != nil {
		errExit("failed to listen on p2p port", e)
	}

	server := &http.Server{
		Addr:              address,
		Handler:           web.New(g, webToken, debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		fmt.Println("start", "http://"+address)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		fmt.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return errors.Join(server.Shutdown(shutdownCtx), g.Shutdown())
	})

	if err := eg.Wait(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}
}

// dial runs one outgoing handshake and prints what was negotiated.
func dial(target string, cfg config.Config) {
	addr, err := netip.ParseAddrPort(target)
	if err != nil {
		errExit("invalid --dial address, expecting ip:port", err)
	}

	hashes, err := cfg.App.InfoHashList()
	if err != nil {
		errExit("failed to parse info hashes", err)
	}

	if len(hashes) == 0 {
		errExit("--dial requires --info-hash")
	}

	g, err := gateway.New(cfg.App, nil, func(p *gateway.Peer) {})
	if err != nil {
		errExit("failed to create gateway", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.App.HandshakeTimeout)+10*time.Second)
	defer cancel()

	start := time.Now()
	p, err := g.Dial(ctx, addr, hashes[0])
	if err != nil {
		color.Red("handshake with %s failed: %v", addr, err)
		os.Exit(1)
	}

	elapsed := time.Since(start)
	info := p.Info()

	color.Green("connected to %s", info.Address)
	fmt.Printf("  method:    %s\n", color.CyanString(info.Method))
	fmt.Printf("  client:    %s\n", lo.Ternary(info.Client == "", "unknown", info.Client))
	fmt.Printf("  info hash: %s\n", info.InfoHash)
	fmt.Printf("  took:      %s (%s)\n", elapsed.Round(time.Millisecond), humanize.Time(start))

	_ = p.Close()
	_ = g.Shutdown()
}

func setupFlagsAndEnvParser() {
	pflag.String("session-path", "", "client session path (default ~/.shroud/)")
	pflag.String("config-file", "", "path to config file (default {session-path}/config.toml)")

	pflag.String("web", "127.0.0.1:8002", "web interface address")
	pflag.String("web-secret-token", "", "web interface address secret token")
	pflag.Uint16("p2p-port", 50047, "p2p listen port")
	pflag.String("crypto", "", "crypto policy: disable, prefer-not, prefer, force or force-full")
	pflag.StringSlice("info-hash", nil, "info hash to serve (or to dial with --dial), can be repeated")
	pflag.String("dial", "", "connect to ip:port, run one handshake and exit")

	pflag.Bool("log-json", false, "log as json format")
	pflag.String("log-level", lo.Ternary(global.Dev, "debug", "error"), "log level")
	pflag.Bool("log-save-to-file", true, "also write log to {session-path}/logs/app.log")

	pflag.Bool("debug", false, "enable debug mode")
	pflag.Bool("version", false, "print version and exit")

	// this avoids 'pflag: help requested' error when calling for help message.
	if slices.Contains(os.Args[1:], "--help") || slices.Contains(os.Args[1:], "-h") {
		pflag.Usage()
		_, _ = fmt.Fprintln(os.Stderr, "\nNote: command arguments will override config file, but won't change config file.")
		os.Exit(0)
		return
	}

	pflag.Parse()

	viper.SetEnvPrefix("SHROUD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	lo.Must0(viper.BindPFlags(pflag.CommandLine), "failed to parse combine argument with env")
}

func defaultSessionPath() string {
	h, err := os.UserHomeDir()
	if err != nil {
		errExit("failed to get home directory, please set session path with --session-path manually", err)
	}

	return filepath.Join(h, ".shroud")
}

func errExit(msg ...any) {
	_, _ = fmt.Fprintln(os.Stderr, msg...)
	os.Exit(1)
}

func createSessionDirectory(sessionPath string) {
	err := os.MkdirAll(filepath.Join(sessionPath, "logs"), os.ModePerm)
	if err != nil {
		errExit("fail to create directory for session", err)
	}
}

func mustGetSessionPath() string {
	sessionPath := viper.GetString("session-path")

	if sessionPath == "" {
		sessionPath = defaultSessionPath()
	} else {
		if strings.HasPrefix(sessionPath, "~/") || strings.HasPrefix(sessionPath, `~\`) {
			h, err := os.UserHomeDir()
			if err != nil {
				errExit("failed to get home directory, please set session path with --session-path manually", err)
			}

			sessionPath = strings.Replace(sessionPath, "~", h, 1)
		}
	}

	return sessionPath
}

func mustLockSessionDirectory(lockPath string) *flock.Flock {
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		errExit("can't acquire lock:", err)
		return nil
	}
	if !locked {
		_, _ = fmt.Fprintln(os.Stderr, "can't acquire lock, maybe another process is running")
		_, _ = fmt.Fprintf(os.Stderr, "try remove %q if no other shroud instance is running\n", lockPath)
		os.Exit(1)
		return nil
	}

	return fileLock
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}

	errExit(fmt.Sprintf("unknown log level %q, only trace/debug/info/warn/error is allowed", s))

	return zerolog.NoLevel
}

func setupLogger(sessionPath string, saveLogFile bool) {
	jsonLog := viper.GetBool("log-json")
	logLevel := parseLogLevel(viper.GetString("log-level"))

	var w io.Writer = os.Stdout

	if !jsonLog {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	if saveLogFile {
		rotation := &lumberjack.Logger{
			Filename:   filepath.Join(sessionPath, "logs", "app.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, //days
		}
		w = zerolog.MultiLevelWriter(rotation, w)
	}

	log.Logger = log.Output(w).Level(logLevel)
}

// mustParseConfig loads config file from session path, command line overrides it.
// An empty session path means no config file.
func mustParseConfig(sessionPath string) config.Config {
	cfg := config.Default()

	configFilePath := viper.GetString("config-file")
	if configFilePath == "" && sessionPath != "" {
		configFilePath = filepath.Join(sessionPath, "config.toml")
	}

	if configFilePath != "" {
		var err error
		cfg, err = config.LoadFromFile(configFilePath)
		if err != nil {
			errExit("failed to load config", err)
		}
	}

	if viper.IsSet("p2p-port") {
		cfg.App.P2PPort = viper.GetUint16("p2p-port")
	}

	if crypto := viper.GetString("crypto"); crypto != "" {
		cfg.App.Crypto = crypto
	}

	cfg.App.InfoHashes = append(cfg.App.InfoHashes, viper.GetStringSlice("info-hash")...)

	if err := cfg.Validate(); err != nil {
		errExit("invalid config", err)
	}

	return cfg
}
