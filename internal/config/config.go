package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
)

const (
	envVarEnvFile         = "AERO_SIGNALING_ENV_FILE"
	envVarListenAddr      = "AERO_SIGNALING_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIGNALING_LOG_LEVEL"
	envVarLogFile         = "AERO_SIGNALING_LOG_FILE"
	envVarLogFileMaxMB    = "AERO_SIGNALING_LOG_FILE_MAX_MB"
	envVarLogFileBackups  = "AERO_SIGNALING_LOG_FILE_MAX_BACKUPS"
	envVarShutdownTimeout = "AERO_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_SIGNALING_MODE"
	envVarNodeEnv         = "NODE_ENV"
	envVarStaticDir       = "STATIC_DIR"

	// Authentication.
	envVarAuthMode  = "AUTH_MODE"
	envVarToken     = "TOKEN"
	envVarJWTSecret = "JWT_SECRET"

	// Admission control.
	envVarMaxConnections           = "MAX_CONNECTIONS"
	envVarConnectAttemptsPerWindow = "CONNECT_ATTEMPTS_PER_WINDOW"
	envVarConnectAttemptWindow     = "CONNECT_ATTEMPT_WINDOW"
	envVarMaxPeerIDLength          = "MAX_PEER_ID_LENGTH"
	envVarTrustProxyHeaders        = "TRUST_PROXY_HEADERS"

	// Per-connection WebSocket hardening.
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueLength      = "SIGNALING_SEND_QUEUE_LENGTH"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultEnvFile                = ".env"
	DefaultPort                   = "3030"
	DefaultListenAddr             = "127.0.0.1:" + DefaultPort
	DefaultShutdown               = 15 * time.Second
	DefaultMode              Mode = ModeDev
	DefaultLogFileMaxMB           = 100
	DefaultLogFileMaxBackups      = 5

	DefaultAuthMode AuthMode = AuthModeToken

	DefaultMaxConnections           = 64
	DefaultConnectAttemptsPerWindow = 30
	DefaultConnectAttemptWindow     = 60 * time.Second
	DefaultMaxPeerIDLength          = 128

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueLength      = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone  AuthMode = "none"
	AuthModeToken AuthMode = "token"
	AuthModeJWT   AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	LogFile         string
	LogFileMaxMB    int
	LogFileBackups  int
	ShutdownTimeout time.Duration
	StaticDir       string

	AuthMode  AuthMode
	Token     string
	JWTSecret string

	// MaxConnections bounds the number of registered peers. When a new peer
	// registers at capacity the oldest one is evicted. 0 = unlimited.
	MaxConnections int
	// ConnectAttemptsPerWindow bounds how many authenticated connections a
	// single source address may open per ConnectAttemptWindow. 0 = disabled.
	ConnectAttemptsPerWindow int
	ConnectAttemptWindow     time.Duration
	MaxPeerIDLength          int
	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP the source address
	// used for rate limiting. Only enable behind a trusted reverse proxy.
	TrustProxyHeaders bool

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueLength      int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

// Load reads configuration from the process environment (after applying an
// optional dotenv file) and args.
func Load(args []string) (Config, error) {
	if err := loadEnvFile(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args)
}

// loadEnvFile applies AERO_SIGNALING_ENV_FILE (default .env) when it exists.
// Variables already present in the environment win.
func loadEnvFile(lookup func(string) (string, bool)) error {
	path := envOrDefault(lookup, envVarEnvFile, DefaultEnvFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s %q: %w", envVarEnvFile, path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s %q: %w", envVarEnvFile, path, err)
	}
	return nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, envOrDefault(lookup, envVarNodeEnv, string(DefaultMode)))

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := DefaultListenAddr
	if port := envOrDefault(lookup, envVarPort, ""); port != "" {
		listenAddr = ":" + strings.TrimSpace(port)
	}
	listenAddr = envOrDefault(lookup, envVarListenAddr, listenAddr)

	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	logFile := envOrDefault(lookup, envVarLogFile, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	token := envOrDefault(lookup, envVarToken, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	logFileMaxMB, err := envIntOrDefault(lookup, envVarLogFileMaxMB, DefaultLogFileMaxMB)
	if err != nil {
		return Config{}, err
	}
	logFileBackups, err := envIntOrDefault(lookup, envVarLogFileBackups, DefaultLogFileMaxBackups)
	if err != nil {
		return Config{}, err
	}
	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, DefaultMaxConnections)
	if err != nil {
		return Config{}, err
	}
	connectAttempts, err := envIntOrDefault(lookup, envVarConnectAttemptsPerWindow, DefaultConnectAttemptsPerWindow)
	if err != nil {
		return Config{}, err
	}
	maxPeerIDLength, err := envIntOrDefault(lookup, envVarMaxPeerIDLength, DefaultMaxPeerIDLength)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueLength, err := envIntOrDefault(lookup, envVarSignalingSendQueueLength, DefaultSignalingSendQueueLength)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	trustProxyHeaders, err := envBoolOrDefault(lookup, envVarTrustProxyHeaders, false)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	connectAttemptWindow, err := envDurationOrDefault(lookup, envVarConnectAttemptWindow, DefaultConnectAttemptWindow)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&logFile, "log-file", logFile, "Write logs to this file with size-based rotation instead of stdout (env "+envVarLogFile+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Serve static files from this directory at / (env "+envVarStaticDir+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, token, or jwt (env "+envVarAuthMode+")")

	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Maximum registered peers; the oldest is evicted when full (0 = unlimited; env "+envVarMaxConnections+")")
	fs.IntVar(&connectAttempts, "connect-attempts-per-window", connectAttempts, "Connection attempts allowed per source address per window (0 = unlimited; env "+envVarConnectAttemptsPerWindow+")")
	fs.DurationVar(&connectAttemptWindow, "connect-attempt-window", connectAttemptWindow, "Connection attempt rate limit window (env "+envVarConnectAttemptWindow+")")
	fs.IntVar(&maxPeerIDLength, "max-peer-id-length", maxPeerIDLength, "Maximum peer id length in bytes (env "+envVarMaxPeerIDLength+")")
	fs.BoolVar(&trustProxyHeaders, "trust-proxy-headers", trustProxyHeaders, "Use X-Forwarded-For/X-Real-IP as the client address (env "+envVarTrustProxyHeaders+")")

	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueLength, "signaling-send-queue-length", sendQueueLength, "Outbound frames buffered per connection before dropping (env "+envVarSignalingSendQueueLength+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if logFile != "" && logFileMaxMB <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarLogFileMaxMB)
	}
	if logFileBackups < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarLogFileBackups)
	}
	switch authMode {
	case AuthModeToken:
		if strings.TrimSpace(token) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarToken, envVarAuthMode, AuthModeToken)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections must be >= 0", envVarMaxConnections)
	}
	if connectAttempts < 0 {
		return Config{}, fmt.Errorf("%s/--connect-attempts-per-window must be >= 0", envVarConnectAttemptsPerWindow)
	}
	if connectAttempts > 0 && connectAttemptWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--connect-attempt-window must be > 0", envVarConnectAttemptWindow)
	}
	if maxPeerIDLength <= 0 {
		return Config{}, fmt.Errorf("%s/--max-peer-id-length must be > 0", envVarMaxPeerIDLength)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueLength <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-length must be > 0", envVarSignalingSendQueueLength)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if turnREST.UsernamePrefix == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	iceServers, err := parseICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	return Config{
		ListenAddr:      strings.TrimSpace(listenAddr),
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		LogFile:         strings.TrimSpace(logFile),
		LogFileMaxMB:    logFileMaxMB,
		LogFileBackups:  logFileBackups,
		ShutdownTimeout: shutdownTimeout,
		StaticDir:       strings.TrimSpace(staticDir),

		AuthMode:  authMode,
		Token:     token,
		JWTSecret: jwtSecret,

		MaxConnections:           maxConnections,
		ConnectAttemptsPerWindow: connectAttempts,
		ConnectAttemptWindow:     connectAttemptWindow,
		MaxPeerIDLength:          maxPeerIDLength,
		TrustProxyHeaders:        trustProxyHeaders,

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueLength:      sendQueueLength,

		ICEServers: iceServers,
		TURNREST:   turnREST,
	}, nil
}

// NewLogger builds the process logger. When cfg.LogFile is set logs go to a
// size-rotated file; the returned io.Closer must be closed on shutdown.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxMB,
			MaxBackups: cfg.LogFileBackups,
			Compress:   true,
		}
		out = rotating
		closer = rotating
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// envDurationOrDefault accepts Go durations ("90s") and bare integers, which
// are read as seconds.
func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeToken):
		return AuthModeToken, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeToken, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}
