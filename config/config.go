// Package config loads wgproxy's configuration from the process environment.
//
// wgproxy reads exactly the environment variables documented on [Load];
// there is no configuration file and no command-line flag for any value
// that affects relay behavior.
package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	pubKeyLength = 32

	defaultListen  = "[::]:51820"
	defaultTimeout = 60 * time.Second
)

// Config is wgproxy's configuration. It is immutable once returned by
// [Load]: no other component mutates it after startup.
type Config struct {
	// ServerNetwork controls the address family used to dial Server.
	ServerNetwork string

	// Server is the resolved upstream WireGuard server endpoint.
	Server netip.AddrPort

	// PubKeys is the set of accepted server public keys, used to verify
	// mac1 on inbound handshake-initiation messages.
	PubKeys [][pubKeyLength]byte

	// PortLo and PortHi are the inclusive bounds of the ephemeral port
	// range used for server-facing sockets. PortLo <= PortHi.
	PortLo, PortHi uint16

	// Listen is the address the client-facing socket binds to.
	Listen string

	// Timeout is the idle duration after which a flow is reaped.
	Timeout time.Duration

	// LogLevel is the minimum level of log messages to emit.
	LogLevel slog.Level
}

// Load reads and validates wgproxy's configuration from the environment.
//
// Recognized variables:
//
//   - WGPROXY_SERVER: upstream "host:port", resolved once at startup.
//   - WGPROXY_PUBKEYS or WGPROXY_PUBKEY: one or more base64-encoded 32-byte
//     public keys, comma-separated when plural. WGPROXY_PUBKEYS takes
//     precedence if both are set.
//   - WGPROXY_PORTS: an inclusive port range "lo-hi", or a single port.
//   - WGPROXY_LISTEN: client-facing bind address. Default "[::]:51820".
//   - WGPROXY_TIMEOUT: idle timeout in whole seconds. Default 60.
//   - WGPROXY_LOGLEVEL: integer 0..4 (off, error, warn, info, debug).
//
// Any other error in these variables is a configuration error and is
// returned unwrapped from the corresponding field parser.
func Load(ctx context.Context) (Config, error) {
	var c Config

	serverHost, serverPort, err := parseServer(os.Getenv("WGPROXY_SERVER"))
	if err != nil {
		return Config{}, err
	}
	serverIP, err := net.DefaultResolver.LookupNetIP(ctx, "ip", serverHost)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve WGPROXY_SERVER %q: %w", serverHost, err)
	}
	if len(serverIP) == 0 {
		return Config{}, fmt.Errorf("WGPROXY_SERVER %q resolved to no addresses", serverHost)
	}
	c.Server = netip.AddrPortFrom(serverIP[0], serverPort)
	if serverIP[0].Unmap().Is4() {
		c.ServerNetwork = "udp4"
	} else {
		c.ServerNetwork = "udp6"
	}

	c.PubKeys, err = parsePubKeys()
	if err != nil {
		return Config{}, err
	}

	c.PortLo, c.PortHi, err = parsePortRange(os.Getenv("WGPROXY_PORTS"))
	if err != nil {
		return Config{}, err
	}

	c.Listen = os.Getenv("WGPROXY_LISTEN")
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if _, err = net.ResolveUDPAddr("udp", c.Listen); err != nil {
		return Config{}, fmt.Errorf("invalid WGPROXY_LISTEN %q: %w", c.Listen, err)
	}

	c.Timeout, err = parseTimeout(os.Getenv("WGPROXY_TIMEOUT"))
	if err != nil {
		return Config{}, err
	}

	c.LogLevel, err = parseLogLevel(os.Getenv("WGPROXY_LOGLEVEL"))
	if err != nil {
		return Config{}, err
	}

	return c, nil
}

func parseServer(s string) (host string, port uint16, err error) {
	if s == "" {
		return "", 0, errors.New("WGPROXY_SERVER is required")
	}
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid WGPROXY_SERVER %q: %w", s, err)
	}
	portNum, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in WGPROXY_SERVER %q: %w", s, err)
	}
	return h, uint16(portNum), nil
}

func parsePubKeys() ([][pubKeyLength]byte, error) {
	raw := os.Getenv("WGPROXY_PUBKEYS")
	name := "WGPROXY_PUBKEYS"
	if raw == "" {
		raw = os.Getenv("WGPROXY_PUBKEY")
		name = "WGPROXY_PUBKEY"
	} else if single := os.Getenv("WGPROXY_PUBKEY"); single != "" {
		slog.Warn("WGPROXY_PUBKEYS and WGPROXY_PUBKEY are both set; WGPROXY_PUBKEYS takes precedence")
	}
	if raw == "" {
		return nil, errors.New("WGPROXY_PUBKEYS or WGPROXY_PUBKEY is required")
	}

	fields := strings.Split(raw, ",")
	keys := make([][pubKeyLength]byte, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 public key in %s %q: %w", name, f, err)
		}
		if len(decoded) != pubKeyLength {
			return nil, fmt.Errorf("public key in %s has length %d, want %d", name, len(decoded), pubKeyLength)
		}
		var key [pubKeyLength]byte
		copy(key[:], decoded)
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s contains no public keys", name)
	}
	return keys, nil
}

func parsePortRange(s string) (lo, hi uint16, err error) {
	if s == "" {
		return 0, 0, errors.New("WGPROXY_PORTS is required")
	}

	before, after, found := strings.Cut(s, "-")
	if !found {
		p, err := strconv.ParseUint(before, 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid WGPROXY_PORTS %q: %w", s, err)
		}
		if p == 0 {
			return 0, 0, fmt.Errorf("WGPROXY_PORTS %q: port 0 is not a valid UDP port", s)
		}
		return uint16(p), uint16(p), nil
	}

	loNum, err := strconv.ParseUint(before, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid WGPROXY_PORTS %q: %w", s, err)
	}
	hiNum, err := strconv.ParseUint(after, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid WGPROXY_PORTS %q: %w", s, err)
	}
	if loNum == 0 || hiNum == 0 {
		return 0, 0, fmt.Errorf("WGPROXY_PORTS %q: port 0 is not a valid UDP port", s)
	}
	if loNum > hiNum {
		return 0, 0, fmt.Errorf("WGPROXY_PORTS %q: lower bound exceeds upper bound", s)
	}
	return uint16(loNum), uint16(hiNum), nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return defaultTimeout, nil
	}
	seconds, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid WGPROXY_TIMEOUT %q: %w", s, err)
	}
	if seconds == 0 {
		return 0, errors.New("WGPROXY_TIMEOUT must be greater than 0")
	}
	return time.Duration(seconds) * time.Second, nil
}

// logLevels maps WGPROXY_LOGLEVEL's 0..4 range onto slog levels. Level 0
// ("off") is represented as one step above Error, so that Logger.Enabled
// never matches any record.
var logLevels = [...]slog.Level{
	slog.LevelError + 1,
	slog.LevelError,
	slog.LevelWarn,
	slog.LevelInfo,
	slog.LevelDebug,
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return logLevels[1], nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= len(logLevels) {
		return 0, fmt.Errorf("invalid WGPROXY_LOGLEVEL %q: must be an integer in [0, %d]", s, len(logLevels)-1)
	}
	return logLevels[n], nil
}
