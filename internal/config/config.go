// Package config loads the relay settings from a line-oriented key=value
// file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"ebbnc/internal/domain"
)

const (
	defaultListenAddr   = "0.0.0.0"
	defaultIdentTimeout = 10
	defaultWriteTimeout = 30
)

var ErrMissingOption = errors.New("config option is required")

// ParseError reports the line a load failed at.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error at line %d in config file: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func Defaults() domain.Settings {
	return domain.Settings{
		ListenAddr:   defaultListenAddr,
		ListenPort:   -1,
		RemotePort:   -1,
		IdentEnabled: true,
		IdentTimeout: defaultIdentTimeout * time.Second,
		WriteTimeout: defaultWriteTimeout * time.Second,
		DNSLookup:    true,
	}
}

func LoadFile(path string) (*domain.Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// maxLineLength bounds a single config line, welcome message included.
const maxLineLength = 1 << 20

func Load(r io.Reader) (*domain.Settings, error) {
	s := Defaults()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || line[0] == '#' {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ParseError{Line: lineNo, Err: fmt.Errorf("expected key=value, got %q", line)}
		}
		if err := apply(&s, strings.ToLower(key), value); err != nil {
			return nil, &ParseError{Line: lineNo, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		// The failing line was never returned by Scan.
		return nil, &ParseError{Line: lineNo + 1, Err: err}
	}

	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func apply(s *domain.Settings, key, value string) error {
	var err error
	switch key {
	case "listenip":
		s.ListenAddr, err = nonEmpty(key, value)
	case "listenport":
		s.ListenPort, err = parsePort(key, value)
	case "remoteip":
		s.RemoteAddr, err = nonEmpty(key, value)
	case "remoteport":
		s.RemotePort, err = parsePort(key, value)
	case "idnt":
		s.IdentEnabled, err = parseBool(key, value)
	case "identtimeout":
		s.IdentTimeout, err = parseSeconds(key, value)
	case "idletimeout":
		s.IdleTimeout, err = parseSeconds(key, value)
	case "writetimeout":
		s.WriteTimeout, err = parseSeconds(key, value)
	case "dnslookup":
		s.DNSLookup, err = parseBool(key, value)
	case "pidfile":
		s.PIDFile, err = nonEmpty(key, value)
	case "welcomemsg":
		s.WelcomeMessage, err = nonEmpty(key, value)
	default:
		err = fmt.Errorf("unknown option %q", key)
	}
	return err
}

func validate(s *domain.Settings) error {
	var errs []error
	if s.ListenPort < 0 {
		errs = append(errs, fmt.Errorf("%w: listenport", ErrMissingOption))
	}
	if s.RemoteAddr == "" {
		errs = append(errs, fmt.Errorf("%w: remoteip", ErrMissingOption))
	}
	if s.RemotePort < 0 {
		errs = append(errs, fmt.Errorf("%w: remoteport", ErrMissingOption))
	}
	return errors.Join(errs...)
}

func nonEmpty(key, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%s: empty value", key)
	}
	return value, nil
}

// parseInt accepts decimal, 0x hex and 0-prefixed octal, like %i.
func parseInt(key, value string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 0, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, value)
	}
	return int(n), nil
}

func parsePort(key, value string) (int, error) {
	n, err := parseInt(key, value)
	if err != nil {
		return 0, err
	}
	if n > 65535 {
		return 0, fmt.Errorf("%s: port out of range %d", key, n)
	}
	return n, nil
}

func parseSeconds(key, value string) (time.Duration, error) {
	n, err := parseInt(key, value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%s: expected true or false, got %q", key, value)
}
