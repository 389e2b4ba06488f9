// Package logging configures the process-wide structured logger.
package logging

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// LogFile, when non-empty, routes output through a rotating file writer
	// instead of stderr.
	LogFile string
	// MaxSizeMB, MaxBackups, MaxAgeDays mirror lumberjack's rotation knobs.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// SensitiveLogs is carried here but New does not read it; call sites pass
	// the config's sensitiveLogs flag to MaskUserID directly, and MaskSecret
	// masks regardless.
	SensitiveLogs bool
}

// New builds a logrus.Logger honoring the RUST_LOG-style PROXY_LOG
// environment variable and the supplied Options.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(levelFromEnv())

	if opts.LogFile != "" {
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(&lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetOutput(os.Stderr)
	}
	return log
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func levelFromEnv() logrus.Level {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("PROXY_LOG")))
	switch raw {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SensitiveLogsEnabled reports whether PROXY_SENSITIVE_LOGS opts into
// unmasked log output, independent of a config-file setting.
func SensitiveLogsEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PROXY_SENSITIVE_LOGS")))
	return v == "1" || v == "true" || v == "yes"
}

// MaskUserID keeps the first 4 and last 4 characters of ids longer than 12
// characters, masking the middle; shorter ids are masked in full.
func MaskUserID(id string, sensitive bool) string {
	if sensitive || id == "" {
		return id
	}
	if utf8.RuneCountInString(id) <= 12 {
		return "***"
	}
	r := []rune(id)
	n := len(r)
	return string(r[:4]) + "..." + string(r[n-4:])
}

// MaskSecret returns a short, safe-to-log prefix of a refresh token or
// similar secret. It never logs the full value, even in sensitive mode,
// since refresh tokens must never appear in full in logs (data-model
// invariant).
func MaskSecret(secret string) string {
	r := []rune(secret)
	if len(r) <= 8 {
		return "***"
	}
	return string(r[:8]) + "...(" + itoa(len(r)) + " chars)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TruncateUTF8 truncates s to at most n bytes without splitting a multi-byte
// rune, used by debug-dump log sites.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := s[:n]
	for len(b) > 0 && !utf8.ValidString(b) {
		b = b[:len(b)-1]
	}
	return b
}

// RedactHeaders returns a copy of headers with Authorization and x-api-key
// values replaced, for safe inclusion in bad_request debug dumps.
func RedactHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		if lk == "authorization" || lk == "x-api-key" {
			out[k] = []string{"[redacted]"}
			continue
		}
		out[k] = v
	}
	return out
}
