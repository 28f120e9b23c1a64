// Package logger provides structured JSON logging with PII redaction.
//
// Inbound tracking requests carry client IPs and identity-adjacent
// parameters; those must never land raw in log aggregation. Redaction is on
// by default and masks IP-like and user-id-like field values.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger emits leveled JSON entries to stderr.
type Logger struct {
	level     Level
	mu        sync.Mutex
	redactPII bool
}

var defaultLogger = &Logger{level: INFO, redactPII: true}

// SetLevel sets the minimum level for the default logger.
func SetLevel(l Level) { defaultLogger.level = l }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII = r }

// Debug emits a DEBUG-level entry with key-value fields.
func Debug(msg string, fields ...any) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level entry with key-value fields.
func Info(msg string, fields ...any) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level entry with key-value fields.
func Warn(msg string, fields ...any) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level entry with key-value fields.
func Error(msg string, fields ...any) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...any) {
	if level < l.level {
		return
	}

	entry := map[string]any{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(os.Stderr, string(data))
	l.mu.Unlock()
}

var ipv4Regex = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.\d{1,3}\b`)

func redactValue(key, val string) string {
	lower := strings.ToLower(key)
	if strings.Contains(lower, "user_id") || strings.Contains(lower, "client_id") {
		return MaskID(val)
	}
	if strings.Contains(lower, "ip") {
		return MaskIP(val)
	}
	// Catch embedded IPs in generic fields.
	return ipv4Regex.ReplaceAllString(val, "$1.$2.$3.xxx")
}

// MaskIP zeroes the final octet of an IPv4 address. Non-IPv4 values (IPv6,
// hostnames) are masked wholesale.
func MaskIP(ip string) string {
	if m := ipv4Regex.FindString(ip); m != "" {
		return ipv4Regex.ReplaceAllString(ip, "$1.$2.$3.xxx")
	}
	if ip == "" {
		return ""
	}
	return "***"
}

// MaskID keeps the first four characters of an identifier.
// "c8a1b2c3-..." → "c8a1***"
func MaskID(id string) string {
	if len(id) <= 4 {
		return "***"
	}
	return id[:4] + "***"
}
