package retry

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

// transientErrnos are the socket-level failures worth retrying: the
// peer or network hiccuped and may recover within the backoff window.
var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
}

// persistentFragments identify errors that retrying cannot fix:
// bad credentials, missing keys, absent files. Matched case-insensitively
// against the error string because SSH and HTTP layers flatten their
// causes into text.
var persistentFragments = []string{
	"unable to authenticate",
	"authentication failed",
	"permission denied",
	"no such file or directory",
	"file does not exist",
	"knownhosts: key mismatch",
}

// transientFragments identify retryable failures that arrive without a
// typed cause, including SQLite contention.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"host is unreachable",
	"timeout",
	"timed out",
	"temporary failure",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
}

// Retryable reports whether err is worth another attempt. Unclassified
// errors default to retryable: over-retrying a persistent error costs a
// few seconds, while fast-failing a transient one loses the message.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range persistentFragments {
		if strings.Contains(msg, fragment) {
			return false
		}
	}
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return true
}
