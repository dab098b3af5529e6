package convert

import (
	"net/http"
	"strings"
	"time"
)

// NotModified reports whether a client that sent ifModifiedSince already
// holds the current rendering of a source last modified at mtime.
//
// mtime is truncated to whole seconds because HTTP dates carry no
// sub-second part. An empty or unparsable header never matches, so the
// caller converts and serves a fresh body.
func NotModified(mtime time.Time, ifModifiedSince string) bool {
	ifModifiedSince = strings.TrimSpace(ifModifiedSince)
	if ifModifiedSince == "" {
		return false
	}
	client, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return false
	}
	return !mtime.Truncate(time.Second).After(client)
}

// LastModified formats mtime for the Last-Modified response header.
func LastModified(mtime time.Time) string {
	return mtime.UTC().Truncate(time.Second).Format(http.TimeFormat)
}
