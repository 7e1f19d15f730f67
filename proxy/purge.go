package proxy

import (
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/twicecache/twice/httpmsg"
)

// sessionFamily is the key family a session purge clears.
var sessionFamily = []string{"session", "favorite", "subscription", "unread"}

// purge invalidates instead of serving. The header value picks the
// scope: "*" flushes everything, "url" soft-invalidates every variant
// of the URI through the expiration sentinel, "session" clears the
// session family, anything else deletes <kind>_<uri>.
func (h *Handler) purge(conn net.Conn, req *httpmsg.Message) {
	uri := req.URI
	kind := strings.ToLower(req.Header(h.cfg.PurgeHeader))
	log.Infof("Expire type: %s, arg: %s", kind, uri)

	trimmed := strings.TrimPrefix(uri, "/")
	switch kind {
	case "*":
		if err := h.store.Flush(); err != nil {
			log.Errorf("Could not clear cache: %v", err)
		} else {
			log.Info("Cleared entire cache")
		}
	case "url":
		if err := h.store.ExpireURI(req); err != nil {
			log.Errorf("Could not delete variants of %s: %v", uri, err)
		} else {
			log.Infof("Expired all variants of %s", uri)
		}
	case "session":
		keys := make([]string, len(sessionFamily))
		for i, family := range sessionFamily {
			keys[i] = family + "_" + trimmed
		}
		if err := h.store.Delete(keys...); err != nil {
			log.Errorf("Could not delete session keys for %s: %v", uri, err)
		} else {
			log.Infof("Deleted session-related keys: %v", keys)
		}
	default:
		key := kind + "_" + trimmed
		if err := h.store.Delete(key); err != nil {
			log.Errorf("Could not delete %s: %v", key, err)
		} else {
			log.Infof("Deleted %s", key)
		}
	}

	sendCode(conn, 200, fmt.Sprintf("Expired %s_%s", kind, uri))
}
