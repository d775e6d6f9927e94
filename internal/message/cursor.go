package message

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/contexthub-ai/contexthub/internal/ctxerr"
)

// Cursors encode the last-seen position as base64("id:unix-nanos"). Paging
// resumes strictly after that position, so depth never degrades the query.

// EncodeCursor renders a pagination cursor for the given position.
func EncodeCursor(messageID int64, ts time.Time) string {
	raw := fmt.Sprintf("%d:%d", messageID, ts.UTC().UnixNano())
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a client-supplied cursor.
func DecodeCursor(cursor string) (messageID int64, ts time.Time, err error) {
	raw, derr := base64.URLEncoding.DecodeString(cursor)
	if derr != nil {
		return 0, time.Time{}, ctxerr.Validation("cursor is not valid base64")
	}
	id, nanos, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, time.Time{}, ctxerr.Validation("malformed cursor")
	}
	messageID, err = strconv.ParseInt(id, 10, 64)
	if err != nil || messageID <= 0 {
		return 0, time.Time{}, ctxerr.Validation("malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return 0, time.Time{}, ctxerr.Validation("malformed cursor")
	}
	return messageID, time.Unix(0, n).UTC(), nil
}

// Content sanitizer patterns. Script blocks go first so their bodies do not
// survive the generic tag strip.
var (
	scriptRe    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagRe       = regexp.MustCompile(`<[^>]*>`)
	controlRe   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	spaceRunsRe = regexp.MustCompile(`\s+`)
)
