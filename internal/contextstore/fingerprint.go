package contextstore

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fingerprintLen is the hex prefix length used for artifact identity.
const fingerprintLen = 12

var unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Fingerprint derives the content address for a tool invocation from the
// tool name and its arguments. Argument key order is irrelevant:
// encoding/json marshals map keys sorted, so equal argument sets produce
// equal fingerprints.
func Fingerprint(toolName string, args map[string]interface{}) string {
	blob, err := json.Marshal(args)
	if err != nil {
		blob = []byte("{}")
	}
	h := md5.New()
	h.Write([]byte(toolName))
	h.Write(blob)
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// artifactFilename builds the on-disk name for an artifact. A ticker
// argument is promoted into the name so a company's artifacts sort
// together in directory listings.
func artifactFilename(toolName string, args map[string]interface{}) string {
	fp := Fingerprint(toolName, args)
	if ticker, ok := args["ticker"].(string); ok {
		ticker = unsafeFilenameRe.ReplaceAllString(strings.ToUpper(ticker), "")
		if ticker != "" {
			return fmt.Sprintf("%s_%s_%s.json", ticker, toolName, fp)
		}
	}
	return fmt.Sprintf("%s_%s.json", toolName, fp)
}
