package signing

import (
	"fmt"
	"strconv"
	"strings"
)

// SignedHeaders is the fixed header list covered by every signature.
const SignedHeaders = "(created) (expires) digest"

const schemePrefix = "Signature "

// Envelope is the parsed content of a Signature Authorization header.
type Envelope struct {
	KeyID     string
	Algorithm string
	Created   int64
	Expires   int64
	Headers   string
	Signature string // base64
}

// String serializes the envelope as an Authorization header value.
func (e *Envelope) String() string {
	return fmt.Sprintf(`Signature keyId="%s",algorithm="%s",created="%d",expires="%d",headers="%s",signature="%s"`,
		e.KeyID, e.Algorithm, e.Created, e.Expires, e.Headers, e.Signature)
}

// HasSignatureScheme reports whether the header uses the Signature scheme.
func HasSignatureScheme(header string) bool {
	return strings.HasPrefix(strings.TrimSpace(header), schemePrefix)
}

// ParseAuthorizationHeader extracts the six signature parameters. Parameter
// order does not matter. It returns nil when the header is not a Signature
// header or any required parameter is missing or non-numeric; callers treat
// nil as unsigned or malformed.
func ParseAuthorizationHeader(header string) *Envelope {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, schemePrefix) {
		return nil
	}
	params := parseParams(strings.TrimPrefix(header, schemePrefix))

	required := []string{"keyId", "algorithm", "created", "expires", "headers", "signature"}
	for _, k := range required {
		if params[k] == "" {
			return nil
		}
	}
	created, err := strconv.ParseInt(params["created"], 10, 64)
	if err != nil {
		return nil
	}
	expires, err := strconv.ParseInt(params["expires"], 10, 64)
	if err != nil {
		return nil
	}
	return &Envelope{
		KeyID:     params["keyId"],
		Algorithm: params["algorithm"],
		Created:   created,
		Expires:   expires,
		Headers:   params["headers"],
		Signature: params["signature"],
	}
}

// parseParams reads comma separated key="value" pairs. Commas inside quoted
// values are preserved.
func parseParams(s string) map[string]string {
	out := make(map[string]string, 6)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				break
			}
			val = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		out[key] = val
	}
	return out
}
