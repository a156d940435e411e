package connect

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// OAuth1Signer computes the Authorization header for OAuth 1.0a requests
// using HMAC-SHA1, per RFC 5849. Token and TokenSecret are empty for the
// initial request-token call.
type OAuth1Signer struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// AuthorizationHeader signs one request. form must include every
// form-encoded body parameter; query parameters are read from rawURL. extra
// holds additional oauth_* protocol parameters such as oauth_callback or
// oauth_verifier.
func (s *OAuth1Signer) AuthorizationHeader(method, rawURL string, form url.Values, extra map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	nonce, err := oauthNonce()
	if err != nil {
		return "", err
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        fmt.Sprintf("%d", time.Now().Unix()),
		"oauth_version":          "1.0",
	}
	if s.Token != "" {
		oauthParams["oauth_token"] = s.Token
	}
	for k, v := range extra {
		oauthParams[k] = v
	}

	// Signature base string covers oauth, query, and body parameters.
	params := map[string][]string{}
	for k, v := range oauthParams {
		params[k] = append(params[k], v)
	}
	for k, vs := range u.Query() {
		params[k] = append(params[k], vs...)
	}
	for k, vs := range form {
		params[k] = append(params[k], vs...)
	}

	baseURL := u.Scheme + "://" + u.Host + u.Path
	baseString := strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(normalizeParams(params))
	signingKey := percentEncode(s.ConsumerSecret) + "&" + percentEncode(s.TokenSecret)

	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	oauthParams["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var header []string
	for _, k := range keys {
		header = append(header, fmt.Sprintf("%s=%q", percentEncode(k), percentEncode(oauthParams[k])))
	}

	return "OAuth " + strings.Join(header, ", "), nil
}

// normalizeParams encodes and orders the signature parameters per
// RFC 5849 §3.4.1.3.2: sort by encoded name, then by encoded value.
// Sorting the concatenated "k=v" strings instead would misorder names
// that are prefixes of others, since '=' sorts above digits.
func normalizeParams(params map[string][]string) string {
	type pair struct{ k, v string }
	var encoded []pair
	for k, vs := range params {
		for _, v := range vs {
			encoded = append(encoded, pair{percentEncode(k), percentEncode(v)})
		}
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i].k != encoded[j].k {
			return encoded[i].k < encoded[j].k
		}
		return encoded[i].v < encoded[j].v
	})

	pairs := make([]string, 0, len(encoded))
	for _, p := range encoded {
		pairs = append(pairs, p.k+"="+p.v)
	}
	return strings.Join(pairs, "&")
}

func oauthNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// percentEncode implements RFC 3986 encoding; url.QueryEscape differs on
// spaces and tildes, which breaks the signature.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
