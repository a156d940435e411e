package connect

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Signature fixture from the provider's "creating a signature" reference.
func TestOAuth1SignatureKnownVector(t *testing.T) {
	signer := OAuth1Signer{
		ConsumerKey:    "xvz1evFS4wEEPTGEFPHBog",
		ConsumerSecret: "kAcSOqF21Fu85e7zjz7ZN2U4ZRhfV3WpwPAoE3Z7kBw",
		Token:          "370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb",
		TokenSecret:    "LswwdoUaIvS8ltyTt5jkRh4J50vUPVVHtR2YPi5kE",
	}

	form := url.Values{}
	form.Set("status", "Hello Ladies + Gentlemen, a signed OAuth request!")

	header, err := signer.AuthorizationHeader(
		"POST",
		"https://api.twitter.com/1.1/statuses/update.json?include_entities=true",
		form,
		map[string]string{
			"oauth_nonce":     "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg",
			"oauth_timestamp": "1318622958",
		},
	)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, "OAuth "))
	assert.Contains(t, header, `oauth_signature="hCtSmYh%2BiHYCEqBWrE7C7hYmtUk%3D"`)
	assert.Contains(t, header, `oauth_signature_method="HMAC-SHA1"`)
	assert.Contains(t, header, `oauth_version="1.0"`)
}

func TestOAuth1HeaderOmitsEmptyToken(t *testing.T) {
	signer := OAuth1Signer{ConsumerKey: "key", ConsumerSecret: "secret"}

	header, err := signer.AuthorizationHeader("POST", "https://example.com/request_token", nil, map[string]string{
		"oauth_callback": "https://example.com/callback",
	})
	require.NoError(t, err)

	assert.NotContains(t, header, "oauth_token=")
	assert.Contains(t, header, "oauth_callback=")
	assert.Contains(t, header, "oauth_signature=")
}

func TestNormalizeParamsSortsByNameThenValue(t *testing.T) {
	// "page" is a prefix of "page2"; '2' sorts below '=', so sorting the
	// joined "k=v" strings would put page2 first.
	got := normalizeParams(map[string][]string{
		"page2": {"a"},
		"page":  {"z"},
	})
	assert.Equal(t, "page=z&page2=a", got)

	// Repeated names order by value.
	got = normalizeParams(map[string][]string{
		"tag": {"beta", "alpha"},
	})
	assert.Equal(t, "tag=alpha&tag=beta", got)
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "Ladies%20%2B%20Gentlemen", percentEncode("Ladies + Gentlemen"))
	assert.Equal(t, "Dogs%2C%20Cats%20%26%20Mice", percentEncode("Dogs, Cats & Mice"))
	assert.Equal(t, "%E2%98%83", percentEncode("☃"))
	assert.Equal(t, "abcABC123-._~", percentEncode("abcABC123-._~"))
}
