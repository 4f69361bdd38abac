package auth

import (
	"strings"
	"testing"

	"github.com/ghettovoice/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChallenge(t *testing.T) {
	c, err := ParseChallenge(`Digest realm="asterisk", nonce="1a2b3c", opaque="xyz", algorithm=MD5, qop="auth,auth-int"`)
	require.NoError(t, err)
	assert.Equal(t, "asterisk", c.Realm)
	assert.Equal(t, "1a2b3c", c.Nonce)
	assert.Equal(t, "xyz", c.Opaque)
	assert.Equal(t, []string{"auth", "auth-int"}, c.QOP)
	assert.True(t, c.supportsAuthQOP())
}

func TestParseChallengeRejects(t *testing.T) {
	_, err := ParseChallenge(`Basic realm="x"`)
	assert.Error(t, err)

	_, err = ParseChallenge(`Digest realm="x"`)
	assert.Error(t, err)

	_, err = ParseChallenge(`Digest realm="x", nonce="n", algorithm=SHA-256`)
	assert.Error(t, err)
}

// RFC 2617 section 3.5 example.
func TestAuthorizationQOP(t *testing.T) {
	c := &Challenge{
		Realm:     "testrealm@host.com",
		Nonce:     "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		Opaque:    "5ccc069c403ebaf9f0171e9517f40e41",
		Algorithm: "MD5",
		QOP:       []string{"auth"},
	}
	a := NewAuthorization(c, "Mufasa", "Circle Of Life", "GET", "/dir/index.html", "0a4f113b")
	assert.Equal(t, "6629fae49393a05397450978507c4ef1", a.Response())
	assert.Contains(t, a.String(), `qop=auth,nc=00000001,cnonce="0a4f113b"`)
	assert.Contains(t, a.String(), `opaque="5ccc069c403ebaf9f0171e9517f40e41"`)
}

func TestAuthorizationWithoutQOP(t *testing.T) {
	c := &Challenge{Realm: "r", Nonce: "n", Algorithm: "MD5"}
	a := NewAuthorization(c, "100", "secret", "REGISTER", "sip:example.com", "ignored")

	ha1 := md5Hex("100:r:secret")
	ha2 := md5Hex("REGISTER:sip:example.com")
	assert.Equal(t, md5Hex(ha1+":n:"+ha2), a.Response())
	assert.NotContains(t, a.String(), "qop")
}

func newRegister() sip.Request {
	recipient := &sip.SipUri{FHost: "example.com"}
	cseq := &sip.CSeq{SeqNo: 1, MethodName: sip.REGISTER}
	return sip.NewRequest("", sip.REGISTER, recipient, "SIP/2.0", []sip.Header{cseq}, "", nil)
}

func TestClientAuthorizer(t *testing.T) {
	req := newRegister()
	res := sip.NewResponseFromRequest("", req, 401, "Unauthorized", "")
	res.AppendHeader(&sip.GenericHeader{
		HeaderName: "WWW-Authenticate",
		Contents:   `Digest realm="asterisk", nonce="abc"`,
	})

	require.NoError(t, NewClientAuthorizer("100", "secret").AuthorizeRequest(req, res))

	hdrs := req.GetHeaders("Authorization")
	require.Len(t, hdrs, 1)
	assert.True(t, strings.HasPrefix(hdrs[0].Value(), `Digest username="100",realm="asterisk",nonce="abc"`))

	cseq, ok := req.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(2), cseq.SeqNo)
}

func TestClientAuthorizerProxy(t *testing.T) {
	req := newRegister()
	res := sip.NewResponseFromRequest("", req, 407, "Proxy Authentication Required", "")
	res.AppendHeader(&sip.GenericHeader{
		HeaderName: "Proxy-Authenticate",
		Contents:   `Digest realm="proxy", nonce="def"`,
	})

	require.NoError(t, NewClientAuthorizer("100", "secret").AuthorizeRequest(req, res))
	assert.Len(t, req.GetHeaders("Proxy-Authorization"), 1)
	assert.Empty(t, req.GetHeaders("Authorization"))
}

func TestClientAuthorizerMissingChallenge(t *testing.T) {
	req := newRegister()
	res := sip.NewResponseFromRequest("", req, 401, "Unauthorized", "")
	assert.Error(t, NewClientAuthorizer("100", "secret").AuthorizeRequest(req, res))
	assert.Error(t, NewClientAuthorizer("", "secret").AuthorizeRequest(req, res))
}
