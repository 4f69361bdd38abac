package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/ghettovoice/gosip/sip"
)

var challengeParam = regexp.MustCompile(`([\w-]+)=("([^"]*)"|([^\s,]+))`)

// Challenge is a parsed WWW-Authenticate / Proxy-Authenticate header.
// Only the Digest scheme with MD5 is supported.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       []string
}

func ParseChallenge(value string) (*Challenge, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToLower(value), "digest") {
		return nil, fmt.Errorf("unsupported auth scheme in %q", value)
	}

	c := &Challenge{Algorithm: "MD5"}
	for _, match := range challengeParam.FindAllStringSubmatch(value, -1) {
		v := match[4]
		if strings.HasPrefix(match[2], `"`) {
			v = match[3]
		}
		switch strings.ToLower(match[1]) {
		case "realm":
			c.Realm = v
		case "nonce":
			c.Nonce = v
		case "opaque":
			c.Opaque = v
		case "algorithm":
			c.Algorithm = v
		case "qop":
			for _, q := range strings.Split(v, ",") {
				c.QOP = append(c.QOP, strings.TrimSpace(q))
			}
		}
	}

	if c.Nonce == "" {
		return nil, fmt.Errorf("digest challenge without nonce")
	}
	if !strings.EqualFold(c.Algorithm, "MD5") {
		return nil, fmt.Errorf("unsupported digest algorithm %s", c.Algorithm)
	}
	return c, nil
}

func (c *Challenge) supportsAuthQOP() bool {
	for _, q := range c.QOP {
		if q == "auth" {
			return true
		}
	}
	return false
}

// Authorization is the credentials answer to a Challenge.
type Authorization struct {
	challenge *Challenge
	username  string
	uri       string
	response  string
	cnonce    string
	nc        string
}

// NewAuthorization computes the digest response for method and uri.
// cnonce is only used when the challenge offers qop=auth.
func NewAuthorization(c *Challenge, username, password, method, uri, cnonce string) *Authorization {
	a := &Authorization{
		challenge: c,
		username:  username,
		uri:       uri,
	}
	ha1 := md5Hex(username + ":" + c.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	if c.supportsAuthQOP() {
		a.cnonce = cnonce
		a.nc = "00000001"
		a.response = md5Hex(ha1 + ":" + c.Nonce + ":" + a.nc + ":" + a.cnonce + ":auth:" + ha2)
	} else {
		a.response = md5Hex(ha1 + ":" + c.Nonce + ":" + ha2)
	}
	return a
}

func (a *Authorization) Response() string {
	return a.response
}

func (a *Authorization) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s",realm="%s",nonce="%s",uri="%s",response="%s",algorithm=%s`,
		a.username, a.challenge.Realm, a.challenge.Nonce, a.uri, a.response, a.challenge.Algorithm)
	if a.challenge.Opaque != "" {
		fmt.Fprintf(&b, `,opaque="%s"`, a.challenge.Opaque)
	}
	if a.cnonce != "" {
		fmt.Fprintf(&b, `,qop=auth,nc=%s,cnonce="%s"`, a.nc, a.cnonce)
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newCNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "0a4f113b"
	}
	return hex.EncodeToString(buf)
}

// ClientAuthorizer answers 401/407 challenges for a single account.
type ClientAuthorizer struct {
	user     string
	password string
}

func NewClientAuthorizer(user string, password string) *ClientAuthorizer {
	return &ClientAuthorizer{
		user:     user,
		password: password,
	}
}

// AuthorizeRequest adds Authorization (401) or Proxy-Authorization (407) to
// request, then bumps the CSeq and Via branch so it can be resent.
func (auth *ClientAuthorizer) AuthorizeRequest(request sip.Request, response sip.Response) error {
	if auth.user == "" {
		return fmt.Errorf("authorize request: user is empty")
	}

	authenticateHeaderName, authorizeHeaderName := "WWW-Authenticate", "Authorization"
	if response.StatusCode() == 407 {
		authenticateHeaderName, authorizeHeaderName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	hdrs := response.GetHeaders(authenticateHeaderName)
	if len(hdrs) == 0 {
		return fmt.Errorf("authorize request: header '%s' not found in response", authenticateHeaderName)
	}
	challenge, err := ParseChallenge(hdrs[0].Value())
	if err != nil {
		return fmt.Errorf("authorize request: %w", err)
	}

	authz := NewAuthorization(challenge, auth.user, auth.password,
		string(request.Method()), request.Recipient().String(), newCNonce())

	request.RemoveHeader(authorizeHeaderName)
	request.AppendHeader(&sip.GenericHeader{
		HeaderName: authorizeHeaderName,
		Contents:   authz.String(),
	})

	if viaHop, ok := request.ViaHop(); ok {
		if viaHop.Params == nil {
			viaHop.Params = sip.NewParams()
		}
		viaHop.Params.Add("branch", sip.String{Str: sip.GenerateBranch()})
	}

	if cseq, ok := request.CSeq(); ok {
		cseq.SeqNo++
	}

	return nil
}
