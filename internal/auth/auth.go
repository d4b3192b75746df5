// Package auth implements HTTP Basic and Digest client authentication for
// both origin servers (401) and proxies (407).
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"example.com/asynchttp/internal/header"
)

// Method is the negotiated authentication scheme.
type Method int

const (
	MethodNone Method = iota
	MethodBasic
	MethodDigestMD5
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "None"
	case MethodBasic:
		return "Basic"
	case MethodDigestMD5:
		return "Digest"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// Phase tracks where the authenticator is in the challenge/response exchange.
type Phase int

const (
	// PhaseStart means credentials are set and no response has been sent yet.
	PhaseStart Phase = iota
	// PhaseDone means a response was sent (or no credentials exist) and a new
	// challenge cannot be answered without new credentials.
	PhaseDone
	// PhaseInvalid means the server asked for a scheme this package cannot answer.
	PhaseInvalid
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "Start"
	case PhaseDone:
		return "Done"
	case PhaseInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Credentials is the slot handed to authentication-required callbacks.
// Changing User or Password makes the client retry with the new values.
type Credentials struct {
	User     string
	Password string
	Realm    string
}

// Authenticator holds credentials and the state of the last challenge.
// The zero value is ready to use and has no credentials.
type Authenticator struct {
	user     string
	password string
	realm    string
	method   Method
	phase    Phase

	params     map[string]string
	nonceCount int
	cnonce     func() string
}

// SetUser sets the user name and restarts the exchange.
func (a *Authenticator) SetUser(user string) {
	a.user = user
	a.phase = PhaseStart
}

// SetPassword sets the password and restarts the exchange.
func (a *Authenticator) SetPassword(password string) {
	a.password = password
	a.phase = PhaseStart
}

func (a *Authenticator) User() string     { return a.user }
func (a *Authenticator) Password() string { return a.password }
func (a *Authenticator) Realm() string    { return a.realm }
func (a *Authenticator) Method() Method   { return a.method }
func (a *Authenticator) Phase() Phase     { return a.phase }

// Credentials returns the current credentials and realm.
func (a *Authenticator) Credentials() Credentials {
	return Credentials{User: a.user, Password: a.password, Realm: a.realm}
}

// IsNull reports whether no credentials are configured.
func (a *Authenticator) IsNull() bool {
	return a.user == "" && a.password == ""
}

// Reset forgets credentials and challenge state.
func (a *Authenticator) Reset() {
	*a = Authenticator{cnonce: a.cnonce}
}

// ParseChallenge reads the WWW-Authenticate (or Proxy-Authenticate when
// proxy is true) fields of resp and selects the strongest supported scheme.
func (a *Authenticator) ParseChallenge(resp *header.ResponseHeader, proxy bool) {
	field := "WWW-Authenticate"
	if proxy {
		field = "Proxy-Authenticate"
	}

	method := MethodNone
	var challenge string
	for _, v := range resp.AllValues(field) {
		scheme, rest, _ := strings.Cut(strings.TrimSpace(v), " ")
		switch {
		case method < MethodBasic && strings.EqualFold(scheme, "basic"):
			method, challenge = MethodBasic, rest
		case method < MethodDigestMD5 && strings.EqualFold(scheme, "digest"):
			method, challenge = MethodDigestMD5, rest
		}
	}

	a.method = method
	params := parseChallengeParams(strings.TrimSpace(challenge))
	switch method {
	case MethodBasic:
		a.realm = params["realm"]
		a.params = params
		if a.IsNull() {
			a.phase = PhaseDone
		}
	case MethodDigestMD5:
		a.realm = params["realm"]
		if a.params["nonce"] != params["nonce"] {
			a.nonceCount = 0
		}
		a.params = params
		if strings.EqualFold(params["stale"], "true") {
			a.phase = PhaseStart
		}
		if a.IsNull() {
			a.phase = PhaseDone
		}
	default:
		a.realm = ""
		a.params = nil
		a.phase = PhaseInvalid
	}
}

// CalculateResponse returns the Authorization (or Proxy-Authorization) field
// value for a request and marks the exchange Done.
func (a *Authenticator) CalculateResponse(method, path string) string {
	switch a.method {
	case MethodBasic:
		a.phase = PhaseDone
		return BasicResponse(a.user, a.password)
	case MethodDigestMD5:
		a.phase = PhaseDone
		return a.digestResponse(method, path)
	}
	return ""
}

// BasicResponse returns the Basic scheme value for user and password.
func BasicResponse(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func (a *Authenticator) digestResponse(method, path string) string {
	realm := a.params["realm"]
	nonce := a.params["nonce"]
	opaque := a.params["opaque"]
	algorithm := a.params["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}

	qop := ""
	for _, q := range strings.Split(a.params["qop"], ",") {
		if strings.EqualFold(strings.TrimSpace(q), "auth") {
			qop = "auth"
			break
		}
	}

	a.nonceCount++
	nc := fmt.Sprintf("%08x", a.nonceCount)
	cnonce := a.newCnonce()

	ha1 := md5hex(a.user + ":" + realm + ":" + a.password)
	if strings.EqualFold(algorithm, "MD5-sess") {
		ha1 = md5hex(ha1 + ":" + nonce + ":" + cnonce)
	}
	ha2 := md5hex(method + ":" + path)

	var response string
	if qop != "" {
		response = md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	} else {
		response = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=%s, response="%s"`,
		a.user, realm, nonce, path, algorithm, response)
	if opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	return b.String()
}

func (a *Authenticator) newCnonce() string {
	if a.cnonce != nil {
		return a.cnonce()
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseChallengeParams parses comma separated key=value pairs where values
// may be quoted strings containing commas and backslash escapes.
func parseChallengeParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			value = b.String()
			if i < len(s) {
				i++
			}
			s = s[i:]
		} else {
			end := strings.IndexByte(s, ',')
			if end == -1 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		params[key] = value
	}
	return params
}
