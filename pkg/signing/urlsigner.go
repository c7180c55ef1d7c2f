package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

// Outcome labels every issue/verify result; each one lands in
// download_signed_total{outcome}.
type Outcome string

const (
	OutcomeIssued        Outcome = "issued"
	OutcomeOK            Outcome = "ok"
	OutcomeExpired       Outcome = "expired"
	OutcomeUnknownKID    Outcome = "unknown_kid"
	OutcomeForged        Outcome = "forged"
	OutcomeMalformed     Outcome = "malformed"
	OutcomePathTraversal Outcome = "path_traversal"
)

// Signed is one issued URL grant.
type Signed struct {
	Path string `json:"path"`
	// SignedParam is base64url(path), carried as the "signed" query key.
	SignedParam string `json:"signed"`
	KID         string `json:"kid"`
	Exp         int64  `json:"exp"`
	Sig         string `json:"sig"`
}

// Query renders the grant as download query parameters.
func (s Signed) Query() url.Values {
	return url.Values{
		"signed": {s.SignedParam},
		"kid":    {s.KID},
		"exp":    {strconv.FormatInt(s.Exp, 10)},
		"sig":    {s.Sig},
	}
}

// URLSigner issues and verifies signed download URLs.
type URLSigner struct {
	keys *KeySet
	clk  clock.Clock
	m    *metrics.Registry
}

// NewURLSigner wires the signer to its key set, clock and metrics.
func NewURLSigner(keys *KeySet, clk clock.Clock, m *metrics.Registry) *URLSigner {
	return &URLSigner{keys: keys, clk: clk, m: m}
}

// NormalizePath collapses duplicate slashes and rejects parent-directory
// escapes.
func NormalizePath(p string) (string, error) {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("signing: path escapes root")
		}
	}
	return p, nil
}

// Issue mints a grant for path. A non-positive ttl falls back to the key
// set default; the effective ttl is never below one second.
func (s *URLSigner) Issue(path string, ttl time.Duration) (Signed, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		s.count(OutcomePathTraversal)
		return Signed{}, err
	}

	if ttl <= 0 {
		ttl = s.keys.DefaultTTL()
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	active := s.keys.Active()
	exp := s.clk.Now().Unix() + int64(ttl/time.Second)
	signedParam := base64.RawURLEncoding.EncodeToString([]byte(normalized))

	q := url.Values{"signed": {signedParam}, "kid": {active.KID}}
	sig := sign(active.Secret, canonical(normalized, q, exp))

	s.count(OutcomeIssued)
	return Signed{
		Path:        normalized,
		SignedParam: signedParam,
		KID:         active.KID,
		Exp:         exp,
		Sig:         sig,
	}, nil
}

// Verify checks an incoming download query. On OutcomeOK the returned
// path is the decoded file path to stream.
func (s *URLSigner) Verify(q url.Values) (string, Outcome) {
	signedParam := q.Get("signed")
	kid := q.Get("kid")
	expRaw := q.Get("exp")
	sig := q.Get("sig")
	if signedParam == "" || kid == "" || expRaw == "" || sig == "" {
		return "", s.fail(OutcomeMalformed)
	}

	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return "", s.fail(OutcomeMalformed)
	}

	rawPath, err := base64.RawURLEncoding.DecodeString(signedParam)
	if err != nil {
		return "", s.fail(OutcomeMalformed)
	}

	path, err := NormalizePath(string(rawPath))
	if err != nil {
		return "", s.fail(OutcomePathTraversal)
	}

	if exp <= s.clk.Now().Unix() {
		return "", s.fail(OutcomeExpired)
	}

	key, ok := s.keys.Verifier(kid)
	if !ok {
		return "", s.fail(OutcomeUnknownKID)
	}

	want := sign(key.Secret, canonical(path, q, exp))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", s.fail(OutcomeForged)
	}

	s.count(OutcomeOK)
	return path, OutcomeOK
}

func (s *URLSigner) fail(o Outcome) Outcome {
	s.count(o)
	return o
}

func (s *URLSigner) count(o Outcome) {
	if s.m != nil {
		s.m.DownloadSigned.WithLabelValues(string(o)).Inc()
	}
}

// canonical builds the signing payload: the method, the normalized path,
// the sorted non-signature query pairs, and the expiry on its own line.
func canonical(path string, q url.Values, exp int64) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		if k == "sig" || k == "exp" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+q.Get(k))
	}

	return "GET\n" + path + "\n" + strings.Join(pairs, "&") + "\n" + strconv.FormatInt(exp, 10)
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
