package signing

import (
	"encoding/base64"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func testKeySet(t *testing.T) *KeySet {
	t.Helper()
	ks, err := NewKeySet(15*time.Minute,
		Key{KID: "ACTV", State: StateActive, Secret: "active-secret"},
		Key{KID: "NEXT", State: StateNext, Secret: "next-secret"},
		Key{KID: "OLD", State: StateRetired, Secret: "old-secret"},
	)
	require.NoError(t, err)
	return ks
}

func TestIssueAndVerifyLifecycle(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	m := metrics.New("test")
	signer := NewURLSigner(testKeySet(t), frozen, m)

	grant, err := signer.Issue("/files/export_001.csv", 120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ACTV", grant.KID)
	assert.Equal(t, t0.Unix()+120, grant.Exp)
	assert.Equal(t,
		base64.RawURLEncoding.EncodeToString([]byte("/files/export_001.csv")),
		grant.SignedParam)

	frozen.Tick(119 * time.Second)
	path, outcome := signer.Verify(grant.Query())
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, "/files/export_001.csv", path)

	frozen.Tick(1 * time.Second)
	_, outcome = signer.Verify(grant.Query())
	assert.Equal(t, OutcomeExpired, outcome)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadSigned.WithLabelValues("issued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadSigned.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadSigned.WithLabelValues("expired")))
}

func TestVerifyAcceptsNextKey(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	signer := NewURLSigner(testKeySet(t), frozen, nil)

	path := "/files/export_001.csv"
	exp := t0.Unix() + 300
	signedParam := base64.RawURLEncoding.EncodeToString([]byte(path))
	q := url.Values{"signed": {signedParam}, "kid": {"NEXT"}}
	q.Set("sig", sign("next-secret", canonical(path, q, exp)))
	q.Set("exp", strconv.FormatInt(exp, 10))

	got, outcome := signer.Verify(q)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, path, got)
}

func TestVerifyRejectsRetiredAndUnknownKID(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	signer := NewURLSigner(testKeySet(t), frozen, nil)

	path := "/files/a.csv"
	exp := t0.Unix() + 300
	signedParam := base64.RawURLEncoding.EncodeToString([]byte(path))

	for _, kid := range []string{"OLD", "nope"} {
		q := url.Values{"signed": {signedParam}, "kid": {kid}}
		q.Set("sig", sign("old-secret", canonical(path, q, exp)))
		q.Set("exp", strconv.FormatInt(exp, 10))

		_, outcome := signer.Verify(q)
		assert.Equal(t, OutcomeUnknownKID, outcome, "kid %q", kid)
	}
}

func TestVerifyForgedSignature(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	signer := NewURLSigner(testKeySet(t), frozen, nil)

	grant, err := signer.Issue("/files/a.csv", time.Minute)
	require.NoError(t, err)

	q := grant.Query()
	q.Set("sig", sign("wrong-secret", canonical(grant.Path, q, grant.Exp)))
	_, outcome := signer.Verify(q)
	assert.Equal(t, OutcomeForged, outcome)

	q = grant.Query()
	q.Set("extra", "param")
	_, outcome = signer.Verify(q)
	assert.Equal(t, OutcomeForged, outcome, "unsigned extra params must not verify")
}

func TestVerifyMalformedQuadruples(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	signer := NewURLSigner(testKeySet(t), frozen, nil)

	grant, err := signer.Issue("/files/a.csv", time.Minute)
	require.NoError(t, err)

	cases := map[string]url.Values{
		"missing sig":    {"signed": {grant.SignedParam}, "kid": {grant.KID}, "exp": {strconv.FormatInt(grant.Exp, 10)}},
		"missing signed": {"kid": {grant.KID}, "exp": {strconv.FormatInt(grant.Exp, 10)}, "sig": {grant.Sig}},
		"exp not int":    {"signed": {grant.SignedParam}, "kid": {grant.KID}, "exp": {"tomorrow"}, "sig": {grant.Sig}},
		"bad base64":     {"signed": {"%%%"}, "kid": {grant.KID}, "exp": {strconv.FormatInt(grant.Exp, 10)}, "sig": {grant.Sig}},
		"empty":          {},
	}
	for name, q := range cases {
		_, outcome := signer.Verify(q)
		assert.Equal(t, OutcomeMalformed, outcome, name)
	}
}

func TestPathNormalization(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	m := metrics.New("test")
	signer := NewURLSigner(testKeySet(t), frozen, m)

	grant, err := signer.Issue("/files//nested///a.csv", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "/files/nested/a.csv", grant.Path)

	_, err = signer.Issue("/files/../secrets", time.Minute)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadSigned.WithLabelValues("path_traversal")))

	escaped := base64.RawURLEncoding.EncodeToString([]byte("/files/../secrets"))
	q := url.Values{"signed": {escaped}, "kid": {"ACTV"}, "exp": {"9999999999"}, "sig": {"x"}}
	_, outcome := signer.Verify(q)
	assert.Equal(t, OutcomePathTraversal, outcome)
}

func TestIssueDefaultAndMinimumTTL(t *testing.T) {
	frozen := clock.MustFrozen(t0)
	signer := NewURLSigner(testKeySet(t), frozen, nil)

	grant, err := signer.Issue("/f", 0)
	require.NoError(t, err)
	assert.Equal(t, t0.Unix()+int64(15*time.Minute/time.Second), grant.Exp)

	grant, err = signer.Issue("/f", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, t0.Unix()+1, grant.Exp)
}

func TestKeySetValidation(t *testing.T) {
	_, err := NewKeySet(time.Minute)
	assert.Error(t, err, "no active key")

	_, err = NewKeySet(time.Minute,
		Key{KID: "A", State: StateActive, Secret: "s"},
		Key{KID: "B", State: StateActive, Secret: "s"},
	)
	assert.Error(t, err, "two active keys")

	_, err = NewKeySet(time.Minute,
		Key{KID: "A", State: StateActive, Secret: "s"},
		Key{KID: "A", State: StateNext, Secret: "s"},
	)
	assert.Error(t, err, "duplicate kid")

	_, err = NewKeySet(time.Minute, Key{KID: "A", State: "sideways", Secret: "s"})
	assert.Error(t, err, "unknown state")
}

func TestRotationGenerateThenPromote(t *testing.T) {
	m := metrics.New("test")
	ks, err := NewKeySet(time.Minute, Key{KID: "ACTV", State: StateActive, Secret: "s1"})
	require.NoError(t, err)
	ks.Instrument(m)

	gen, err := ks.Generate("K2")
	require.NoError(t, err)
	assert.Equal(t, StateNext, gen.State)
	assert.Len(t, gen.Secret, 64, "32 random bytes hex encoded")

	_, err = ks.Generate("K2")
	assert.Error(t, err, "kid reuse rejected")

	promoted, err := ks.Promote()
	require.NoError(t, err)
	assert.Equal(t, "K2", promoted.KID)
	assert.Equal(t, StateActive, ks.Active().State)
	assert.Equal(t, "K2", ks.Active().KID)

	_, ok := ks.Verifier("ACTV")
	assert.False(t, ok, "retired key no longer verifies")

	_, err = ks.Promote()
	assert.Error(t, err, "nothing left to promote")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRotation.WithLabelValues("generate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRotation.WithLabelValues("promote")))
}

func TestKeySetSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.yaml")

	ks, err := NewKeySet(10*time.Minute,
		Key{KID: "ACTV", State: StateActive, Secret: "active-secret"},
		Key{KID: "NEXT", State: StateNext, Secret: "next-secret"},
	)
	require.NoError(t, err)
	require.NoError(t, ks.Save(path))

	loaded, err := LoadKeySet(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, loaded.DefaultTTL())
	assert.Equal(t, "ACTV", loaded.Active().KID)

	next, ok := loaded.Verifier("NEXT")
	require.True(t, ok)
	assert.Equal(t, "next-secret", next.Secret)
}
