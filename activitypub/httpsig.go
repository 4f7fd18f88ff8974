package activitypub

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/cardfed/domain"
	"go.uber.org/zap"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	AlgorithmRSASHA512 = "rsa-sha512"
	AlgorithmHS2019    = "hs2019"
	AlgorithmEd25519   = "ed25519"

	// DefaultSignatureWindow is how far Date may drift from our clock, in either direction.
	DefaultSignatureWindow = 300 * time.Second
)

// DefaultSignedHeaders is assumed when a Signature header has no headers parameter.
var DefaultSignedHeaders = []string{"(request-target)", "host", "date"}

// ParsedSignature is the content of one Signature header.
type ParsedSignature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
	Created   int64
	Expires   int64
}

// Covers reports whether name is part of the signed header list.
func (p *ParsedSignature) Covers(name string) bool {
	return slices.Contains(p.Headers, strings.ToLower(name))
}

// ParseSignatureHeader returns nil unless both keyId and signature are present.
// A leading "Signature " scheme (Authorization header form) is accepted.
func ParseSignatureHeader(raw string) *ParsedSignature {
	raw = strings.TrimSpace(raw)
	if len(raw) > 10 && strings.EqualFold(raw[:10], "signature ") {
		raw = raw[10:]
	}

	params := parseSignatureParams(raw)
	sig := &ParsedSignature{
		KeyID:     params["keyid"],
		Algorithm: strings.ToLower(params["algorithm"]),
		Signature: params["signature"],
	}
	if sig.KeyID == "" || sig.Signature == "" {
		return nil
	}
	if sig.Algorithm == "" {
		sig.Algorithm = AlgorithmRSASHA256
	}
	if h := strings.TrimSpace(params["headers"]); h != "" {
		for _, name := range strings.Fields(h) {
			sig.Headers = append(sig.Headers, strings.ToLower(name))
		}
	} else {
		sig.Headers = append([]string(nil), DefaultSignedHeaders...)
	}
	if v, err := strconv.ParseInt(params["created"], 10, 64); err == nil {
		sig.Created = v
	}
	if v, err := strconv.ParseInt(params["expires"], 10, 64); err == nil {
		sig.Expires = v
	}
	return sig
}

// parseSignatureParams splits `k1="v1",k2=v2` honouring quotes. Keys are lowercased.
func parseSignatureParams(raw string) map[string]string {
	params := map[string]string{}
	i := 0
	for i < len(raw) {
		for i < len(raw) && (raw[i] == ' ' || raw[i] == ',' || raw[i] == '\t') {
			i++
		}
		start := i
		for i < len(raw) && raw[i] != '=' && raw[i] != ',' {
			i++
		}
		if i >= len(raw) || raw[i] != '=' {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(raw[start:i]))
		i++ // '='

		var val strings.Builder
		if i < len(raw) && raw[i] == '"' {
			i++
			for i < len(raw) && raw[i] != '"' {
				if raw[i] == '\\' && i+1 < len(raw) {
					i++
				}
				val.WriteByte(raw[i])
				i++
			}
			i++ // closing quote
		} else {
			for i < len(raw) && raw[i] != ',' {
				val.WriteByte(raw[i])
				i++
			}
		}
		if key != "" {
			params[key] = strings.TrimSpace(val.String())
		}
	}
	return params
}

// BuildSigningString reproduces the string the signer signed: one lowercase
// "name: value" line per signed header, joined by newlines.
func BuildSigningString(method, path string, headers http.Header, signed []string) (string, error) {
	return buildSigningString(method, path, headers, signed, nil)
}

func buildSigningString(method, path string, headers http.Header, signed []string, sig *ParsedSignature) (string, error) {
	lines := make([]string, 0, len(signed))
	for _, name := range signed {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(method), path))
		case "(created)", "(expires)":
			if sig == nil {
				return "", fmt.Errorf("pseudo-header %s needs signature parameters", name)
			}
			v := sig.Created
			if name == "(expires)" {
				v = sig.Expires
			}
			if v == 0 {
				return "", fmt.Errorf("signature covers %s but does not set it", name)
			}
			lines = append(lines, fmt.Sprintf("%s: %d", name, v))
		default:
			values := slices.Clone(headers.Values(name))
			if len(values) == 0 {
				return "", fmt.Errorf("signed header %q is missing", name)
			}
			for i := range values {
				values[i] = strings.TrimSpace(values[i])
			}
			lines = append(lines, name+": "+strings.Join(values, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// CalculateDigest returns the Digest header value for body.
func CalculateDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks the SHA-256 entry of a Digest header against body.
func VerifyDigest(header string, body []byte) error {
	want := CalculateDigest(body)[len("SHA-256="):]
	for _, part := range strings.Split(header, ",") {
		alg, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(alg, "SHA-256") {
			continue
		}
		if val != want {
			return domain.NewSecurityError("Digest mismatch")
		}
		return nil
	}
	return domain.NewSecurityError("Digest header has no SHA-256 value")
}

// ActorSource resolves actor documents; the verifier reads publicKey from them.
type ActorSource interface {
	FetchActor(ctx context.Context, actorURI string) (*Actor, error)
}

// ActorSourceFunc adapts a plain function to ActorSource.
type ActorSourceFunc func(ctx context.Context, actorURI string) (*Actor, error)

func (f ActorSourceFunc) FetchActor(ctx context.Context, actorURI string) (*Actor, error) {
	return f(ctx, actorURI)
}

// VerifyInput is the part of an inbound request the verifier looks at.
// Body must be the raw bytes as received; nil means the caller could not supply it.
type VerifyInput struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
	ActorID string
}

type Verifier struct {
	actors ActorSource
	window time.Duration
	now    func() time.Time
}

func NewVerifier(actors ActorSource, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	return &Verifier{actors: actors, window: window, now: time.Now}
}

// ActorInvalidator is implemented by actor sources that cache documents.
// The verifier uses it to refetch an actor once when its cached key no
// longer matches the signature.
type ActorInvalidator interface {
	Invalidate(actorURI string)
}

// Verify authenticates a request on behalf of in.ActorID. Every failure is a
// *domain.SecurityError.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (*ParsedSignature, error) {
	raw := in.Headers.Get("Signature")
	if raw == "" {
		raw = in.Headers.Get("Authorization")
	}
	sig := ParseSignatureHeader(raw)
	if sig == nil {
		return nil, domain.NewSecurityError("Missing or malformed Signature header")
	}

	if !sameResource(sig.KeyID, in.ActorID) {
		return nil, domain.NewSecurityError("Signature keyId %s does not belong to actor %s", sig.KeyID, in.ActorID)
	}

	actor, err := v.loadActor(ctx, in.ActorID)
	if err != nil {
		return nil, err
	}
	refreshed := false
	if actor.PublicKey.ID != sig.KeyID {
		if fresh := v.refetch(ctx, in.ActorID); fresh != nil {
			actor, refreshed = fresh, true
		}
	}
	if actor.PublicKey.ID != sig.KeyID {
		return nil, domain.NewSecurityError("Key id mismatch: signature uses %s, actor publishes %s", sig.KeyID, actor.PublicKey.ID)
	}

	digestHeader := in.Headers.Get("Digest")
	if digestHeader != "" {
		if in.Body == nil {
			return nil, domain.NewSecurityError("Digest header present but request body unavailable")
		}
		if err := VerifyDigest(digestHeader, in.Body); err != nil {
			return nil, err
		}
	}
	if sig.Covers("digest") && digestHeader == "" {
		return nil, domain.NewSecurityError("Signature covers digest but no Digest header was sent")
	}

	if _, err := buildSigningString(in.Method, in.Path, in.Headers, sig.Headers, sig); err != nil {
		return nil, &domain.SecurityError{Msg: "Cannot rebuild signing string", Err: err}
	}

	err = checkSignature(in, sig, actor)
	if err != nil && !refreshed {
		// same key id, new key material
		if fresh := v.refetch(ctx, in.ActorID); fresh != nil &&
			fresh.PublicKey.ID == sig.KeyID && fresh.PublicKey.PublicKeyPem != actor.PublicKey.PublicKeyPem {
			err = checkSignature(in, sig, fresh)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := v.checkDate(in.Headers.Get("Date")); err != nil {
		return nil, err
	}
	if sig.Expires > 0 && v.now().Unix() > sig.Expires {
		return nil, domain.NewSecurityError("Signature expired")
	}

	return sig, nil
}

func (v *Verifier) loadActor(ctx context.Context, actorID string) (*Actor, error) {
	actor, err := v.actors.FetchActor(ctx, actorID)
	if err != nil {
		return nil, &domain.SecurityError{Msg: "Failed to fetch actor " + actorID, Err: err}
	}
	if actor == nil || actor.PublicKey.PublicKeyPem == "" {
		return nil, domain.NewSecurityError("Actor %s has no public key", actorID)
	}
	if actor.ID != "" && actor.ID != actorID {
		return nil, domain.NewSecurityError("Fetched actor %s does not match %s", actor.ID, actorID)
	}
	return actor, nil
}

// refetch drops the cached actor and loads it again. It returns nil when the
// source does not cache or the fresh document is unusable.
func (v *Verifier) refetch(ctx context.Context, actorID string) *Actor {
	inv, ok := v.actors.(ActorInvalidator)
	if !ok {
		return nil
	}
	inv.Invalidate(actorID)
	actor, err := v.loadActor(ctx, actorID)
	if err != nil {
		zap.S().Debugf("Refetching actor %s after key mismatch failed: %v", actorID, err)
		return nil
	}
	signatureRefetches.Inc()
	return actor
}

func (v *Verifier) checkDate(raw string) error {
	if raw == "" {
		return domain.NewSecurityError("Missing Date header")
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return domain.NewSecurityError("Invalid Date header: %q", raw)
	}
	skew := v.now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return domain.NewSecurityError("Date header outside the allowed window (%s)", v.window)
	}
	return nil
}

// checkSignature runs the httpsig verifier over the request with the actor's key.
func checkSignature(in VerifyInput, sig *ParsedSignature, actor *Actor) error {
	pub, err := ParsePublicKey(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return &domain.SecurityError{Msg: "Invalid actor public key", Err: err}
	}
	algos, err := algorithmsFor(pub, sig.Algorithm)
	if err != nil {
		return &domain.SecurityError{Msg: "Signature verification failed", Err: err}
	}
	req, err := verifierRequest(in, sig)
	if err != nil {
		return &domain.SecurityError{Msg: "Cannot rebuild request", Err: err}
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return &domain.SecurityError{Msg: "Malformed Signature header", Err: err}
	}
	for _, algo := range algos {
		if err = verifier.Verify(pub, algo); err == nil {
			return nil
		}
	}
	return &domain.SecurityError{Msg: "Signature verification failed", Err: err}
}

// algorithmsFor maps the declared algorithm onto httpsig ones. hs2019 leaves
// the choice to the key; RSA senders in the wild use SHA-256.
func algorithmsFor(pub crypto.PublicKey, algorithm string) ([]httpsig.Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch algorithm {
		case AlgorithmRSASHA256:
			return []httpsig.Algorithm{httpsig.RSA_SHA256}, nil
		case AlgorithmRSASHA512:
			return []httpsig.Algorithm{httpsig.RSA_SHA512}, nil
		case AlgorithmHS2019:
			return []httpsig.Algorithm{httpsig.RSA_SHA256, httpsig.RSA_SHA512}, nil
		}
		return nil, fmt.Errorf("algorithm %q cannot be used with an RSA key", algorithm)
	case ed25519.PublicKey:
		if algorithm != AlgorithmHS2019 && algorithm != AlgorithmEd25519 {
			return nil, fmt.Errorf("algorithm %q cannot be used with an Ed25519 key", algorithm)
		}
		return []httpsig.Algorithm{httpsig.ED25519}, nil
	}
	return nil, fmt.Errorf("unsupported public key type %T", pub)
}

// verifierRequest rebuilds the inbound request for httpsig. The Signature
// header is rewritten from the parsed form so both sides agree on the
// default header list and the Authorization form.
func verifierRequest(in VerifyInput, sig *ParsedSignature) (*http.Request, error) {
	u, err := url.ParseRequestURI(in.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", in.Path, err)
	}
	h := in.Headers.Clone()
	h.Del("Authorization")

	params := fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s"`, sig.KeyID, sig.Algorithm, strings.Join(sig.Headers, " "))
	if sig.Created > 0 {
		params += fmt.Sprintf(",created=%d", sig.Created)
	}
	if sig.Expires > 0 {
		params += fmt.Sprintf(",expires=%d", sig.Expires)
	}
	h.Set("Signature", params+fmt.Sprintf(`,signature="%s"`, sig.Signature))

	return &http.Request{Method: in.Method, URL: u, Header: h, Host: h.Get("Host")}, nil
}

// sameResource compares scheme, host and path exactly; fragments and queries are ignored.
func sameResource(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) &&
		strings.EqualFold(ua.Host, ub.Host) &&
		ua.EscapedPath() == ub.EscapedPath()
}

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://example.com/users/alice#main-key". When body is
// non-nil a Digest header is added and signed.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	headers := []string{"(request-target)", "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey accepts PKIX ("PUBLIC KEY", RSA or Ed25519) and PKCS#1
// ("RSA PUBLIC KEY") encodings.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch key := pubKey.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return key, nil
	}
	return nil, fmt.Errorf("unsupported public key type %T", pubKey)
}
