package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	Algorithm        = "AWS4-HMAC-SHA256"
	DefaultExpires   = 86400
	DefaultProtocol  = "https"
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	scopeTerminator = "aws4_request"
	timeFormat      = "20060102T150405Z"
	dateFormat      = "20060102"
)

// Options carries the per-call inputs of a presign operation. Zero values fall back
// to the defaults documented on each field.
type Options struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Protocol defaults to https.
	Protocol string
	Query    map[string]string
	Headers  map[string]string

	// Expires is in seconds and defaults to DefaultExpires.
	Expires int

	// Timestamp defaults to the signer clock.
	Timestamp time.Time
}

// Signer produces SigV4 presigned URLs for a single endpoint.
type Signer struct {
	method  string
	host    string
	path    string
	region  string
	service string

	now    func() time.Time
	getenv func(string) string
}

func New(method, host, path, region, service string) *Signer {
	return &Signer{
		method:  method,
		host:    host,
		path:    path,
		region:  region,
		service: service,
		now:     time.Now,
		getenv:  os.Getenv,
	}
}

// WithClock returns a copy of the signer using fn as its time source.
func (s *Signer) WithClock(fn func() time.Time) *Signer {
	c := *s
	c.now = fn
	return &c
}

func (s *Signer) Host() string {
	return s.host
}

// Presign signs a request for payloadHash and returns the complete URL. Credentials
// are not validated: missing keys yield a URL the server will reject.
func (s *Signer) Presign(payloadHash string, opts Options) string {
	if opts.AccessKeyID == "" {
		opts.AccessKeyID = s.getenv("AWS_ACCESS_KEY_ID")
	}
	if opts.SecretAccessKey == "" {
		opts.SecretAccessKey = s.getenv("AWS_SECRET_ACCESS_KEY")
	}
	if opts.Protocol == "" {
		opts.Protocol = DefaultProtocol
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = s.now()
	}
	if opts.Expires <= 0 {
		opts.Expires = DefaultExpires
	}
	ts := opts.Timestamp.UTC()

	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers["host"] = s.host

	query := make(map[string]string, len(opts.Query)+7)
	for k, v := range opts.Query {
		query[k] = v
	}
	scope := CredentialScope(ts, s.region, s.service)
	query["X-Amz-Algorithm"] = Algorithm
	query["X-Amz-Credential"] = opts.AccessKeyID + "/" + scope
	query["X-Amz-Date"] = ts.Format(timeFormat)
	query["X-Amz-Expires"] = strconv.Itoa(opts.Expires)
	query["X-Amz-SignedHeaders"] = SignedHeaders(headers)
	if opts.SessionToken != "" {
		query["X-Amz-Security-Token"] = opts.SessionToken
	}

	canonical := s.canonicalRequest(query, headers, payloadHash)
	toSign := StringToSign(ts, scope, canonical)
	key := DeriveSigningKey(opts.SecretAccessKey, ts.Format(dateFormat), s.region, s.service)
	query["X-Amz-Signature"] = hex.EncodeToString(hmacSHA256(key, toSign))

	return opts.Protocol + "://" + s.host + s.path + "?" + CanonicalQueryString(query)
}

func (s *Signer) canonicalRequest(query, headers map[string]string, payloadHash string) string {
	return strings.Join([]string{
		strings.ToUpper(s.method),
		s.path,
		CanonicalQueryString(query),
		CanonicalHeaders(headers),
		SignedHeaders(headers),
		payloadHash,
	}, "\n")
}

// CanonicalQueryString sorts keys by their raw value and joins the percent-encoded
// pairs with '&'.
func CanonicalQueryString(query map[string]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, uriEncode(k)+"="+uriEncode(query[k]))
	}
	return strings.Join(pairs, "&")
}

// CanonicalHeaders renders "name:value\n" for every header, names lower-cased and
// sorted, values trimmed.
func CanonicalHeaders(headers map[string]string) string {
	names, values := normalizeHeaders(headers)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(values[name])
		b.WriteByte('\n')
	}
	return b.String()
}

func SignedHeaders(headers map[string]string) string {
	names, _ := normalizeHeaders(headers)
	return strings.Join(names, ";")
}

func normalizeHeaders(headers map[string]string) ([]string, map[string]string) {
	values := make(map[string]string, len(headers))
	for k, v := range headers {
		values[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, values
}

func CredentialScope(ts time.Time, region, service string) string {
	return strings.Join([]string{ts.UTC().Format(dateFormat), region, service, scopeTerminator}, "/")
}

func StringToSign(ts time.Time, scope, canonicalRequest string) string {
	return strings.Join([]string{
		Algorithm,
		ts.UTC().Format(timeFormat),
		scope,
		HashHex(canonicalRequest),
	}, "\n")
}

// DeriveSigningKey chains HMAC-SHA256 over date, region, service and the scope
// terminator, starting from "AWS4"+secret.
func DeriveSigningKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, scopeTerminator)
}

func HashHex(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ParseQuery turns a raw "a=1&b=2" query into the map form accepted by Options.
// Repeated keys keep their first value.
func ParseQuery(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

const upperhex = "0123456789ABCDEF"

// uriEncode escapes everything outside the RFC 3986 unreserved set.
func uriEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
