package credentials

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

var (
	ErrNoCredentials = errors.New("no credentials available")
	ErrExpired       = errors.New("credentials expired")
)

// Credentials are temporary keys obtained out of band.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Expires is zero for credentials without a known expiry.
	Expires time.Time
}

func (c Credentials) HasKeys() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func (c Credentials) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

type Provider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

type StaticProvider struct {
	Value Credentials
}

func (p StaticProvider) Retrieve(ctx context.Context) (Credentials, error) {
	if !p.Value.HasKeys() {
		return Credentials{}, ErrNoCredentials
	}
	return p.Value, nil
}

// EnvProvider reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN.
type EnvProvider struct {
	getenv func(string) string
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{getenv: os.Getenv}
}

func (p *EnvProvider) Retrieve(ctx context.Context) (Credentials, error) {
	getenv := p.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Credentials{
		AccessKeyID:     getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    getenv("AWS_SESSION_TOKEN"),
	}
	if !c.HasKeys() {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

// Holder keeps the most recently exchanged temporary credentials. Whatever
// performs the exchange fills it with Set or Load; sessions read it at signing
// time. Setting credentials without keys empties it.
type Holder struct {
	mu    sync.RWMutex
	value Credentials
	set   bool
	now   func() time.Time
}

func NewHolder() *Holder {
	return &Holder{now: time.Now}
}

func (h *Holder) Set(c Credentials) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = c
	h.set = c.HasKeys()
}

func (h *Holder) Retrieve(ctx context.Context) (Credentials, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.set {
		return Credentials{}, ErrNoCredentials
	}
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	if h.value.Expired(now()) {
		return Credentials{}, ErrExpired
	}
	return h.value, nil
}

// Chain returns the first credentials any provider yields.
type Chain []Provider

func (c Chain) Retrieve(ctx context.Context) (Credentials, error) {
	var errs []error
	for _, p := range c {
		creds, err := p.Retrieve(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials{}, errors.Join(errs...)
}
