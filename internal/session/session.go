// Package session hands out the anonymous visitor id that assignments and
// events are keyed by.
package session

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/clientstate"
)

const (
	DefaultKey    = "abgate_sid"
	DefaultMaxAge = 365 * 24 * time.Hour

	suffixLen = 10
	base36    = "0123456789abcdefghijklmnopqrstuvwxyz"
)

type Provider struct {
	Key    string
	MaxAge time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

func NewProvider(key string, logger *zap.Logger) *Provider {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{Key: key, MaxAge: DefaultMaxAge, Now: time.Now, Logger: logger}
}

// ID returns the visitor's session id, creating and persisting one on first
// use. When storage refuses the write the fresh id is still returned, so a
// visitor with cookies blocked gets a new id per call.
func (p *Provider) ID(kv clientstate.KV) string {
	if kv != nil {
		if id, ok := kv.Get(p.Key); ok && Valid(id) {
			return id
		}
	}

	id := New(p.Now())
	if kv == nil {
		return id
	}
	if err := kv.Set(p.Key, id, p.MaxAge); err != nil {
		p.Logger.Debug("session id not persisted", zap.Error(err))
	}
	return id
}

// New builds "<millis base36>-<random base36>". Enough entropy to keep
// anonymous visitors apart; not a secret.
func New(now time.Time) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	b.WriteByte('-')
	max := big.NewInt(int64(len(base36)))
	for i := 0; i < suffixLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			n = big.NewInt(now.UnixNano() % int64(len(base36)))
		}
		b.WriteByte(base36[n.Int64()])
	}
	return b.String()
}

// Valid reports whether id looks like something New produced. Cookies are
// client controlled; anything else is replaced.
func Valid(id string) bool {
	if len(id) < 3 || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c == '-') {
			return false
		}
	}
	return true
}
