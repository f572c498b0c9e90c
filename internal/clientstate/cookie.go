package clientstate

import (
	"net/http"
	"time"
)

// CookieJar is the cookie surface of one request/response pair. Values written
// during the request are visible to later reads in the same request.
type CookieJar struct {
	w       http.ResponseWriter
	r       *http.Request
	domain  string
	secure  bool
	pending map[string]*string // nil value means deleted
}

// NewCookieJar returns a jar scoped to domain ("" for host-only cookies).
func NewCookieJar(w http.ResponseWriter, r *http.Request, domain string) *CookieJar {
	return &CookieJar{
		w:       w,
		r:       r,
		domain:  domain,
		secure:  r.TLS != nil,
		pending: make(map[string]*string),
	}
}

func (j *CookieJar) Domain() string {
	return j.domain
}

func (j *CookieJar) Get(key string) (string, bool) {
	if v, ok := j.pending[key]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	c, err := j.r.Cookie(key)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (j *CookieJar) Set(key, value string, maxAge time.Duration) error {
	c := &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		Domain:   j.domain,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge / time.Second)
		c.Expires = time.Now().Add(maxAge)
	}
	if err := c.Valid(); err != nil {
		return err
	}
	http.SetCookie(j.w, c)
	j.pending[key] = &value
	return nil
}

func (j *CookieJar) Delete(key string) error {
	http.SetCookie(j.w, &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		Domain:   j.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		SameSite: http.SameSiteLaxMode,
	})
	j.pending[key] = nil
	return nil
}
