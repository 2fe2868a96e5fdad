package host

import (
	"net/url"
	"strings"
)

// Origin builds URLs for the pages the background process serves and answers
// whether a URL belongs to it. It is the basis of the privilege check.
type Origin interface {
	URL(path string) string
	IsOwnURL(raw string) bool
}

// ExtensionOrigin is an Origin rooted at a fixed base URL such as
// "chrome-extension://abcdef/" or "http://127.0.0.1:8765/".
type ExtensionOrigin struct {
	base *url.URL
}

// NewExtensionOrigin parses base. The base must be absolute.
func NewExtensionOrigin(base string) (*ExtensionOrigin, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: base, Err: errNotAbsolute}
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &ExtensionOrigin{base: u}, nil
}

// URL resolves path against the base.
func (o *ExtensionOrigin) URL(path string) string {
	return o.base.String() + strings.TrimPrefix(path, "/")
}

// IsOwnURL reports whether raw has the same scheme and host as the base and a
// path below it.
func (o *ExtensionOrigin) IsOwnURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, o.base.Scheme) || !strings.EqualFold(u.Host, o.base.Host) {
		return false
	}
	return strings.HasPrefix(u.Path+"/", o.base.Path)
}

type originError string

func (e originError) Error() string { return string(e) }

const errNotAbsolute = originError("base URL must be absolute")
