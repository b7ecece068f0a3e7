package cryptoprov

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// URIScheme is the scheme of RFC 7512 PKCS#11 URI
const URIScheme = "pkcs11:"

// KeyURI is a reference to a key on the token, in RFC 7512 format:
//
//	pkcs11:manufacturer=Aktiv%20Co.;serial=3a5b;token=user;id=01af;object=sign;type=private
type KeyURI struct {
	Manufacturer string
	Model        string
	Serial       string
	Token        string
	ID           string
	Label        string
	Type         string
}

// String returns the URI
func (u *KeyURI) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+url.PathEscape(v))
		}
	}
	add("manufacturer", u.Manufacturer)
	add("model", u.Model)
	add("serial", u.Serial)
	add("token", u.Token)
	add("id", u.ID)
	add("object", u.Label)
	add("type", u.Type)
	return URIScheme + strings.Join(parts, ";")
}

// ParsePrivateKeyURI parses RFC 7512 URI
func ParsePrivateKeyURI(uri string) (*KeyURI, error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return nil, errors.Errorf("invalid PKCS#11 URI: %q", uri)
	}

	u := new(KeyURI)
	for _, attr := range strings.Split(uri[len(URIScheme):], ";") {
		if attr == "" {
			continue
		}
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			return nil, errors.Errorf("invalid PKCS#11 URI attribute: %q", attr)
		}
		val, err := url.PathUnescape(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid value of %q", k)
		}
		switch k {
		case "manufacturer":
			u.Manufacturer = val
		case "model":
			u.Model = val
		case "serial":
			u.Serial = val
		case "token":
			u.Token = val
		case "id":
			u.ID = val
		case "object":
			u.Label = val
		case "type":
			u.Type = val
		default:
			logger.KV(xlog.DEBUG, "reason", "unsupported_attribute", "attr", k)
		}
	}

	if u.ID == "" && u.Label == "" {
		return nil, errors.Errorf("PKCS#11 URI must specify id or object: %q", uri)
	}
	return u, nil
}
