// Package link validates and normalizes migration links. Resolution is pure:
// no network action happens until a link has been accepted.
package link

import (
	"strings"
	"time"

	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Scheme identifies which transfer source serves a link.
type Scheme string

const (
	SchemeSimplex Scheme = "simplex"
	SchemeXFTP    Scheme = "xftp"
	SchemeS3      Scheme = "s3"
)

// recognized maps accepted prefixes to their scheme. Longer prefixes are
// matched first so the https form of the simplex link wins over nothing.
var recognized = []struct {
	prefix string
	scheme Scheme
}{
	{"https://simplex.chat/file#", SchemeSimplex},
	{"simplex:/file#", SchemeSimplex},
	{"xftp://", SchemeXFTP},
	{"s3://", SchemeS3},
}

// tokenSeparator splits the address from an optional authorization token.
const tokenSeparator = ";token="

// Link is a validated, normalized migration link.
type Link struct {
	// Raw is the trimmed input the link was parsed from.
	Raw string
	// Scheme selects the transfer source.
	Scheme Scheme
	// Address is the part after the scheme prefix, without the token segment.
	Address string
}

// Claims are the registered claims of a signed link's authorization token.
type Claims struct {
	jwt.RegisteredClaims
	FileDigest string `json:"fileDigest,omitempty"`
}

// Resolver validates raw link text. A non-nil signing key enables
// verification of the optional ";token=<jwt>" segment.
type Resolver struct {
	signingKey []byte
}

// NewResolver returns a Resolver. signingKey may be nil, in which case links
// carrying a token are rejected (there is nothing to verify them against).
func NewResolver(signingKey []byte) *Resolver {
	return &Resolver{signingKey: signingKey}
}

// Resolve trims incidental whitespace, checks the text against the
// recognized scheme prefixes and, when present, verifies the authorization
// token. It performs no I/O.
func (r *Resolver) Resolve(raw string) (*Link, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, common.ErrInvalidLink
	}

	for _, c := range recognized {
		if !strings.HasPrefix(trimmed, c.prefix) {
			continue
		}
		address := strings.TrimPrefix(trimmed, c.prefix)

		var token string
		if i := strings.Index(address, tokenSeparator); i >= 0 {
			token = address[i+len(tokenSeparator):]
			address = address[:i]
		}
		if address == "" {
			return nil, common.ErrInvalidLink
		}

		if token != "" {
			if err := r.verifyToken(token); err != nil {
				return nil, err
			}
		}

		return &Link{Raw: trimmed, Scheme: c.scheme, Address: address}, nil
	}

	return nil, common.ErrInvalidLink
}

func (r *Resolver) verifyToken(tokenString string) error {
	if r.signingKey == nil {
		return common.ErrLinkTokenInvalid
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return r.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return common.ErrLinkTokenInvalid
	}
	return nil
}

// SignToken issues an authorization token for a link. The exporting device
// appends it as ";token=<jwt>" so only holders of the shared key can start
// the download.
func SignToken(signingKey []byte, fileDigest string, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		FileDigest: fileDigest,
	})
	return token.SignedString(signingKey)
}
