package mercari

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// dpopSigner produces the per-request DPoP proof Mercari's API expects:
// an ES256 JWT whose header carries the EC public key as a JWK and whose
// claims bind the request method and URL.
type dpopSigner struct {
	key *ecdsa.PrivateKey
}

// newDPoPSigner generates a fresh P-256 key pair.
func newDPoPSigner() (*dpopSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dpop key: %w", err)
	}
	return &dpopSigner{key: key}, nil
}

// Sign returns the DPoP proof for one request.
func (s *dpopSigner) Sign(method, url string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat":  now.Unix(),
		"jti":  uuid.NewString(),
		"htu":  url,
		"htm":  method,
		"uuid": uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = s.publicJWK()

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign dpop proof: %w", err)
	}
	return signed, nil
}

// publicJWK renders the public key as an RFC 7517 EC JWK.
func (s *dpopSigner) publicJWK() map[string]string {
	pub := s.key.PublicKey
	size := (pub.Curve.Params().BitSize + 7) / 8
	x := pub.X.FillBytes(make([]byte, size))
	y := pub.Y.FillBytes(make([]byte, size))
	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}
