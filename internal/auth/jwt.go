package auth

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Location is a place attached to the user's login.
type Location struct {
	Type     string `json:"location_type"`
	District string `json:"district"`
	Village  string `json:"village"`
	Taluka   string `json:"taluka"`
	LGDCode  Code   `json:"lgd_code"`
}

var locationTypes = map[string]bool{
	"registered_location": true,
	"device_location":     true,
	"agristack_location":  true,
}

// Code is an identifier that may be encoded as a JSON string or number.
type Code string

// UnmarshalJSON implements json.Unmarshaler.
func (c *Code) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("lgd_code: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// Claims are the login token's claims.
type Claims struct {
	Name      string     `json:"name,omitempty"`
	Email     string     `json:"email,omitempty"`
	Mobile    string     `json:"mobile,omitempty"`
	Guest     bool       `json:"is_guest_user,omitempty"`
	Role      string     `json:"role,omitempty"`
	FarmerID  string     `json:"farmer_id,omitempty"`
	Locations []Location `json:"locations,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName returns the user's name, or a placeholder.
func (c *Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return "Anonymous User"
}

// ValidLocations returns the locations with a known type.
func (c *Claims) ValidLocations() []Location {
	var out []Location
	for _, l := range c.Locations {
		if locationTypes[l.Type] {
			out = append(out, l)
		}
	}
	return out
}

// Validator checks login tokens.
type Validator struct {
	key *rsa.PublicKey
	now func() time.Time
}

// NewValidator returns a validator for RS256 tokens signed by the key in
// pemKey. With an empty key only the token's structure and expiry are
// checked.
func NewValidator(pemKey []byte) (*Validator, error) {
	v := &Validator{now: time.Now}
	if len(strings.TrimSpace(string(pemKey))) == 0 {
		return v, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse public key: %w", err)
	}
	v.key = key
	return v, nil
}

// Verifies reports whether signatures are checked.
func (v *Validator) Verifies() bool { return v.key != nil }

// Validate parses token and returns its claims.
func (v *Validator) Validate(token string) (*Claims, error) {
	claims := &Claims{}

	if v.key == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		if exp, _ := claims.GetExpirationTime(); exp != nil && v.now().After(exp.Time) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, jwt.ErrTokenExpired)
		}
		return claims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
