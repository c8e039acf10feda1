package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mints an HS256 token for local testing against a gateway running with
// auth.mode hmac.
func main() {
	var secret string
	var sub string
	var iss string
	var aud string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret")
	flag.StringVar(&sub, "sub", "user_123", "subject claim")
	flag.StringVar(&iss, "iss", "", "issuer claim (optional)")
	flag.StringVar(&aud, "aud", "", "audience claim (optional)")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if iss != "" {
		claims["iss"] = iss
	}
	if aud != "" {
		claims["aud"] = aud
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(s)
}
