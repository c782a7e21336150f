// Command usertoken mints a user token for local development, standing in
// for the platform's auth service.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/geofleet/fleet-server-go/internal/middleware"
)

func main() {
	accountID := flag.String("account", "", "account id (required)")
	orgID := flag.String("org", "", "organization id (required)")
	userID := flag.String("user", "", "user id (random when empty)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("USER_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "USER_JWT_SECRET is required")
		os.Exit(1)
	}
	if *accountID == "" || *orgID == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *userID == "" {
		*userID = uuid.NewString()
	}

	now := time.Now()
	claims := middleware.UserClaims{
		AccountID:      *accountID,
		OrganizationID: *orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
