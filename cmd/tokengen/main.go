// tokengen mints an operator access token for the hub's monitor/webhook
// admin surfaces. There is no self-service signup in this system — tokens
// are issued out of band by whoever holds JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/geocoder89/forgehub/internal/auth"
	"github.com/geocoder89/forgehub/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	userID := flag.String("user", "", "operator id to embed as the token subject (required)")
	role := flag.String("role", "admin", "role claim, checked by RequireRole on the webhook admin routes")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -user is required")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()

	mgr := auth.NewManager(cfg.JWTSecret, *ttl)
	token, err := mgr.GenerateAccessToken(*userID, "", *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
