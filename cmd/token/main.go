package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/security"
)

// token issues an access token for a given owner, signed with the configured secret
func main() {
	owner := flag.String("owner", "", "owner (token subject)")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", 0, "token lifetime, defaults to auth.access_token_ttl")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(1)
	}

	lifetime := cfg.Auth.AccessTokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	manager := security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, lifetime)
	token, err := manager.GenerateAccessToken(*owner, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(lifetime).UTC().Format(time.RFC3339))
	fmt.Println(token)
}
