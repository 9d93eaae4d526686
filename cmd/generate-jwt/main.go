package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"payswap-backend/internal/config"
	"payswap-backend/internal/middleware"
)

func main() {
	handle := flag.String("handle", "", "handle the token is issued to")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *handle == "" {
		fmt.Fprintln(os.Stderr, "usage: generate-jwt -handle <handle> [-ttl 24h]")
		os.Exit(2)
	}
	if err := config.LoadConfig(""); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if config.AppConfig.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "auth.jwtSecret is not configured")
		os.Exit(1)
	}

	token, err := middleware.SignToken(config.AppConfig.Auth.JWTSecret, *handle, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Printf("  Handle:  %s\n", *handle)
	fmt.Printf("  Expires: %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:8080/api/payments/handle/%s\n", token, *handle)
}
