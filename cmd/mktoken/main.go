// Operator tool: mints an access token for a user identity, signed with the
// relay's JWT secret. Reads the same .env the relay runs with, so tokens it
// produces are accepted as-is. Useful for curl sessions and smoke tests.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"keyrelay/auth"
	"keyrelay/internal"
)

func main() {
	userID := flag.String("user", "", "User identity to mint a token for")
	ttl := flag.Duration("ttl", 0, "Token lifetime, defaults to AUTH_TOKEN_DURATION")
	flag.Parse()

	if *userID == "" {
		log.Fatal("Missing -user")
	}

	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		log.Fatal("Config error: ", err)
	}

	duration := config.AuthTokenDuration
	if *ttl > 0 {
		duration = *ttl
	}

	token, err := auth.GenerateToken([]byte(config.JWTSecret), *userID, duration)
	if err != nil {
		log.Fatal("Error while signing token: ", err)
	}

	fmt.Printf("%s\n", token)
	fmt.Printf("# expires %s\n", time.Now().Add(duration).UTC().Format(time.RFC3339))
}
