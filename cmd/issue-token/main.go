package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/logger"
	"github.com/stemsi/proctord/internal/service"
	"golang.org/x/term"
)

// issue-token mints a signed access token for local testing and for
// integrations that sit outside the identity provider.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	fmt.Print("Subject (learner or reviewer ID): ")
	subject, _ := reader.ReadString('\n')
	subject = strings.TrimSpace(subject)
	if subject == "" {
		fmt.Println("Error: Subject is required")
		return
	}

	fmt.Print("Role [learner/reviewer] (default learner): ")
	roleInput, _ := reader.ReadString('\n')
	role := service.Role(strings.ToLower(strings.TrimSpace(roleInput)))
	if role == "" {
		role = service.RoleLearner
	}
	if !role.Valid() {
		fmt.Println("Error: Role must be learner or reviewer")
		return
	}

	fmt.Print("Workspace ID (empty for any): ")
	workspaceID, _ := reader.ReadString('\n')
	workspaceID = strings.TrimSpace(workspaceID)

	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("JWT secret (input hidden): ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) == 0 {
			fmt.Println("Error: Secret is required")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Sign ──────────────────────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	token, err := authService.GenerateToken(subject, role, workspaceID, cfg.JWTExpiry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().
		Str("subject", subject).
		Str("role", string(role)).
		Str("workspace_id", workspaceID).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Println(token)
}
