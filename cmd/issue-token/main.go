package main

import (
	"fmt"
	"os"
	"strings"

	jwtpkg "mailmeta/backend/internal/auth/jwt"
	"mailmeta/backend/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: issue-token <service> [scope,scope,...]")
		fmt.Println("Scopes:", joinScopes(jwtpkg.AllScopes))
		os.Exit(1)
	}

	service := os.Args[1]
	scopes := jwtpkg.AllScopes
	if len(os.Args) >= 3 {
		parsed, err := parseScopes(os.Args[2])
		if err != nil {
			fmt.Printf("Invalid scopes: %v\n", err)
			os.Exit(1)
		}
		scopes = parsed
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Auth.Enabled {
		fmt.Println("Warning: MAILMETA_AUTH_ENABLED is false, the server will not check this token")
	}

	manager := jwtpkg.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenExpiry)
	token, err := manager.Issue(service, scopes...)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Service token issued:\n")
	fmt.Printf("  Service: %s\n", service)
	fmt.Printf("  Scopes: %s\n", joinScopes(scopes))
	fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("\n%s %s\n", token.TokenType, token.AccessToken)
}

func parseScopes(raw string) ([]jwtpkg.Scope, error) {
	var scopes []jwtpkg.Scope
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scope, err := jwtpkg.ParseScope(part)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("no scopes given")
	}
	return scopes, nil
}

func joinScopes(scopes []jwtpkg.Scope) string {
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}
