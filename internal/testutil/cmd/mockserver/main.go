// Command mockserver runs a standalone mock GitHub API for manual and E2E
// testing of onPace. It wraps testutil.MockGitHub and exposes its /admin/*
// endpoints for runtime mutation.
//
// Usage:
//
//	go run ./internal/testutil/cmd/mockserver [flags]
//
// Point onPace at it with ONPACE_GITHUB_API_URL=http://localhost:19312.
//
// Flags:
//
//	--port       HTTP port (default: 19312)
//	--token      Accepted GitHub token (default: ghp_test_e2e_token)
//	--login      Login the token belongs to (default: octocat)
//	--limit      Premium request entitlement (default: 300)
//	--remaining  Premium requests remaining (default: 240)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onllm-dev/onpace/internal/testutil"
)

func main() {
	port := flag.Int("port", 19312, "HTTP port for the mock server")
	token := flag.String("token", "ghp_test_e2e_token", "Accepted GitHub token")
	login := flag.String("login", "octocat", "Login the token belongs to")
	limit := flag.Int("limit", 300, "Premium request entitlement")
	remaining := flag.Int("remaining", 240, "Premium requests remaining")
	flag.Parse()

	mock := testutil.NewMockGitHubHandler(testutil.WithAccount(*token, testutil.Account{
		Login:       *login,
		Entitlement: *limit,
		Remaining:   *remaining,
	}))

	addr := fmt.Sprintf(":%d", *port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}

	httpSrv := &http.Server{
		Handler:      mock.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("mock GitHub listening on http://localhost:%d", *port)
		log.Printf("  token: %s (%s, %d/%d remaining)", *token, *login, *remaining, *limit)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}
