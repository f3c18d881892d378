package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/auth"
)

func protectedApp(m *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})
	return app
}

func TestAuthenticate(t *testing.T) {
	verifier := auth.NewHMACVerifier("s3cret", "", "")
	token, err := verifier.Sign("user-1", "", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	app := protectedApp(NewAuthMiddleware(verifier))

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"bearer header", "/me", "Bearer " + token, 200},
		{"query token", "/me?token=" + token, "", 200},
		{"missing", "/me", "", 401},
		{"wrong scheme", "/me", "Basic " + token, 401},
		{"bad token", "/me", "Bearer nope", 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAuthenticate_FallsBackToNextVerifier(t *testing.T) {
	legacy := auth.NewHMACVerifier("legacy", "", "")
	token, _ := legacy.Sign("user-2", "", time.Minute)
	app := protectedApp(NewAuthMiddleware(auth.NewHMACVerifier("primary", "", ""), legacy))

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthenticate_DisabledPassesThrough(t *testing.T) {
	app := protectedApp(NewAuthMiddleware())
	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	rl := NewRateLimiter(client, zap.NewNop())
	app := fiber.New()
	app.Post("/submit", rl.SubmitLimit(1), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/submit", nil), 2000)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if resp.StatusCode != fiber.StatusAccepted {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
	}
}

func TestRateLimiter_NilIsNoop(t *testing.T) {
	var rl *RateLimiter
	app := fiber.New()
	app.Get("/", rl.Limit("x", 1, time.Minute), func(c *fiber.Ctx) error { return c.SendStatus(204) })
	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil || resp.StatusCode != 204 {
		t.Fatalf("unexpected response %v %v", resp, err)
	}
}
