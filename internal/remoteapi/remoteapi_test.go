package remoteapi

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestCorrelationMiddlewareTagsRequestAndResponse(t *testing.T) {
	app := fiber.New()
	app.Use(correlationMiddleware())
	app.Get("/probe", func(c *fiber.Ctx) error {
		return c.SendString(correlationID(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/probe", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	header := resp.Header.Get("X-Correlation-Id")
	if header == "" {
		t.Fatalf("expected X-Correlation-Id response header to be set")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != header {
		t.Errorf("handler saw correlation ID %q, header carried %q", body, header)
	}
}

func TestCorrelationMiddlewareAssignsDistinctIDsPerRequest(t *testing.T) {
	app := fiber.New()
	app.Use(correlationMiddleware())
	app.Get("/probe", func(c *fiber.Ctx) error {
		return c.SendString(correlationID(c))
	})

	resp1, err := app.Test(httptest.NewRequest("GET", "/probe", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	id1 := resp1.Header.Get("X-Correlation-Id")
	resp1.Body.Close()

	resp2, err := app.Test(httptest.NewRequest("GET", "/probe", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	id2 := resp2.Header.Get("X-Correlation-Id")
	resp2.Body.Close()

	if id1 == "" || id2 == "" || id1 == id2 {
		t.Errorf("expected distinct non-empty correlation IDs, got %q and %q", id1, id2)
	}
}
