package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProtectedApp() *fiber.App {
	app := fiber.New()
	app.Post("/webhook/voice/status", ValidateTwilioSignature(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestMissingSignatureRejected(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	app := newProtectedApp()

	req := httptest.NewRequest("POST", "/webhook/voice/status?session_id=s1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestInvalidSignatureRejected(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	app := newProtectedApp()

	req := httptest.NewRequest("POST", "/webhook/voice/status?session_id=s1", strings.NewReader("CallStatus=completed"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestValidSignatureAccepted(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	app := newProtectedApp()

	// the signed URL includes the query string, the params the sorted form body
	signature := calculateTwilioSignature("secret",
		"http://example.com/webhook/voice/status?session_id=s1",
		map[string]string{"CallSid": "CA123", "CallStatus": "completed"})

	req := httptest.NewRequest("POST", "http://example.com/webhook/voice/status?session_id=s1",
		strings.NewReader("CallSid=CA123&CallStatus=completed"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signature)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMissingAuthTokenIsServerError(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	app := newProtectedApp()

	req := httptest.NewRequest("POST", "/webhook/voice/status", nil)
	req.Header.Set("X-Twilio-Signature", "anything")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestSignatureOrdersParams(t *testing.T) {
	a := calculateTwilioSignature("secret", "http://x/y", map[string]string{"B": "2", "A": "1"})
	b := calculateTwilioSignature("secret", "http://x/y", map[string]string{"A": "1", "B": "2"})
	assert.Equal(t, a, b)
}
