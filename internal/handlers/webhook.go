package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/twilio/twilio-go/twiml"

	"github.com/ahoum/outreach-backend/internal/services"
)

// VoiceHandler serves the telephony platform's webhooks for bridged calls
type VoiceHandler struct {
	bridge *services.CallBridge
}

// NewVoiceHandler creates a new voice webhook handler
func NewVoiceHandler(bridge *services.CallBridge) *VoiceHandler {
	return &VoiceHandler{bridge: bridge}
}

// HandleVoice answers the call leg with TwiML that holds the contact while
// the agent joins the room.
func (h *VoiceHandler) HandleVoice(c *fiber.Ctx) error {
	roomName := c.Query("room_name")
	if roomName == "" {
		log.Println("⚠️  Voice webhook without room_name")
		return c.Status(fiber.StatusBadRequest).SendString("Missing room_name parameter")
	}

	doc, err := twiml.Voice([]twiml.Element{
		twiml.VoiceSay{
			Message: "Hello! You are being connected to our onboarding specialist. Please hold while we establish the connection.",
			Voice:   "alice",
		},
		twiml.VoicePause{Length: "2"},
		twiml.VoiceSay{
			Message: "Thank you for your patience. Our agent will be with you shortly.",
			Voice:   "alice",
		},
	})
	if err != nil {
		log.Printf("❌ TwiML generation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).SendString("TwiML error")
	}

	c.Set("Content-Type", "text/xml")
	return c.SendString(doc)
}

// HandleStatus absorbs asynchronous call status callbacks. It must answer
// fast; all real work happens inside the bridge, and duplicate or stale
// events are discarded there.
func (h *VoiceHandler) HandleStatus(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	callSID := c.FormValue("CallSid")
	callStatus := c.FormValue("CallStatus")

	if sessionID == "" || callStatus == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing session_id or CallStatus")
	}

	log.Printf("📶 Status callback: session=%s call=%s status=%s", sessionID, callSID, callStatus)
	h.bridge.OnStatusEvent(sessionID, callStatus)

	return c.SendStatus(fiber.StatusOK)
}
