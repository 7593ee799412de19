package services

import (
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// PlacementError means the telephony platform rejected the call placement
// (invalid number, quota, auth). It is never retried here; retry policy
// lives in the orchestrator.
type PlacementError struct {
	Phone string
	Err   error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("call placement to %s rejected: %v", e.Phone, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}

// TelephonyService places outbound calls via Twilio
type TelephonyService struct {
	client  *twilio.RestClient
	from    string // caller number, E.164
	baseURL string // public base URL for voice webhooks
}

// NewTelephonyService creates a new Twilio-backed telephony service
func NewTelephonyService() (*TelephonyService, error) {
	accountSid := os.Getenv("TWILIO_ACCOUNT_SID")
	authToken := os.Getenv("TWILIO_AUTH_TOKEN")
	from := os.Getenv("TWILIO_PHONE_NUMBER")
	baseURL := os.Getenv("BASE_URL")

	if accountSid == "" || authToken == "" || from == "" {
		return nil, fmt.Errorf("missing Twilio credentials in environment variables")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("BASE_URL is required for status callbacks")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})

	return &TelephonyService{
		client:  client,
		from:    from,
		baseURL: baseURL,
	}, nil
}

// PlaceCall dials the contact and points the call at the voice webhook for
// the given room. The status callback URL embeds the session id so
// asynchronous events can be routed back to the right session.
func (t *TelephonyService) PlaceCall(to, roomName, sessionID string) (string, error) {
	voiceURL := fmt.Sprintf("%s/webhook/voice?room_name=%s", t.baseURL, url.QueryEscape(roomName))
	statusURL := fmt.Sprintf("%s/webhook/voice/status?session_id=%s", t.baseURL, url.QueryEscape(sessionID))

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetUrl(voiceURL)
	params.SetMethod("POST")
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", &PlacementError{Phone: to, Err: err}
	}
	if resp.Sid == nil {
		return "", &PlacementError{Phone: to, Err: fmt.Errorf("no call SID returned")}
	}

	log.Printf("📞 Call placed: %s to %s (room %s)", *resp.Sid, to, roomName)
	return *resp.Sid, nil
}

// EndCall hangs up an in-flight call
func (t *TelephonyService) EndCall(callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := t.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("end call %s: %w", callSID, err)
	}
	log.Printf("📴 Call %s ended", callSID)
	return nil
}
