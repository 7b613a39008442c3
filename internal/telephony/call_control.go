package telephony

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultAPIBaseURL = "https://api.twilio.com"

// CallControl redirects live calls through the Twilio REST API
type CallControl struct {
	baseURL    string
	accountSid string
	authToken  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewCallControl creates a Twilio call-control client. An empty baseURL uses
// the public API.
func NewCallControl(baseURL, accountSid, authToken string, logger zerolog.Logger) *CallControl {
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &CallControl{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSid: accountSid,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "call_control").Logger(),
	}
}

type dialTwiML struct {
	XMLName xml.Name `xml:"Response"`
	Dial    string   `xml:"Dial"`
}

// DialTwiML renders the TwiML that connects the caller to number
func DialTwiML(number string) (string, error) {
	b, err := xml.Marshal(dialTwiML{Dial: number})
	if err != nil {
		return "", err
	}
	return xml.Header + string(b), nil
}

// Redirect replaces the live call's instructions with a <Dial> to number.
// Twilio then tears down the media stream of this call.
func (c *CallControl) Redirect(ctx context.Context, callSid, number string) error {
	if callSid == "" || number == "" {
		return fmt.Errorf("redirect needs a call sid and a number")
	}
	twiml, err := DialTwiML(number)
	if err != nil {
		return fmt.Errorf("failed to render twiml: %w", err)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		c.baseURL, url.PathEscape(c.accountSid), url.PathEscape(callSid))

	data := url.Values{}
	data.Set("Twiml", twiml)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.accountSid, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio API error: %s (status %d)", strings.TrimSpace(string(body)), resp.StatusCode)
	}

	c.logger.Info().Str("call_sid", callSid).Str("number", number).Msg("Call redirected")
	return nil
}
