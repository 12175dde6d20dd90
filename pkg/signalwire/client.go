package signalwire

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client is a SignalWire LaML (Twilio-compatible) REST API client
type Client struct {
	projectID  string
	token      string
	space      string
	baseURL    string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API root, e.g. for a test server.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the default 30s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Call represents a SignalWire call
type Call struct {
	SID       string `json:"sid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Price     string `json:"price"`
}

// CallRequest options for making a call
type CallRequest struct {
	From             string
	To               string
	URL              string // LaML webhook URL
	Method           string // POST or GET, defaults to POST
	StatusCallback   string
	Timeout          int
	MachineDetection string // Enable, DetectMessageEnd
}

// NewClient creates a new SignalWire API client
func NewClient(projectID, token, space string, opts ...Option) *Client {
	c := &Client{
		projectID: projectID,
		token:     token,
		space:     space,
		baseURL:   fmt.Sprintf("https://%s/api/laml/2010-04-01", space),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateConfiguration checks if SignalWire is properly configured
func (c *Client) ValidateConfiguration() error {
	if c.projectID == "" {
		return fmt.Errorf("SIGNALWIRE_PROJECT_ID not configured")
	}
	if c.token == "" {
		return fmt.Errorf("SIGNALWIRE_TOKEN not configured")
	}
	if c.space == "" {
		return fmt.Errorf("SIGNALWIRE_SPACE not configured")
	}
	return nil
}

// MakeCall initiates an outbound call
func (c *Client) MakeCall(ctx context.Context, r CallRequest) (*Call, error) {
	if r.From == "" || r.To == "" || r.URL == "" {
		return nil, fmt.Errorf("from, to and url are required")
	}

	formData := url.Values{}
	formData.Set("From", r.From)
	formData.Set("To", r.To)
	formData.Set("Url", r.URL)
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	formData.Set("Method", method)
	if r.StatusCallback != "" {
		formData.Set("StatusCallback", r.StatusCallback)
		formData.Set("StatusCallbackMethod", http.MethodPost)
		for _, evt := range []string{"initiated", "ringing", "answered", "completed"} {
			formData.Add("StatusCallbackEvent", evt)
		}
	}
	if r.Timeout > 0 {
		formData.Set("Timeout", fmt.Sprint(r.Timeout))
	}
	if r.MachineDetection != "" {
		formData.Set("MachineDetection", r.MachineDetection)
	}

	var call Call
	if err := c.do(ctx, http.MethodPost, "/Calls.json", formData, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves call details
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodGet, "/Calls/"+url.PathEscape(callSID)+".json", nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall terminates an active call
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	formData := url.Values{}
	formData.Set("Status", "completed")
	return c.do(ctx, http.MethodPost, "/Calls/"+url.PathEscape(callSID)+".json", formData, nil)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if c.projectID == "" || c.token == "" {
		return fmt.Errorf("SignalWire credentials not configured")
	}

	reqURL := fmt.Sprintf("%s/Accounts/%s%s", c.baseURL, c.projectID, path)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.projectID, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("SignalWire API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ============================================
// LaML / TwiML
// ============================================

type lamlResponse struct {
	XMLName xml.Name    `xml:"Response"`
	Connect lamlConnect `xml:"Connect"`
}

type lamlConnect struct {
	Stream lamlStream `xml:"Stream"`
}

type lamlStream struct {
	URL        string          `xml:"url,attr"`
	Parameters []lamlParameter `xml:"Parameter"`
}

type lamlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// GenerateStreamTwiML creates the <Connect><Stream> document that points a
// call's media at streamURL. Parameters arrive in the stream's start event.
func GenerateStreamTwiML(streamURL string, params map[string]string) (string, error) {
	doc := lamlResponse{Connect: lamlConnect{Stream: lamlStream{URL: streamURL}}}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters,
			lamlParameter{Name: name, Value: params[name]})
	}

	out, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to render stream document: %w", err)
	}
	return xml.Header + string(out), nil
}
