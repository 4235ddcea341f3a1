// Package provider is a thin typed wrapper over the telephony provider's
// REST surface. It does request shaping, auth and error decoding only;
// retry policy and fallback decisions belong to callers.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiVersion = "2010-04-01"

type Options struct {
	// APIBaseURL serves call, recording and SIP domain resources.
	APIBaseURL string
	// TrunkingBaseURL serves trunk resources.
	TrunkingBaseURL string
	// MediaStreamURL is embedded in outbound call-control documents.
	MediaStreamURL string

	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	httpc        *http.Client
	apiBase      string
	trunkingBase string
	streamURL    string
}

func NewClient(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpc = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpc:        httpc,
		apiBase:      strings.TrimRight(opts.APIBaseURL, "/"),
		trunkingBase: strings.TrimRight(opts.TrunkingBaseURL, "/"),
		streamURL:    opts.MediaStreamURL,
	}
}

// --- Calls ---

// CreateCall places an outbound call carrying the rendered script.
func (c *Client) CreateCall(ctx context.Context, creds Credentials, to, from, script string) (CallResource, error) {
	twiml, err := OutboundTwiML(c.streamURL, script)
	if err != nil {
		return CallResource{}, err
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Twiml", twiml)

	var out CallResource
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Calls.json", c.apiBase, apiVersion, creds.AccountSID)
	if err := c.postForm(ctx, creds, endpoint, form, &out); err != nil {
		return CallResource{}, err
	}
	return out, nil
}

// FetchCall retrieves the current call state.
func (c *Client) FetchCall(ctx context.Context, creds Credentials, callSID string) (CallResource, error) {
	var out CallResource
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Calls/%s.json", c.apiBase, apiVersion, creds.AccountSID, callSID)
	if err := c.getJSON(ctx, creds, endpoint, &out); err != nil {
		return CallResource{}, err
	}
	return out, nil
}

// --- Recordings ---

func (c *Client) ListRecordings(ctx context.Context, creds Credentials, callSID string) ([]RecordingResource, error) {
	var out struct {
		Recordings []RecordingResource `json:"recordings"`
	}
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Recordings.json?CallSid=%s",
		c.apiBase, apiVersion, creds.AccountSID, url.QueryEscape(callSID))
	if err := c.getJSON(ctx, creds, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Recordings, nil
}

// FetchRecordingBytes downloads the raw audio for a recording.
func (c *Client) FetchRecordingBytes(ctx context.Context, creds Credentials, rec RecordingResource) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+rec.MediaPath(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// --- SIP domains and credentials ---

func (c *Client) CreateDomain(ctx context.Context, creds Credentials, domainName, friendlyName string) (DomainResource, error) {
	form := url.Values{}
	form.Set("DomainName", domainName)
	form.Set("FriendlyName", friendlyName)

	var out DomainResource
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/SIP/Domains.json", c.apiBase, apiVersion, creds.AccountSID)
	if err := c.postForm(ctx, creds, endpoint, form, &out); err != nil {
		return DomainResource{}, err
	}
	return out, nil
}

// FindDomainByName is the conflict fallback: list domains and select the one
// owned by this account with a matching name.
func (c *Client) FindDomainByName(ctx context.Context, creds Credentials, domainName string) (DomainResource, error) {
	var out struct {
		Domains []DomainResource `json:"domains"`
	}
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/SIP/Domains.json", c.apiBase, apiVersion, creds.AccountSID)
	if err := c.getJSON(ctx, creds, endpoint, &out); err != nil {
		return DomainResource{}, err
	}
	for _, d := range out.Domains {
		if d.DomainName == domainName {
			return d, nil
		}
	}
	return DomainResource{}, &APIError{Code: 20404, Message: "no domain named " + domainName, Status: 404}
}

func (c *Client) CreateCredentialList(ctx context.Context, creds Credentials, friendlyName string) (CredentialListResource, error) {
	form := url.Values{}
	form.Set("FriendlyName", friendlyName)

	var out CredentialListResource
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/SIP/CredentialLists.json", c.apiBase, apiVersion, creds.AccountSID)
	if err := c.postForm(ctx, creds, endpoint, form, &out); err != nil {
		return CredentialListResource{}, err
	}
	return out, nil
}

func (c *Client) FindCredentialListByName(ctx context.Context, creds Credentials, friendlyName string) (CredentialListResource, error) {
	var out struct {
		CredentialLists []CredentialListResource `json:"credential_lists"`
	}
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/SIP/CredentialLists.json", c.apiBase, apiVersion, creds.AccountSID)
	if err := c.getJSON(ctx, creds, endpoint, &out); err != nil {
		return CredentialListResource{}, err
	}
	for _, cl := range out.CredentialLists {
		if cl.FriendlyName == friendlyName {
			return cl, nil
		}
	}
	return CredentialListResource{}, &APIError{Code: 20404, Message: "no credential list named " + friendlyName, Status: 404}
}

func (c *Client) CreateCredential(ctx context.Context, creds Credentials, credentialListSID, username, password string) (CredentialResource, error) {
	form := url.Values{}
	form.Set("Username", username)
	form.Set("Password", password)

	var out CredentialResource
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/SIP/CredentialLists/%s/Credentials.json",
		c.apiBase, apiVersion, creds.AccountSID, credentialListSID)
	if err := c.postForm(ctx, creds, endpoint, form, &out); err != nil {
		return CredentialResource{}, err
	}
	return out, nil
}

// --- Trunks ---

func (c *Client) CreateTrunk(ctx context.Context, creds Credentials, friendlyName, domainName string) (TrunkResource, error) {
	form := url.Values{}
	form.Set("FriendlyName", friendlyName)
	form.Set("DomainName", domainName)

	var out TrunkResource
	if err := c.postForm(ctx, creds, c.trunkingBase+"/v1/Trunks", form, &out); err != nil {
		return TrunkResource{}, err
	}
	return out, nil
}

func (c *Client) FetchTrunk(ctx context.Context, creds Credentials, trunkSID string) (TrunkResource, error) {
	var out TrunkResource
	if err := c.getJSON(ctx, creds, c.trunkingBase+"/v1/Trunks/"+trunkSID, &out); err != nil {
		return TrunkResource{}, err
	}
	return out, nil
}

func (c *Client) FindTrunkByDomain(ctx context.Context, creds Credentials, domainName string) (TrunkResource, error) {
	var out struct {
		Trunks []TrunkResource `json:"trunks"`
	}
	if err := c.getJSON(ctx, creds, c.trunkingBase+"/v1/Trunks", &out); err != nil {
		return TrunkResource{}, err
	}
	for _, tr := range out.Trunks {
		if tr.DomainName == domainName {
			return tr, nil
		}
	}
	return TrunkResource{}, &APIError{Code: 20404, Message: "no trunk for domain " + domainName, Status: 404}
}

func (c *Client) LinkCredentialListToTrunk(ctx context.Context, creds Credentials, trunkSID, credentialListSID string) error {
	form := url.Values{}
	form.Set("CredentialListSid", credentialListSID)
	var out struct {
		SID string `json:"sid"`
	}
	return c.postForm(ctx, creds, c.trunkingBase+"/v1/Trunks/"+trunkSID+"/CredentialLists", form, &out)
}

// --- HTTP mechanics ---

func (c *Client) postForm(ctx context.Context, creds Credentials, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, creds Credentials, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	ae := &APIError{}
	if err := json.Unmarshal(body, ae); err != nil || ae.Status == 0 {
		ae = &APIError{
			Message: strings.TrimSpace(string(body)),
			Status:  resp.StatusCode,
		}
		if ae.Message == "" {
			ae.Message = resp.Status
		}
	}
	return ae
}
