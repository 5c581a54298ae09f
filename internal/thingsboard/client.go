package thingsboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/roehann/cota/internal/logger"
)

// Attribute keys recognized by the platform for firmware management.
const (
	AttrTitle   = "fw_title"
	AttrVersion = "fw_version"
	AttrURL     = "fw_url"
	AttrState   = "fw_state"
	AttrError   = "fw_error"
)

// State is a firmware update progress value reported via telemetry.
// It is purely observational and never read back by the agent.
type State string

// Recognized fw_state values.
const (
	StateDownloading State = "DOWNLOADING"
	StateDownloaded  State = "DOWNLOADED"
	StateVerified    State = "VERIFIED"
	StateUpdating    State = "UPDATING"
	StateUpdated     State = "UPDATED"
	StateFailed      State = "FAILED"
)

// Firmware describes one firmware build as stored in device attributes.
// The desired build lives in shared attributes, the running one in client
// attributes.
type Firmware struct {
	Title   string
	Version string
	URL     string
}

// Complete reports whether all three descriptor fields are present.
// An incomplete desired descriptor means no firmware is published.
func (f Firmware) Complete() bool {
	return f.Title != "" && f.Version != "" && f.URL != ""
}

// Differs reports whether the (title, version) pair differs from other.
// Versions are compared as normalized strings on both sides.
func (f Firmware) Differs(other Firmware) bool {
	return f.Title != other.Title || f.Version != other.Version
}

// Client talks to the ThingsBoard device HTTP API: shared/client attributes
// and telemetry. Every request goes through the shared retrying transport.
type Client struct {
	httpClient *http.Client

	attributesURL string
	telemetryURL  string
	sharedKeysURL string
	clientKeysURL string
}

// attributeKeys are the shared/client keys describing a firmware build.
var attributeKeys = []string{AttrTitle, AttrVersion, AttrURL}

// NewClient builds a client for one device. baseURL is scheme://host; port
// may be zero when baseURL already carries one (or none is needed).
func NewClient(baseURL string, port int, accessToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	apiURL := strings.TrimRight(baseURL, "/")
	if port > 0 {
		apiURL = fmt.Sprintf("%s:%d", apiURL, port)
	}

	apiURL = fmt.Sprintf("%s/api/v1/%s", apiURL, accessToken)

	attributesURL := apiURL + "/attributes"
	keys := strings.Join(attributeKeys, ",")

	return &Client{
		httpClient:    httpClient,
		attributesURL: attributesURL,
		telemetryURL:  apiURL + "/telemetry",
		sharedKeysURL: attributesURL + "?sharedKeys=" + keys,
		clientKeysURL: attributesURL + "?clientKeys=" + keys,
	}
}

// FetchDesiredFirmware reads the firmware descriptor published in shared
// attributes. Missing keys yield empty fields; an incomplete result is the
// "nothing published" signal, not an error.
func (c *Client) FetchDesiredFirmware(ctx context.Context) (Firmware, error) {
	attrs, err := c.getAttributes(ctx, c.sharedKeysURL)
	if err != nil {
		return Firmware{}, fmt.Errorf("fetch shared attributes: %w", err)
	}

	return firmwareFromAttributes(attrs.Shared), nil
}

// FetchCurrentFirmware reads the firmware descriptor this device last
// reported in client attributes. Absent keys default to empty values
// (first boot).
func (c *Client) FetchCurrentFirmware(ctx context.Context) (Firmware, error) {
	attrs, err := c.getAttributes(ctx, c.clientKeysURL)
	if err != nil {
		return Firmware{}, fmt.Errorf("fetch client attributes: %w", err)
	}

	return firmwareFromAttributes(attrs.Client), nil
}

// IsUpdateAvailable reports whether a complete desired descriptor exists
// and differs from the current one by (title, version).
func (c *Client) IsUpdateAvailable(ctx context.Context) (bool, error) {
	desired, err := c.FetchDesiredFirmware(ctx)
	if err != nil {
		return false, err
	}

	if !desired.Complete() {
		return false, nil
	}

	current, err := c.FetchCurrentFirmware(ctx)
	if err != nil {
		return false, err
	}

	return desired.Differs(current), nil
}

// ReportStatus pushes an update-progress telemetry point carrying the
// current firmware identity and the given state.
func (c *Client) ReportStatus(ctx context.Context, fw Firmware, state State) error {
	payload := map[string]any{
		"current_" + AttrTitle:   fw.Title,
		"current_" + AttrVersion: fw.Version,
		AttrState:                state,
	}

	if err := c.postJSON(ctx, c.telemetryURL, payload); err != nil {
		return fmt.Errorf("report status %s: %w", state, err)
	}

	return nil
}

// ReportFailure pushes a FAILED telemetry point carrying the error message.
func (c *Client) ReportFailure(ctx context.Context, cause error) error {
	payload := map[string]any{
		AttrState: StateFailed,
		AttrError: cause.Error(),
	}

	if err := c.postJSON(ctx, c.telemetryURL, payload); err != nil {
		return fmt.Errorf("report failure: %w", err)
	}

	return nil
}

// PublishCurrentFirmware overwrites the client attributes with the given
// descriptor. This is the only persistence of update history and it lives
// on the backend, not on the device.
func (c *Client) PublishCurrentFirmware(ctx context.Context, fw Firmware) error {
	payload := map[string]any{
		AttrTitle:   fw.Title,
		AttrVersion: fw.Version,
		AttrURL:     fw.URL,
	}

	if err := c.postJSON(ctx, c.attributesURL, payload); err != nil {
		return fmt.Errorf("publish current firmware: %w", err)
	}

	logger.InfoKV(ctx, "Published current firmware",
		"title", fw.Title, "version", fw.Version)

	return nil
}

// attributesResponse is the envelope of the attributes endpoint.
type attributesResponse struct {
	Shared map[string]any `json:"shared"`
	Client map[string]any `json:"client"`
}

func (c *Client) getAttributes(ctx context.Context, url string) (*attributesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	var attrs attributesResponse
	if err := json.NewDecoder(resp.Body).Decode(&attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}

	return &attrs, nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}

	// Response bodies of writes are empty; close for connection reuse.
	_ = resp.Body.Close()

	return nil
}

// firmwareFromAttributes builds a descriptor from raw attribute values.
func firmwareFromAttributes(attrs map[string]any) Firmware {
	return Firmware{
		Title:   attributeString(attrs, AttrTitle),
		Version: attributeString(attrs, AttrVersion),
		URL:     attributeString(attrs, AttrURL),
	}
}

// attributeString normalizes an attribute value to a string. The backend may
// store versions as numbers; both sides of a comparison go through here.
func attributeString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}

		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
