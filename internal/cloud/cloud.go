package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
	"github.com/daemonp/dreamcatcher2mqtt/internal/util"
)

const (
	DefaultDiscoveryURL = "https://uac.dreamcatcher-cloud.com"
	statusOK            = "200"
)

// LoginProvider produces a session for a user. The daemon only depends on
// this capability, so alternative login flows can be plugged in.
type LoginProvider interface {
	Login(ctx context.Context, username, password, installationID string) (*types.Session, error)
}

// Directory lists the panels registered to a session.
type Directory interface {
	ListDevices(ctx context.Context, session *types.Session) ([]types.DeviceInfo, error)
}

type Client struct {
	discoveryURL string
	uacScheme    string
	httpClient   *http.Client
	log          *log.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithUACScheme overrides the scheme used to reach the per-user controller
// returned by discovery. The cloud hands out bare IPs served over http.
func WithUACScheme(scheme string) Option {
	return func(cl *Client) { cl.uacScheme = scheme }
}

func NewClient(discoveryURL string, logger *log.Logger, opts ...Option) *Client {
	if discoveryURL == "" {
		discoveryURL = DefaultDiscoveryURL
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &Client{
		discoveryURL: strings.TrimRight(discoveryURL, "/"),
		uacScheme:    "http",
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		log:          logger.With("cloud"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type discoveryResponse struct {
	Status  util.FlexString `json:"Return status"`
	UACIP   string          `json:"uacIP"`
	UACPort util.FlexString `json:"uacPort"`
	Token   string          `json:"token"`
}

type loginResponse struct {
	Status   util.FlexString `json:"status"`
	Token    string          `json:"token"`
	Alias    string          `json:"alias"`
	MQTTIP   string          `json:"mqttIP"`
	MQTTPort util.FlexString `json:"mqttPort"`
}

type deviceListResponse struct {
	Status  util.FlexString `json:"status"`
	Devices []deviceInfo    `json:"devices"`
}

type deviceInfo struct {
	DeviceID  string          `json:"dev_id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"dev_name"`
	MQTTIP    string          `json:"mqtt_ip"`
	MQTTPort  util.FlexString `json:"mqtt_port"`
	TimeZone  string          `json:"time_zone"`
	Online    util.FlexString `json:"online"`
}

// Login runs service discovery followed by the credentialed login. A
// failed discovery never reaches the login endpoint.
func (c *Client) Login(ctx context.Context, username, password, installationID string) (*types.Session, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if installationID == "" {
		installationID = uuid.NewString()
		c.log.Debug("Generated installation id %s", installationID)
	}

	c.log.Debug("Discovering controller for %s", username)
	discoveryURL := c.discoveryURL + "/uac/discovery/" + pathJoin(username, installationID)
	var disc discoveryResponse
	raw, err := c.getJSON(ctx, discoveryURL, &disc)
	if err != nil {
		return nil, fmt.Errorf("discovery request: %w", err)
	}
	if disc.Status.String() != statusOK {
		return nil, &AuthError{Step: "discovery", Status: disc.Status.String(), Body: string(raw)}
	}
	if disc.UACIP == "" {
		return nil, &AuthError{Step: "discovery", Status: disc.Status.String(), Body: string(raw)}
	}

	routing := types.Routing{
		UACHost: disc.UACIP,
		UACPort: disc.UACPort.Int(),
	}

	c.log.Debug("Logging in via %s", routing.UACAddr())
	loginURL := fmt.Sprintf("%s://%s/uac/login/%s", c.uacScheme, routing.UACAddr(),
		pathJoin(username, password, installationID, disc.Token))
	var login loginResponse
	raw, err = c.getJSON(ctx, loginURL, &login)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	if login.Status.String() != statusOK {
		return nil, &AuthError{Step: "login", Status: login.Status.String(), Body: string(raw)}
	}
	if login.Token == "" {
		c.log.Warn("Login for %s succeeded without a session token", username)
	}

	routing.MQTTHost = login.MQTTIP
	if routing.MQTTHost == "" {
		routing.MQTTHost = disc.UACIP
	}
	routing.MQTTPort = login.MQTTPort.Int()

	alias := login.Alias
	if alias == "" {
		alias = username
	}

	c.log.Info("Logged in as %s", alias)
	return &types.Session{
		Username:       username,
		Alias:          alias,
		InstallationID: installationID,
		Token:          login.Token,
		Routing:        routing,
		CreatedAt:      time.Now(),
	}, nil
}

func (c *Client) ListDevices(ctx context.Context, session *types.Session) ([]types.DeviceInfo, error) {
	if session == nil {
		return nil, errors.New("session required")
	}
	listURL := fmt.Sprintf("%s://%s/uac/devices/%s", c.uacScheme, session.Routing.UACAddr(),
		pathJoin(session.Username, session.Token))
	var resp deviceListResponse
	raw, err := c.getJSON(ctx, listURL, &resp)
	if err != nil {
		return nil, fmt.Errorf("device list request: %w", err)
	}
	if resp.Status.String() != statusOK {
		return nil, &APIError{Op: "device list", Status: resp.Status.String(), Body: string(raw)}
	}

	devices := make([]types.DeviceInfo, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		info := types.DeviceInfo{
			DeviceID:  d.DeviceID,
			ProductID: d.ProductID,
			Name:      d.Name,
			Host:      d.MQTTIP,
			Port:      d.MQTTPort.Int(),
			TimeZone:  d.TimeZone,
			Online:    d.Online.Bool(),
		}
		if info.Host == "" {
			info.Host = session.Routing.MQTTHost
		}
		if info.Port == 0 {
			info.Port = session.Routing.MQTTPort
		}
		devices = append(devices, info)
	}
	c.log.Debug("Listed %d devices", len(devices))
	return devices, nil
}

// getJSON returns the raw body alongside the decoded value so callers can
// surface it verbatim in errors.
func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return data, fmt.Errorf("unexpected http status %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return data, fmt.Errorf("decode: %w", err)
	}
	return data, nil
}

func pathJoin(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, "/")
}
