package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/korelin/subpay/pkg/config"
	"github.com/korelin/subpay/pkg/types"
)

var (
	ErrPanelUnavailable = errors.New("panel unavailable")
	ErrPanelRejected    = errors.New("panel rejected request")
	ErrPanelNotFound    = errors.New("panel resource not found")
)

const PanelUserStatusActive = "ACTIVE"

// PanelUser is the control plane's view of one VPN user.
type PanelUser struct {
	UUID            string    `json:"uuid"`
	Username        string    `json:"username"`
	Status          string    `json:"status"`
	Tag             string    `json:"tag"`
	TelegramID      int64     `json:"telegramId"`
	ExpireAt        time.Time `json:"expireAt"`
	TrafficLimit    int64     `json:"trafficLimitBytes"`
	HwidDeviceLimit int       `json:"hwidDeviceLimit"`
	ActiveSquads    []string  `json:"activeInternalSquads"`
	SubscriptionURL string    `json:"subscriptionUrl"`
}

// UserUpdate carries the mutable fields; nil means leave unchanged.
type UserUpdate struct {
	Tag             *string    `json:"tag,omitempty"`
	ExpireAt        *time.Time `json:"expireAt,omitempty"`
	TrafficLimit    *int64     `json:"trafficLimitBytes,omitempty"`
	HwidDeviceLimit *int       `json:"hwidDeviceLimit,omitempty"`
	Squads          []string   `json:"activeInternalSquads,omitempty"`
}

// Client wraps the panel's REST surface with the four operations the
// orchestration core needs.
type Client interface {
	FindByUserID(ctx context.Context, telegramID int64) (*PanelUser, error)
	CreateUser(ctx context.Context, telegramID int64, plan *types.PlanSnapshot, expireAt time.Time, force bool) (*PanelUser, error)
	UpdateUser(ctx context.Context, panelUUID string, upd *UserUpdate) (*PanelUser, error)
	DeleteDevice(ctx context.Context, panelUUID, hwid string) error
}

type HTTPClient struct {
	base  string
	token string
	http  *http.Client
	log   *zap.SugaredLogger
}

func New(cfg *cfgpkg.Config, log *zap.SugaredLogger) *HTTPClient {
	timeout := cfg.Panel.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		base:  cfg.Panel.BaseURL,
		token: cfg.Panel.Token,
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}
}

// FindByUserID returns (nil, nil) when the panel has no user for the id.
func (c *HTTPClient) FindByUserID(ctx context.Context, telegramID int64) (*PanelUser, error) {
	var out struct {
		Response []PanelUser `json:"response"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/users/by-telegram-id/%d", telegramID), nil, &out)
	if errors.Is(err, ErrPanelNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out.Response) == 0 {
		return nil, nil
	}
	return &out.Response[0], nil
}

func (c *HTTPClient) CreateUser(ctx context.Context, telegramID int64, plan *types.PlanSnapshot, expireAt time.Time, force bool) (*PanelUser, error) {
	body := map[string]any{
		"username":   fmt.Sprintf("tg_%d", telegramID),
		"telegramId": telegramID,
		"expireAt":   expireAt,
		"status":     PanelUserStatusActive,
	}
	if plan != nil {
		body["tag"] = plan.Tag
		body["trafficLimitBytes"] = plan.TrafficLimit
		body["hwidDeviceLimit"] = plan.DeviceLimit
		if len(plan.Squads) > 0 {
			body["activeInternalSquads"] = plan.Squads
		}
	}
	if force {
		body["force"] = true
	}
	var out struct {
		Response PanelUser `json:"response"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/users", body, &out); err != nil {
		return nil, err
	}
	return &out.Response, nil
}

func (c *HTTPClient) UpdateUser(ctx context.Context, panelUUID string, upd *UserUpdate) (*PanelUser, error) {
	var out struct {
		Response PanelUser `json:"response"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/users/"+panelUUID, upd, &out); err != nil {
		return nil, err
	}
	return &out.Response, nil
}

func (c *HTTPClient) DeleteDevice(ctx context.Context, panelUUID, hwid string) error {
	body := map[string]string{"userUuid": panelUUID, "hwid": hwid}
	return c.do(ctx, http.MethodPost, "/api/hwid/devices/delete", body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal panel request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build panel request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrPanelNotFound, method, path)
	case resp.StatusCode >= 400:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: status %d: %s", ErrPanelRejected, resp.StatusCode, reason)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrPanelRejected, err)
	}
	return nil
}
