package cpe

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
)

// Default TR-069 paths for the CPE models in the field.
const (
	DefaultSSIDPath     = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID"
	DefaultPasswordPath = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.KeyPassphrase"

	// DefaultLookupParam is the reported parameter matched against a
	// customer's PPPoE username to resolve their device.
	DefaultLookupParam = "VirtualParameters.pppoeUsername._value"

	// DefaultAddressParam is the virtual parameter carrying the device's
	// management IP.
	DefaultAddressParam = "IPTR069"
)

// ServiceConfig names the parameter paths the service works with; zero
// values fall back to the defaults above.
type ServiceConfig struct {
	LookupParam  string
	AddressParam string
	SSIDPath     string
	PasswordPath string
}

// DeviceRef identifies a resolved CPE device.
type DeviceRef struct {
	ID string
}

// Service layers device-resolution and parameter semantics over the raw
// GenieACS routes. Resolution is a derived lookup, never stored
// ownership; the dispatcher caches it with its own TTL.
type Service struct {
	client *Client
	cfg    ServiceConfig
	logger *zap.Logger
}

// NewService creates a CPE service.
func NewService(client *Client, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.LookupParam == "" {
		cfg.LookupParam = DefaultLookupParam
	}
	if cfg.AddressParam == "" {
		cfg.AddressParam = DefaultAddressParam
	}
	if cfg.SSIDPath == "" {
		cfg.SSIDPath = DefaultSSIDPath
	}
	if cfg.PasswordPath == "" {
		cfg.PasswordPath = DefaultPasswordPath
	}
	return &Service{client: client, cfg: cfg, logger: logger}
}

// ResolveDevice maps a PPPoE username to its device. Absence of a
// mapped device is not an error: found is false.
func (s *Service) ResolveDevice(ctx context.Context, pppoeUsername string) (DeviceRef, bool, error) {
	u := strings.TrimSpace(pppoeUsername)
	if u == "" {
		return DeviceRef{}, false, nil
	}

	device, found, err := s.client.FindDeviceByParam(ctx, s.cfg.LookupParam, u)
	if err != nil || !found {
		return DeviceRef{}, false, err
	}

	id, _ := device["_id"].(string)
	if id == "" {
		return DeviceRef{}, false, nil
	}
	return DeviceRef{ID: id}, true, nil
}

// ManagementAddress reads the device's management IP virtual parameter.
func (s *Service) ManagementAddress(ctx context.Context, device DeviceRef) (string, error) {
	return s.VirtualParam(ctx, device, s.cfg.AddressParam)
}

// VirtualParam reads a named virtual parameter from the device document.
func (s *Service) VirtualParam(ctx context.Context, device DeviceRef, name string) (string, error) {
	doc, err := s.client.FindDeviceByID(ctx, device.ID)
	if err != nil {
		return "", err
	}

	value := paramValue(doc, "VirtualParameters."+name)
	if value == "" {
		return "", backend.NotFound(backendName, "devices", fmt.Errorf("virtual parameter %s absent on %s", name, device.ID))
	}
	return value, nil
}

// SetWifiSSID submits an SSID change task for the device.
func (s *Service) SetWifiSSID(ctx context.Context, device DeviceRef, ssid string) error {
	return s.client.SetParameters(ctx, device.ID, []Parameter{{Path: s.cfg.SSIDPath, Value: ssid}})
}

// SetWifiPassword submits a WiFi passphrase change task for the device.
func (s *Service) SetWifiPassword(ctx context.Context, device DeviceRef, password string) error {
	return s.client.SetParameters(ctx, device.ID, []Parameter{{Path: s.cfg.PasswordPath, Value: password}})
}

// SetParameter submits a single arbitrary parameter change task.
func (s *Service) SetParameter(ctx context.Context, device DeviceRef, path, value string) error {
	return s.client.SetParameters(ctx, device.ID, []Parameter{{Path: path, Value: value}})
}

// paramValue walks a dotted path through the device document and
// extracts the node's _value.
func paramValue(doc map[string]any, path string) string {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	node, ok := cur.(map[string]any)
	if !ok {
		return ""
	}
	v := node["_value"]
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}
