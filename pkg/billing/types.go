package billing

import (
	"bytes"
	"strconv"
	"strings"
)

// CustomerStatus is the billing-side account status.
type CustomerStatus string

const (
	StatusActive   CustomerStatus = "active"
	StatusInactive CustomerStatus = "inactive"
	StatusUnknown  CustomerStatus = "unknown"
)

// ParseStatus normalises the status string NuxBill reports.
func ParseStatus(s string) CustomerStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StatusActive
	case "inactive", "banned", "disabled", "suspended":
		return StatusInactive
	default:
		return StatusUnknown
	}
}

// Customer is a billing customer record. Never mutated locally; every
// mutation is a remote call.
type Customer struct {
	ID            int
	Username      string
	FullName      string
	Status        CustomerStatus
	ServiceType   string
	PPPoEUsername string
}

// Package is one service package attached to a customer.
type Package struct {
	ID         int
	PlanID     int
	Type       string
	Name       string
	Status     string
	Routers    string
	Expiration string
	Time       string
}

// Active reports whether the package is currently switched on.
func (p Package) Active() bool {
	return strings.EqualFold(p.Status, "on")
}

// IsPPPoE reports whether the package is a PPPoE service.
func (p Package) IsPPPoE() bool {
	return strings.EqualFold(p.Type, "PPPOE")
}

// Plan is a rechargeable PPPoE plan.
type Plan struct {
	ID       int
	Name     string
	Routers  string
	IsRadius bool
	Type     string
}

// ServerName returns the router/server parameter the recharge route
// expects for this plan.
func (p Plan) ServerName() string {
	if p.IsRadius {
		return "radius"
	}
	if p.Routers != "" {
		return p.Routers
	}
	return "radius"
}

// CustomerView is a customer together with its packages, as returned by
// the customers/view routes.
type CustomerView struct {
	Customer Customer
	Packages []Package
}

// flexInt tolerates the numeric-or-string encoding NuxBill uses for IDs.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// flexBool tolerates 0/1, "0"/"1" and true/false.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*f = flexBool(s == "1" || s == "true")
	return nil
}
