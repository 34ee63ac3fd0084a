// Package natdev manages the dstnat forwarding rule on the MikroTik
// gateway that exposes a customer's CPE management interface. Rules are
// keyed by a fixed comment tag: at most one live rule per tag, so the
// client always creates-or-updates and never duplicates.
package natdev

import (
	"context"
	"fmt"
	"strconv"
	"time"

	routeros "github.com/go-routeros/routeros/v3"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
)

const backendName = "natdev"

// Config holds RouterOS API connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	Retry    backend.Policy
}

// RuleSpec describes the desired dstnat rule.
type RuleSpec struct {
	Chain      string
	Protocol   string
	DstAddress string
	DstPort    int
	ToAddress  string
	ToPort     int
	Comment    string
}

// UpsertAction reports whether the rule was created or updated in place.
type UpsertAction string

const (
	ActionCreated UpsertAction = "created"
	ActionUpdated UpsertAction = "updated"
)

// conn is the slice of the RouterOS API the client needs; the real
// implementation is *routeros.Client.
type conn interface {
	RunArgs(args []string) (*routeros.Reply, error)
	Close() error
}

// DialFunc opens a RouterOS API connection.
type DialFunc func(ctx context.Context) (conn, error)

// Client upserts NAT rules over the RouterOS API. Connections are
// dialed per call; the gateway drops idle API sessions aggressively.
type Client struct {
	cfg    Config
	dial   DialFunc
	retry  backend.Policy
	logger *zap.Logger
}

// NewClient creates a RouterOS NAT client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("natdev host required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8728
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = backend.DefaultPolicy()
	}

	c := &Client{cfg: cfg, retry: cfg.Retry, logger: logger}
	c.dial = func(ctx context.Context) (conn, error) {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		return routeros.DialTimeout(addr, cfg.Username, cfg.Password, cfg.Timeout)
	}
	return c, nil
}

// UpsertRule ensures exactly one rule with the given comment tag
// exists, creating it when absent and rewriting it in place when
// present.
func (c *Client) UpsertRule(ctx context.Context, spec RuleSpec) (UpsertAction, error) {
	if err := validateSpec(spec); err != nil {
		return "", backend.Permanent(backendName, "upsert", err)
	}

	var action UpsertAction
	err := c.retry.Do(ctx, c.logger, backendName+"/upsert", func(ctx context.Context) error {
		var err error
		action, err = c.upsertOnce(ctx, spec)
		return err
	})
	return action, err
}

func (c *Client) upsertOnce(ctx context.Context, spec RuleSpec) (UpsertAction, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return "", backend.ClassifyTransport(backendName, "dial", err)
	}
	defer cn.Close()

	reply, err := cn.RunArgs([]string{
		"/ip/firewall/nat/print",
		"?comment=" + spec.Comment,
	})
	if err != nil {
		return "", backend.ClassifyTransport(backendName, "print", err)
	}

	ruleID := ""
	if len(reply.Re) > 0 {
		ruleID = reply.Re[0].Map[".id"]
	}

	attrs := []string{
		"=chain=" + spec.Chain,
		"=protocol=" + spec.Protocol,
		"=dst-address=" + spec.DstAddress,
		"=dst-port=" + strconv.Itoa(spec.DstPort),
		"=action=dst-nat",
		"=to-addresses=" + spec.ToAddress,
		"=to-ports=" + strconv.Itoa(spec.ToPort),
		"=comment=" + spec.Comment,
		"=disabled=no",
	}

	if ruleID == "" {
		if _, err := cn.RunArgs(append([]string{"/ip/firewall/nat/add"}, attrs...)); err != nil {
			return "", backend.Permanent(backendName, "add", err)
		}
		c.logger.Info("NAT rule created", zap.String("comment", spec.Comment))
		return ActionCreated, nil
	}

	args := append([]string{"/ip/firewall/nat/set", "=.id=" + ruleID}, attrs...)
	if _, err := cn.RunArgs(args); err != nil {
		return "", backend.Permanent(backendName, "set", err)
	}
	c.logger.Info("NAT rule updated",
		zap.String("comment", spec.Comment),
		zap.String("rule_id", ruleID),
	)
	return ActionUpdated, nil
}

func validateSpec(spec RuleSpec) error {
	switch {
	case spec.Comment == "":
		return fmt.Errorf("rule comment tag required")
	case spec.DstAddress == "":
		return fmt.Errorf("public destination address required")
	case spec.DstPort <= 0:
		return fmt.Errorf("public destination port required")
	case spec.ToAddress == "":
		return fmt.Errorf("translation target address required")
	case spec.ToPort <= 0:
		return fmt.Errorf("translation target port required")
	case spec.Chain == "":
		return fmt.Errorf("chain required")
	case spec.Protocol == "":
		return fmt.Errorf("protocol required")
	}
	return nil
}
