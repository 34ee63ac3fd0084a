package command

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/audit"
	"github.com/codelaboratoryltd/opsbot/pkg/auth"
	"github.com/codelaboratoryltd/opsbot/pkg/backend"
	"github.com/codelaboratoryltd/opsbot/pkg/billing"
	"github.com/codelaboratoryltd/opsbot/pkg/cache"
	"github.com/codelaboratoryltd/opsbot/pkg/cpe"
	"github.com/codelaboratoryltd/opsbot/pkg/metrics"
	"github.com/codelaboratoryltd/opsbot/pkg/natdev"
	"github.com/codelaboratoryltd/opsbot/pkg/ratelimit"
)

// BillingService is the slice of the billing layer the dispatcher uses.
type BillingService interface {
	FindCustomer(ctx context.Context, username string) (*billing.CustomerView, error)
	FindPlanBestMatch(ctx context.Context, query string) (billing.Plan, error)
	Recharge(ctx context.Context, customerID int, plan billing.Plan, using string) error
	RechargeByPlanID(ctx context.Context, customerID, planID int, server, using string) error
	Deactivate(ctx context.Context, customerID, planID int) error
	Sync(ctx context.Context, customerID int) error
	PPPoEPage(ctx context.Context, page int, includeInactive bool, concurrency int, budget time.Duration) ([]billing.CustomerPackage, error)
}

// CPEService is the slice of the CPE manager the dispatcher uses.
type CPEService interface {
	ResolveDevice(ctx context.Context, pppoeUsername string) (cpe.DeviceRef, bool, error)
	ManagementAddress(ctx context.Context, device cpe.DeviceRef) (string, error)
	VirtualParam(ctx context.Context, device cpe.DeviceRef, name string) (string, error)
	SetWifiSSID(ctx context.Context, device cpe.DeviceRef, ssid string) error
	SetWifiPassword(ctx context.Context, device cpe.DeviceRef, password string) error
	SetParameter(ctx context.Context, device cpe.DeviceRef, path, value string) error
}

// NATClient upserts the remote-access forwarding rule.
type NATClient interface {
	UpsertRule(ctx context.Context, spec natdev.RuleSpec) (natdev.UpsertAction, error)
}

// NATConfig carries the forwarding-rule settings for remote device
// access. The feature is disabled unless every field is present.
type NATConfig struct {
	PublicIP   string
	PublicPort int
	DevicePort int
	Comment    string
}

// Enabled reports whether a complete forwarding rule can be built.
func (n NATConfig) Enabled() bool {
	return n.PublicIP != "" && n.PublicPort > 0 && n.DevicePort > 0 && n.Comment != ""
}

// Config tunes the dispatcher pipeline. RechargeUsing is the payment
// mode for operator-initiated recharges; ActivateUsing is the mode for
// re-activating an existing package, "zero" meaning free re-activation.
type Config struct {
	RechargeUsing   string
	ActivateUsing   string
	CustomerTTL     time.Duration
	ListTTL         time.Duration
	DeviceTTL       time.Duration
	Deadline        time.Duration
	CacheMaxEntries int
	PageConcurrency int
	PageBudget      time.Duration
	AuditReads      bool
	NAT             NATConfig
}

func (c Config) withDefaults() Config {
	if c.RechargeUsing == "" {
		c.RechargeUsing = "cash"
	}
	if c.ActivateUsing == "" {
		c.ActivateUsing = "zero"
	}
	if c.CustomerTTL == 0 {
		c.CustomerTTL = time.Minute
	}
	if c.ListTTL == 0 {
		c.ListTTL = 30 * time.Second
	}
	if c.DeviceTTL == 0 {
		c.DeviceTTL = 5 * time.Minute
	}
	if c.Deadline == 0 {
		c.Deadline = 30 * time.Second
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = 4096
	}
	if c.PageConcurrency == 0 {
		c.PageConcurrency = 10
	}
	if c.PageBudget == 0 {
		c.PageBudget = 20 * time.Second
	}
	return c
}

// Deps wires the dispatcher to its collaborators. CPE and NAT are
// optional; leave them nil when the backend is not configured.
type Deps struct {
	Logger  *zap.Logger
	Gate    *auth.Gate
	Limiter *ratelimit.Limiter
	Trail   *audit.Logger
	Billing BillingService
	CPE     CPEService
	NAT     NATClient
	Metrics *metrics.Metrics
}

type handler struct {
	mutating bool
	validate func(req Request) *Result
	run      func(ctx context.Context, req Request) Result
}

// Dispatcher runs every command through the same strictly ordered
// pipeline. It owns all caching; the backend services stay cache-free
// so mutating commands can bypass staleness entirely.
type Dispatcher struct {
	cfg      Config
	logger   *zap.Logger
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	trail    *audit.Logger
	billing  BillingService
	cpe      CPEService
	nat      NATClient
	metrics  *metrics.Metrics
	handlers map[string]handler

	customers *cache.Store[billing.CustomerView]
	pages     *cache.Store[string]
	devices   *cache.Store[cpe.DeviceRef]
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		logger:    deps.Logger,
		gate:      deps.Gate,
		limiter:   deps.Limiter,
		trail:     deps.Trail,
		billing:   deps.Billing,
		cpe:       deps.CPE,
		nat:       deps.NAT,
		metrics:   deps.Metrics,
		customers: cache.New[billing.CustomerView](cfg.CacheMaxEntries),
		pages:     cache.New[string](cfg.CacheMaxEntries),
		devices:   cache.New[cpe.DeviceRef](cfg.CacheMaxEntries),
	}

	d.handlers = map[string]handler{
		"help": {
			run: d.runHelp,
		},
		"customer": {
			validate: validatePage,
			run:      d.runCustomerList,
		},
		"status": {
			validate: requireUsername("/status <username>", 1),
			run:      d.runStatus,
		},
		"recharge": {
			mutating: true,
			validate: validateRecharge,
			run:      d.runRecharge,
		},
		"activate": {
			mutating: true,
			validate: requireUsername("/activate <username>", 1),
			run:      d.runActivate,
		},
		"deactivate": {
			mutating: true,
			validate: requireUsername("/deactivate <username>", 1),
			run:      d.runDeactivate,
		},
		"remoteonu": {
			mutating: true,
			validate: requireUsername("/remoteonu <username>", 1),
			run:      d.runRemoteONU,
		},
		"wifiname": {
			mutating: true,
			validate: validateWifiName,
			run:      d.runWifiName,
		},
		"wifipass": {
			mutating: true,
			validate: validateWifiPass,
			run:      d.runWifiPass,
		},
		"setparam": {
			mutating: true,
			validate: validateSetParam,
			run:      d.runSetParam,
		},
	}
	return d
}

// Dispatch resolves one command attempt. State-changing commands get
// exactly one audit entry, written after execution resolves.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	start := time.Now()
	req.Name = strings.ToLower(req.Name)

	h, known := d.handlers[req.Name]
	if !known {
		res := Result{StatusInvalid, "Unknown command. Send /help for usage."}
		d.observe(req, res, time.Since(start))
		return res
	}

	if h.validate != nil {
		if res := h.validate(req); res != nil {
			return d.finish(ctx, req, h, *res, start)
		}
	}

	if !d.gate.Allowed(req.CallerID) {
		if d.metrics != nil {
			d.metrics.RecordDenied()
		}
		d.logger.Warn("Command denied",
			zap.Int64("caller_id", req.CallerID),
			zap.String("command", req.Name),
		)
		return d.finish(ctx, req, h, Result{StatusDenied, "You are not authorized to use this console."}, start)
	}

	if !d.limiter.Allow(req.CallerID) {
		if d.metrics != nil {
			d.metrics.RecordRateLimited()
		}
		return d.finish(ctx, req, h, Result{StatusRateLimited, "Too many requests. Wait a moment and try again."}, start)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
	defer cancel()

	return d.finish(ctx, req, h, h.run(ctx, req), start)
}

// finish records metrics and, for state-changing commands, the single
// audit entry for the attempt. Cache invalidation has already happened
// inside the handler, so the trail never runs ahead of freshness.
func (d *Dispatcher) finish(ctx context.Context, req Request, h handler, res Result, start time.Time) Result {
	elapsed := time.Since(start)
	d.observe(req, res, elapsed)

	if h.mutating || d.cfg.AuditReads {
		entry := audit.Entry{
			CallerID: req.CallerID,
			Command:  req.Name,
			Target:   targetOf(req),
			Outcome:  res.Status.Outcome(),
			Detail:   truncate(res.Text, 200),
			Latency:  elapsed,
		}
		if err := d.trail.Record(context.WithoutCancel(ctx), entry); err != nil && d.metrics != nil {
			d.metrics.RecordAuditWriteError()
		}
	}
	return res
}

func (d *Dispatcher) observe(req Request, res Result, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordCommand(req.Name, string(res.Status), elapsed)
	}
}

func targetOf(req Request) string {
	if len(req.Args) == 0 {
		return ""
	}
	return req.Args[0]
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// --- validation ---

func requireUsername(usage string, exactArgs int) func(Request) *Result {
	return func(req Request) *Result {
		if len(req.Args) != exactArgs || !ValidUsername(req.Args[0]) {
			return &Result{StatusInvalid, "Usage: " + usage}
		}
		return nil
	}
}

func validatePage(req Request) *Result {
	arg := ""
	if len(req.Args) > 0 {
		arg = req.Args[0]
	}
	if _, ok := ParsePage(arg); !ok || len(req.Args) > 1 {
		return &Result{StatusInvalid, "Usage: /customer [page]"}
	}
	return nil
}

func validateRecharge(req Request) *Result {
	if len(req.Args) < 2 || !ValidUsername(req.Args[0]) || !ValidPlanQuery(strings.Join(req.Args[1:], " ")) {
		return &Result{StatusInvalid, "Usage: /recharge <username> <plan>"}
	}
	return nil
}

func validateWifiName(req Request) *Result {
	if len(req.Args) < 2 || !ValidUsername(req.Args[0]) {
		return &Result{StatusInvalid, "Usage: /wifiname <username> <ssid>"}
	}
	ssid := strings.Join(req.Args[1:], " ")
	if ssid == "" || len(ssid) > 32 {
		return &Result{StatusInvalid, "SSID must be 1-32 characters."}
	}
	return nil
}

func validateSetParam(req Request) *Result {
	if len(req.Args) != 3 || !ValidUsername(req.Args[0]) || req.Args[1] == "" || len(req.Args[1]) > 256 {
		return &Result{StatusInvalid, "Usage: /setparam <username> <parameter-path> <value>"}
	}
	return nil
}

func validateWifiPass(req Request) *Result {
	if len(req.Args) != 2 || !ValidUsername(req.Args[0]) {
		return &Result{StatusInvalid, "Usage: /wifipass <username> <password>"}
	}
	if n := len(req.Args[1]); n < 8 || n > 63 {
		return &Result{StatusInvalid, "Password must be 8-63 characters."}
	}
	return nil
}

// --- handlers ---

const helpText = `Operator console commands:
/help - this message
/customer [page] - list PPPoE customers with their packages
/status <username> - account status, package and CPE device
/recharge <username> <plan> - apply a plan to the account
/activate <username> - activate (or re-sync) the account's PPPoE service
/deactivate <username> - switch the active PPPoE package off
/remoteonu <username> - open remote access to the customer's device
/wifiname <username> <ssid> - change the device Wi-Fi SSID
/wifipass <username> <password> - change the device Wi-Fi password
/setparam <username> <path> <value> - set any TR-069 parameter on the device`

func (d *Dispatcher) runHelp(ctx context.Context, req Request) Result {
	return Result{StatusOK, helpText}
}

func (d *Dispatcher) runCustomerList(ctx context.Context, req Request) Result {
	page, _ := ParsePage(targetOf(req))
	key := fmt.Sprintf("customers:%d", page)

	if text, ok := d.pages.Get(key); ok {
		if d.metrics != nil {
			d.metrics.RecordCacheHit()
		}
		return Result{StatusOK, text}
	}
	if d.metrics != nil {
		d.metrics.RecordCacheMiss()
	}

	rows, err := d.billing.PPPoEPage(ctx, page, false, d.cfg.PageConcurrency, d.cfg.PageBudget)
	if err != nil {
		return d.failure(req, err)
	}
	if len(rows) == 0 {
		return Result{StatusNotFound, fmt.Sprintf("No customers on page %d.", page)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Customers (page %d):\n", page)
	for _, r := range rows {
		plan := "-"
		if r.Package != nil {
			plan = fmt.Sprintf("%s (%s)", r.Package.Name, strings.ToLower(r.Package.Status))
		}
		fmt.Fprintf(&b, "%s | %s | %s\n", r.Customer.Username, r.Customer.FullName, plan)
	}
	text := strings.TrimRight(b.String(), "\n")
	d.pages.Put(key, text, d.cfg.ListTTL)
	return Result{StatusOK, text}
}

func (d *Dispatcher) runStatus(ctx context.Context, req Request) Result {
	username := req.Args[0]
	key := customerKey(username)

	view, ok := d.customers.Get(key)
	if ok {
		if d.metrics != nil {
			d.metrics.RecordCacheHit()
		}
	} else {
		if d.metrics != nil {
			d.metrics.RecordCacheMiss()
		}
		v, err := d.billing.FindCustomer(ctx, username)
		if err != nil {
			return d.failure(req, err)
		}
		view = *v
		d.customers.Put(key, view, d.cfg.CustomerTTL)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\nStatus: %s", view.Customer.Username, view.Customer.FullName, view.Customer.Status)
	if pkg := billing.ActivePPPoEPackage(view.Packages); pkg != nil {
		fmt.Fprintf(&b, "\nPackage: %s (%s)", pkg.Name, strings.ToLower(pkg.Status))
		if pkg.Expiration != "" {
			fmt.Fprintf(&b, "\nExpires: %s %s", pkg.Expiration, pkg.Time)
		}
	}

	// Device info is best-effort: a missing or unreachable CPE record
	// never fails a status lookup.
	if ref, found := d.cachedDevice(ctx, pppoeUser(view.Customer)); found {
		fmt.Fprintf(&b, "\nDevice: %s", ref.ID)
		if rx, err := d.cpe.VirtualParam(ctx, ref, "RXPower"); err == nil && rx != "" {
			fmt.Fprintf(&b, "\nRX power: %s dBm", rx)
		}
	}
	return Result{StatusOK, b.String()}
}

func (d *Dispatcher) runRecharge(ctx context.Context, req Request) Result {
	username := req.Args[0]
	query := strings.Join(req.Args[1:], " ")

	view, err := d.billing.FindCustomer(ctx, username)
	if err != nil {
		return d.failure(req, err)
	}
	plan, err := d.billing.FindPlanBestMatch(ctx, query)
	if err != nil {
		return d.failure(req, err)
	}
	if err := d.billing.Recharge(ctx, view.Customer.ID, plan, d.cfg.RechargeUsing); err != nil {
		return d.failure(req, err)
	}

	d.invalidateCustomer(username)
	return Result{StatusOK, fmt.Sprintf("Recharged %s with plan %s.", username, plan.Name)}
}

func (d *Dispatcher) runActivate(ctx context.Context, req Request) Result {
	username := req.Args[0]

	view, err := d.billing.FindCustomer(ctx, username)
	if err != nil {
		return d.failure(req, err)
	}
	pkg := billing.ActivePPPoEPackage(view.Packages)
	if pkg == nil {
		return Result{StatusNotFound, fmt.Sprintf("%s has no PPPoE package on record.", username)}
	}

	if pkg.Active() {
		// Already active: re-push the service instead of stacking a
		// second recharge.
		if err := d.billing.Sync(ctx, view.Customer.ID); err != nil {
			return d.failure(req, err)
		}
		d.invalidateCustomer(username)
		return Result{StatusOK, fmt.Sprintf("%s is already active; service re-synced.", username)}
	}

	server := pkg.Routers
	if server == "" {
		server = "radius"
	}
	if err := d.billing.RechargeByPlanID(ctx, view.Customer.ID, pkg.PlanID, server, d.cfg.ActivateUsing); err != nil {
		return d.failure(req, err)
	}
	d.invalidateCustomer(username)
	return Result{StatusOK, fmt.Sprintf("Activated %s on plan %s.", username, pkg.Name)}
}

func (d *Dispatcher) runDeactivate(ctx context.Context, req Request) Result {
	username := req.Args[0]

	view, err := d.billing.FindCustomer(ctx, username)
	if err != nil {
		return d.failure(req, err)
	}
	pkg := billing.ActivePPPoEPackage(view.Packages)
	if pkg == nil || !pkg.Active() {
		return Result{StatusNotFound, fmt.Sprintf("%s has no active PPPoE package.", username)}
	}

	if err := d.billing.Deactivate(ctx, view.Customer.ID, pkg.PlanID); err != nil {
		return d.failure(req, err)
	}
	d.invalidateCustomer(username)
	return Result{StatusOK, fmt.Sprintf("Deactivated %s (plan %s).", username, pkg.Name)}
}

func (d *Dispatcher) runRemoteONU(ctx context.Context, req Request) Result {
	if d.cpe == nil || d.nat == nil || !d.cfg.NAT.Enabled() {
		return Result{StatusUnavailable, "Remote device access is not configured."}
	}
	username := req.Args[0]

	view, err := d.billing.FindCustomer(ctx, username)
	if err != nil {
		return d.failure(req, err)
	}
	ref, found, err := d.cpe.ResolveDevice(ctx, pppoeUser(view.Customer))
	if err != nil {
		return d.failure(req, err)
	}
	if !found {
		return Result{StatusNotFound, fmt.Sprintf("No CPE device found for %s.", username)}
	}
	addr, err := d.cpe.ManagementAddress(ctx, ref)
	if err != nil {
		if backend.IsNotFound(err) {
			return Result{StatusNotFound, fmt.Sprintf("Device %s reports no management address.", ref.ID)}
		}
		return d.failure(req, err)
	}

	_, err = d.nat.UpsertRule(ctx, natdev.RuleSpec{
		Chain:      "dstnat",
		Protocol:   "tcp",
		DstAddress: d.cfg.NAT.PublicIP,
		DstPort:    d.cfg.NAT.PublicPort,
		ToAddress:  addr,
		ToPort:     d.cfg.NAT.DevicePort,
		Comment:    d.cfg.NAT.Comment,
	})
	if err != nil {
		return d.failure(req, err)
	}
	return Result{StatusOK, fmt.Sprintf("Device for %s reachable at http://%s:%d", username, d.cfg.NAT.PublicIP, d.cfg.NAT.PublicPort)}
}

func (d *Dispatcher) runWifiName(ctx context.Context, req Request) Result {
	return d.runDeviceChange(ctx, req, "Wi-Fi SSID", func(ctx context.Context, ref cpe.DeviceRef) error {
		return d.cpe.SetWifiSSID(ctx, ref, strings.Join(req.Args[1:], " "))
	})
}

func (d *Dispatcher) runWifiPass(ctx context.Context, req Request) Result {
	return d.runDeviceChange(ctx, req, "Wi-Fi password", func(ctx context.Context, ref cpe.DeviceRef) error {
		return d.cpe.SetWifiPassword(ctx, ref, req.Args[1])
	})
}

func (d *Dispatcher) runSetParam(ctx context.Context, req Request) Result {
	return d.runDeviceChange(ctx, req, "Parameter "+req.Args[1], func(ctx context.Context, ref cpe.DeviceRef) error {
		return d.cpe.SetParameter(ctx, ref, req.Args[1], req.Args[2])
	})
}

func (d *Dispatcher) runDeviceChange(ctx context.Context, req Request, what string, apply func(context.Context, cpe.DeviceRef) error) Result {
	if d.cpe == nil {
		return Result{StatusUnavailable, "Device management is not configured."}
	}
	username := req.Args[0]

	view, err := d.billing.FindCustomer(ctx, username)
	if err != nil {
		return d.failure(req, err)
	}
	ref, found, err := d.cpe.ResolveDevice(ctx, pppoeUser(view.Customer))
	if err != nil {
		return d.failure(req, err)
	}
	if !found {
		return Result{StatusNotFound, fmt.Sprintf("No CPE device found for %s.", username)}
	}

	if err := apply(ctx, ref); err != nil {
		return d.failure(req, err)
	}
	// Task acceptance only; the device applies it on its next session.
	return Result{StatusOK, fmt.Sprintf("%s change for %s submitted to the device.", what, username)}
}

// --- helpers ---

func customerKey(username string) string {
	return "customer:" + strings.ToLower(username)
}

// invalidateCustomer drops every cache line a mutation could have
// staled: the customer record and all list pages.
func (d *Dispatcher) invalidateCustomer(username string) {
	d.customers.Invalidate(customerKey(username))
	d.pages.InvalidatePrefix("customers:")
}

// cachedDevice resolves a device through the TTL cache. Only read
// paths use it; state-changing commands resolve fresh.
func (d *Dispatcher) cachedDevice(ctx context.Context, user string) (cpe.DeviceRef, bool) {
	if d.cpe == nil || user == "" {
		return cpe.DeviceRef{}, false
	}
	key := "device:" + strings.ToLower(user)
	if ref, ok := d.devices.Get(key); ok {
		return ref, true
	}
	ref, found, err := d.cpe.ResolveDevice(ctx, user)
	if err != nil {
		d.logger.Debug("Device resolve failed", zap.String("user", user), zap.Error(err))
		return cpe.DeviceRef{}, false
	}
	if !found {
		return cpe.DeviceRef{}, false
	}
	d.devices.Put(key, ref, d.cfg.DeviceTTL)
	return ref, true
}

func pppoeUser(c billing.Customer) string {
	if c.PPPoEUsername != "" {
		return c.PPPoEUsername
	}
	return c.Username
}

// failure maps a backend error onto the user-visible status taxonomy.
// Kinds pass through unreinterpreted.
func (d *Dispatcher) failure(req Request, err error) Result {
	switch {
	case backend.IsNotFound(err):
		return Result{StatusNotFound, fmt.Sprintf("No matching record for %q.", targetOf(req))}
	case backend.IsTransient(err):
		d.logger.Warn("Backend unavailable",
			zap.String("command", req.Name),
			zap.Error(err),
		)
		return Result{StatusUnavailable, "A backend is temporarily unavailable. Try again shortly."}
	default:
		d.logger.Error("Command failed",
			zap.String("command", req.Name),
			zap.Int64("caller_id", req.CallerID),
			zap.Error(err),
		)
		return Result{StatusError, "The command failed. The error has been logged."}
	}
}
