package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
)

// Service layers customer and plan semantics over the raw NuxBill routes.
// It holds no cache of its own; the dispatcher owns caching and
// invalidation.
type Service struct {
	client *Client
	logger *zap.Logger
}

// NewService creates a billing service.
func NewService(client *Client, logger *zap.Logger) *Service {
	return &Service{client: client, logger: logger}
}

type rawCustomer struct {
	ID            flexInt `json:"id"`
	Username      string  `json:"username"`
	FullName      string  `json:"fullname"`
	Status        string  `json:"status"`
	ServiceType   string  `json:"service_type"`
	PPPoEUsername string  `json:"pppoe_username"`
}

type rawPackage struct {
	ID         flexInt `json:"id"`
	PlanID     flexInt `json:"plan_id"`
	Type       string  `json:"type"`
	Name       string  `json:"namebp"`
	Status     string  `json:"status"`
	Routers    string  `json:"routers"`
	Expiration string  `json:"expiration"`
	Time       string  `json:"time"`
}

type rawPlan struct {
	ID       flexInt  `json:"id"`
	Name     string   `json:"name_plan"`
	Routers  string   `json:"routers"`
	IsRadius flexBool `json:"is_radius"`
	Type     string   `json:"type"`
}

func (r rawCustomer) customer() Customer {
	return Customer{
		ID:            int(r.ID),
		Username:      r.Username,
		FullName:      r.FullName,
		Status:        ParseStatus(r.Status),
		ServiceType:   r.ServiceType,
		PPPoEUsername: r.PPPoEUsername,
	}
}

// FindCustomer fetches a customer view by username. A missing customer
// is a not-found backend error, never a transient one.
func (s *Service) FindCustomer(ctx context.Context, username string) (*CustomerView, error) {
	result, err := s.client.Get(ctx, "customers/viewu/"+username, nil)
	if err != nil {
		return nil, err
	}
	return parseView(result, "customers/viewu")
}

// CustomerDetail fetches a customer view by ID, including activation
// context.
func (s *Service) CustomerDetail(ctx context.Context, customerID int) (*CustomerView, error) {
	route := fmt.Sprintf("customers/view/%d/activation", customerID)
	result, err := s.client.Get(ctx, route, nil)
	if err != nil {
		return nil, err
	}
	return parseView(result, "customers/view")
}

func parseView(result json.RawMessage, route string) (*CustomerView, error) {
	var payload struct {
		D        *rawCustomer `json:"d"`
		Packages []rawPackage `json:"packages"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, backend.Permanent(backendName, route, fmt.Errorf("decode customer view: %w", err))
	}
	if payload.D == nil || payload.D.Username == "" {
		return nil, backend.NotFound(backendName, route, fmt.Errorf("customer absent from response"))
	}

	view := &CustomerView{Customer: payload.D.customer()}
	for _, rp := range payload.Packages {
		view.Packages = append(view.Packages, Package{
			ID:         int(rp.ID),
			PlanID:     int(rp.PlanID),
			Type:       rp.Type,
			Name:       rp.Name,
			Status:     rp.Status,
			Routers:    rp.Routers,
			Expiration: rp.Expiration,
			Time:       rp.Time,
		})
	}
	// Newest package first so selection prefers the latest history.
	sort.Slice(view.Packages, func(i, j int) bool {
		return view.Packages[i].ID > view.Packages[j].ID
	})
	return view, nil
}

// ListCustomers fetches one page of customers ordered by username.
func (s *Service) ListCustomers(ctx context.Context, statusFilter string, page int) ([]Customer, error) {
	params := url.Values{}
	params.Set("filter", statusFilter)
	params.Set("order", "username")
	params.Set("orderby", "asc")
	params.Set("p", strconv.Itoa(page))

	result, err := s.client.Get(ctx, "customers", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		D []rawCustomer `json:"d"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, backend.Permanent(backendName, "customers", fmt.Errorf("decode customer list: %w", err))
	}

	customers := make([]Customer, 0, len(payload.D))
	for _, rc := range payload.D {
		customers = append(customers, rc.customer())
	}
	return customers, nil
}

// SearchPlans queries PPPoE plans matching the name query.
func (s *Service) SearchPlans(ctx context.Context, query string) ([]Plan, error) {
	params := url.Values{}
	params.Set("name", query)
	params.Set("p", "1")

	result, err := s.client.Get(ctx, "services/pppoe", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		D []rawPlan `json:"d"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, backend.Permanent(backendName, "services/pppoe", fmt.Errorf("decode plan list: %w", err))
	}

	var plans []Plan
	for _, rp := range payload.D {
		if !strings.EqualFold(rp.Type, "PPPOE") {
			continue
		}
		plans = append(plans, Plan{
			ID:       int(rp.ID),
			Name:     rp.Name,
			Routers:  rp.Routers,
			IsRadius: bool(rp.IsRadius),
			Type:     rp.Type,
		})
	}
	return plans, nil
}

// FindPlanBestMatch searches plans and picks the best match for the
// query: exact name first, then the shortest name containing the query,
// then the first result.
func (s *Service) FindPlanBestMatch(ctx context.Context, query string) (Plan, error) {
	plans, err := s.SearchPlans(ctx, query)
	if err != nil {
		return Plan{}, err
	}
	if len(plans) == 0 {
		return Plan{}, backend.NotFound(backendName, "services/pppoe", fmt.Errorf("no PPPoE plan matches %q", query))
	}

	q := strings.ToLower(strings.TrimSpace(query))
	var contains []Plan
	for _, p := range plans {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == q {
			return p, nil
		}
		if strings.Contains(name, q) {
			contains = append(contains, p)
		}
	}
	if len(contains) > 0 {
		sort.Slice(contains, func(i, j int) bool {
			return len(contains[i].Name) < len(contains[j].Name)
		})
		return contains[0], nil
	}
	return plans[0], nil
}

// Recharge applies a plan to a customer.
func (s *Service) Recharge(ctx context.Context, customerID int, plan Plan, using string) error {
	return s.RechargeByPlanID(ctx, customerID, plan.ID, plan.ServerName(), using)
}

// RechargeByPlanID applies a plan by raw IDs. The backend treats a
// repeat recharge of the active plan as an idempotent extension.
func (s *Service) RechargeByPlanID(ctx context.Context, customerID, planID int, server, using string) error {
	form := url.Values{}
	form.Set("id_customer", strconv.Itoa(customerID))
	form.Set("server", server)
	form.Set("plan", strconv.Itoa(planID))
	form.Set("using", using)
	form.Set("svoucher", "")

	_, err := s.client.PostForm(ctx, "plan/recharge-post", form)
	return err
}

// Deactivate switches a customer's package off.
func (s *Service) Deactivate(ctx context.Context, customerID, planID int) error {
	_, err := s.client.Get(ctx, fmt.Sprintf("customers/deactivate/%d/%d", customerID, planID), nil)
	return err
}

// Sync re-pushes an active customer's service to the router/RADIUS.
// Used as the idempotent no-op path when activating an already active
// customer.
func (s *Service) Sync(ctx context.Context, customerID int) error {
	_, err := s.client.Get(ctx, fmt.Sprintf("customers/sync/%d", customerID), nil)
	return err
}

// ActivePPPoEPackage returns the active PPPoE package, or the most
// recent PPPoE package when none is active, or nil.
func ActivePPPoEPackage(pkgs []Package) *Package {
	for i := range pkgs {
		if pkgs[i].IsPPPoE() && pkgs[i].Active() {
			return &pkgs[i]
		}
	}
	for i := range pkgs {
		if pkgs[i].IsPPPoE() {
			return &pkgs[i]
		}
	}
	return nil
}

// CustomerPackage pairs a customer with its selected PPPoE package.
type CustomerPackage struct {
	Customer Customer
	Package  *Package
}

// PPPoEPage fetches one page of PPPoE customers with their package
// details. Detail fetches fan out with bounded concurrency and the whole
// page is bounded by budget, so large result sets cannot blow the
// command latency.
func (s *Service) PPPoEPage(ctx context.Context, page int, includeInactive bool, concurrency int, budget time.Duration) ([]CustomerPackage, error) {
	if concurrency < 1 {
		concurrency = 10
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	customers, err := s.ListCustomers(ctx, "Active", page)
	if err != nil {
		return nil, err
	}
	if includeInactive {
		inactive, err := s.ListCustomers(ctx, "Inactive", page)
		if err != nil {
			return nil, err
		}
		customers = append(customers, inactive...)
	}

	var ids []int
	for _, c := range customers {
		if strings.EqualFold(c.ServiceType, "PPPOE") && c.ID != 0 {
			ids = append(ids, c.ID)
		}
	}

	results := make([]CustomerPackage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			view, err := s.CustomerDetail(gctx, id)
			if err != nil {
				// A single missing detail must not sink the page.
				if backend.IsNotFound(err) {
					return nil
				}
				return err
			}
			results[i] = CustomerPackage{
				Customer: view.Customer,
				Package:  ActivePPPoEPackage(view.Packages),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if r.Customer.Username != "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Customer.Username) < strings.ToLower(out[j].Customer.Username)
	})
	return out, nil
}
