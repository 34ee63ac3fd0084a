package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
	"github.com/codelaboratoryltd/opsbot/pkg/billing"
)

// fakeNuxBill is a minimal NuxBill API double routed by the "r" query
// parameter.
type fakeNuxBill struct {
	t          *testing.T
	routes     map[string]http.HandlerFunc
	loginCount int64
	callCount  int64
}

func newFakeNuxBill(t *testing.T) *fakeNuxBill {
	return &fakeNuxBill{t: t, routes: map[string]http.HandlerFunc{}}
}

func (f *fakeNuxBill) handle(route string, h http.HandlerFunc) {
	f.routes[route] = h
}

func (f *fakeNuxBill) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Query().Get("r")
	if route == "admin/post" {
		atomic.AddInt64(&f.loginCount, 1)
		writeJSON(w, map[string]any{
			"success": true,
			"result":  map[string]any{"token": fmt.Sprintf("admin.sess.%d.sig", time.Now().Unix())},
		})
		return
	}
	atomic.AddInt64(&f.callCount, 1)
	if h, ok := f.routes[route]; ok {
		h(w, r)
		return
	}
	f.t.Errorf("unexpected route %q", route)
	w.WriteHeader(http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newService(t *testing.T, fake *fakeNuxBill) *billing.Service {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := billing.NewClient(billing.ClientConfig{
		APIURL:   srv.URL,
		Username: "admin",
		Password: "secret",
		Retry:    backend.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)
	return billing.NewService(client, zap.NewNop())
}

func TestService_FindCustomer(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("customers/viewu/alice", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"success": true,
			"result": map[string]any{
				"d": map[string]any{
					"id": "17", "username": "alice", "fullname": "Alice A",
					"status": "Active", "service_type": "PPPoE", "pppoe_username": "alice@pppoe",
				},
				"packages": []map[string]any{
					{"id": 1, "plan_id": 5, "type": "PPPOE", "namebp": "10M", "status": "off"},
					{"id": 2, "plan_id": 6, "type": "PPPOE", "namebp": "20M", "status": "on"},
				},
			},
		})
	})

	view, err := newService(t, fake).FindCustomer(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, 17, view.Customer.ID)
	assert.Equal(t, billing.StatusActive, view.Customer.Status)
	assert.Equal(t, "alice@pppoe", view.Customer.PPPoEUsername)

	// Packages come back newest first.
	require.Len(t, view.Packages, 2)
	assert.Equal(t, 2, view.Packages[0].ID)

	pkg := billing.ActivePPPoEPackage(view.Packages)
	require.NotNil(t, pkg)
	assert.Equal(t, "20M", pkg.Name)
}

func TestService_FindCustomer_NotFound(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("customers/viewu/ghost", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "message": "Customer not found"})
	})

	_, err := newService(t, fake).FindCustomer(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err), "missing customer must classify as not_found, got %v", err)
}

func TestService_TransientRetryThenSuccess(t *testing.T) {
	fake := newFakeNuxBill(t)
	var attempts int64
	fake.handle("customers/viewu/alice", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{
			"success": true,
			"result":  map[string]any{"d": map[string]any{"id": 1, "username": "alice", "status": "Active"}},
		})
	})

	view, err := newService(t, fake).FindCustomer(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", view.Customer.Username)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestService_TransientRetryExhausted(t *testing.T) {
	fake := newFakeNuxBill(t)
	var attempts int64
	fake.handle("customers/viewu/alice", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := newService(t, fake).FindCustomer(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, backend.IsTransient(err))
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts), "exactly MaxAttempts calls")
}

func TestService_TokenReused(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("customers/sync/9", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("token"))
		writeJSON(w, map[string]any{"success": true})
	})

	svc := newService(t, fake)
	require.NoError(t, svc.Sync(context.Background(), 9))
	require.NoError(t, svc.Sync(context.Background(), 9))

	assert.Equal(t, int64(1), atomic.LoadInt64(&fake.loginCount), "token must be cached across calls")
}

func TestService_FindPlanBestMatch(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("services/pppoe", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"success": true,
			"result": map[string]any{"d": []map[string]any{
				{"id": 1, "name_plan": "Home 10M Promo", "type": "PPPOE", "is_radius": 1},
				{"id": 2, "name_plan": "Home 10M", "type": "PPPOE", "routers": "core-1"},
				{"id": 3, "name_plan": "Hotspot 10M", "type": "HOTSPOT"},
			}},
		})
	})

	svc := newService(t, fake)

	plan, err := svc.FindPlanBestMatch(context.Background(), "home 10m")
	require.NoError(t, err)
	assert.Equal(t, 2, plan.ID, "exact (case-insensitive) name wins")
	assert.Equal(t, "core-1", plan.ServerName())

	plan, err = svc.FindPlanBestMatch(context.Background(), "10m promo")
	require.NoError(t, err)
	assert.Equal(t, 1, plan.ID)
	assert.Equal(t, "radius", plan.ServerName(), "radius plans recharge against the radius server")
}

func TestService_FindPlanBestMatch_NoPlans(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("services/pppoe", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "result": map[string]any{"d": []map[string]any{}}})
	})

	_, err := newService(t, fake).FindPlanBestMatch(context.Background(), "nothing")
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestService_RechargeSendsForm(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("plan/recharge-post", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "17", r.PostForm.Get("id_customer"))
		assert.Equal(t, "5", r.PostForm.Get("plan"))
		assert.Equal(t, "radius", r.PostForm.Get("server"))
		assert.Equal(t, "zero", r.PostForm.Get("using"))
		writeJSON(w, map[string]any{"success": true})
	})

	svc := newService(t, fake)
	err := svc.Recharge(context.Background(), 17, billing.Plan{ID: 5, Name: "10M", IsRadius: true}, "zero")
	require.NoError(t, err)
}

func TestService_PPPoEPage(t *testing.T) {
	fake := newFakeNuxBill(t)
	fake.handle("customers", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("p"))
		if q.Get("filter") == "Active" {
			writeJSON(w, map[string]any{"success": true, "result": map[string]any{"d": []map[string]any{
				{"id": 1, "username": "bob", "status": "Active", "service_type": "PPPoE"},
				{"id": 2, "username": "zoe", "status": "Active", "service_type": "Hotspot"},
			}}})
			return
		}
		writeJSON(w, map[string]any{"success": true, "result": map[string]any{"d": []map[string]any{
			{"id": 3, "username": "alice", "status": "Inactive", "service_type": "PPPoE"},
		}}})
	})
	for _, id := range []int{1, 3} {
		route := fmt.Sprintf("customers/view/%d/activation", id)
		fake.handle(route, func(w http.ResponseWriter, r *http.Request) {
			name := map[string]string{
				"customers/view/1/activation": "bob",
				"customers/view/3/activation": "alice",
			}[r.URL.Query().Get("r")]
			writeJSON(w, map[string]any{"success": true, "result": map[string]any{
				"d":        map[string]any{"id": 1, "username": name, "status": "Active", "service_type": "PPPoE"},
				"packages": []map[string]any{{"id": 1, "plan_id": 2, "type": "PPPOE", "namebp": "10M", "status": "on"}},
			}})
		})
	}

	page, err := newService(t, fake).PPPoEPage(context.Background(), 1, true, 4, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, page, 2)

	// Sorted by username; hotspot customer filtered out.
	assert.Equal(t, "alice", page[0].Customer.Username)
	assert.Equal(t, "bob", page[1].Customer.Username)
	require.NotNil(t, page[0].Package)
	assert.Equal(t, "10M", page[0].Package.Name)
}
