package cpe_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
	"github.com/codelaboratoryltd/opsbot/pkg/cpe"
)

type fakeACS struct {
	t       *testing.T
	devices []map[string]any
	tasks   []map[string]any
}

func (f *fakeACS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	require.True(f.t, ok)
	require.Equal(f.t, "acs", user)
	require.Equal(f.t, "secret", pass)

	if r.Method == http.MethodGet && r.URL.Path == "/devices" {
		var query map[string]string
		require.NoError(f.t, json.Unmarshal([]byte(r.URL.Query().Get("query")), &query))

		var matches []map[string]any
		for _, d := range f.devices {
			for path, want := range query {
				if deviceValue(d, path) == want {
					matches = append(matches, d)
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(matches)
		return
	}

	if r.Method == http.MethodPost {
		var task map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&task))
		task["device"], _ = url.PathUnescape(r.URL.Path[len("/devices/") : len(r.URL.Path)-len("/tasks")])
		f.tasks = append(f.tasks, task)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func deviceValue(doc map[string]any, path string) string {
	if path == "_id" {
		id, _ := doc["_id"].(string)
		return id
	}
	var cur any = doc
	for _, part := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return s
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return parts
}

func newCPEService(t *testing.T, fake *fakeACS) *cpe.Service {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := cpe.NewClient(cpe.ClientConfig{
		BaseURL:  srv.URL,
		Username: "acs",
		Password: "secret",
		Retry:    backend.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)
	return cpe.NewService(client, cpe.ServiceConfig{}, zap.NewNop())
}

func onu(id, pppoe, mgmtIP string) map[string]any {
	return map[string]any{
		"_id": id,
		"VirtualParameters": map[string]any{
			"pppoeUsername": map[string]any{"_value": pppoe},
			"IPTR069":       map[string]any{"_value": mgmtIP},
		},
	}
}

func TestService_ResolveDevice(t *testing.T) {
	fake := &fakeACS{t: t, devices: []map[string]any{onu("ZTE-1", "alice@pppoe", "10.0.0.5")}}
	svc := newCPEService(t, fake)

	ref, found, err := svc.ResolveDevice(context.Background(), "alice@pppoe")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ZTE-1", ref.ID)
}

func TestService_ResolveDevice_AbsenceIsNotAnError(t *testing.T) {
	fake := &fakeACS{t: t}
	svc := newCPEService(t, fake)

	_, found, err := svc.ResolveDevice(context.Background(), "nobody@pppoe")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_ResolveDevice_EmptyUsername(t *testing.T) {
	fake := &fakeACS{t: t}
	svc := newCPEService(t, fake)

	_, found, err := svc.ResolveDevice(context.Background(), "  ")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_ManagementAddress(t *testing.T) {
	fake := &fakeACS{t: t, devices: []map[string]any{onu("ZTE-1", "alice@pppoe", "10.0.0.5")}}
	svc := newCPEService(t, fake)

	addr, err := svc.ManagementAddress(context.Background(), cpe.DeviceRef{ID: "ZTE-1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", addr)
}

func TestService_VirtualParam_Missing(t *testing.T) {
	fake := &fakeACS{t: t, devices: []map[string]any{onu("ZTE-1", "alice@pppoe", "")}}
	svc := newCPEService(t, fake)

	_, err := svc.ManagementAddress(context.Background(), cpe.DeviceRef{ID: "ZTE-1"})
	require.Error(t, err)
	assert.True(t, backend.IsNotFound(err))
}

func TestService_SetWifiSSID_SubmitsTask(t *testing.T) {
	fake := &fakeACS{t: t, devices: []map[string]any{onu("ZTE-1", "alice@pppoe", "10.0.0.5")}}
	svc := newCPEService(t, fake)

	err := svc.SetWifiSSID(context.Background(), cpe.DeviceRef{ID: "ZTE-1"}, "HomeNet")
	require.NoError(t, err)

	require.Len(t, fake.tasks, 1)
	task := fake.tasks[0]
	assert.Equal(t, "setParameterValues", task["name"])
	assert.Equal(t, "ZTE-1", task["device"])

	values := task["parameterValues"].([]any)
	require.Len(t, values, 1)
	row := values[0].([]any)
	assert.Equal(t, cpe.DefaultSSIDPath, row[0])
	assert.Equal(t, "HomeNet", row[1])
	assert.Equal(t, "xsd:string", row[2])
}
