package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotconsole/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/api/", Token: "secret", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "  "})
	assert.Error(t, err)
}

func TestListDevicesEnvelopes(t *testing.T) {
	bodies := []string{
		`[{"deviceId":"a"},{"_id":"b"}]`,
		`{"ok":true,"devices":[{"deviceId":"a"},{"_id":"b"}]}`,
	}

	for _, body := range bodies {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/devices", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			io.WriteString(w, body)
		})

		devices, err := c.ListDevices(context.Background())
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, "a", devices[0].ID)
		assert.Equal(t, "b", devices[1].ID)
	}
}

func TestGetDeviceUnwrapsEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices/wrapped":
			io.WriteString(w, `{"device":{"deviceId":"wrapped"}}`)
		case "/api/devices/bare":
			io.WriteString(w, `{"deviceId":"bare"}`)
		default:
			io.WriteString(w, `null`)
		}
	})

	d, err := c.GetDevice(context.Background(), "wrapped")
	require.NoError(t, err)
	assert.Equal(t, "wrapped", d.ID)

	d, err = c.GetDevice(context.Background(), "bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", d.ID)

	_, err = c.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestGetTelemetry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/telemetry", r.URL.Path)
		assert.Equal(t, "10000", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"items":[{"ts":1,"temp":20.5},{"ts":2,"nested":{"a":1}}]}`)
	})

	rows, err := c.GetTelemetry(context.Background(), "dev-1", 10000)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 20.5, rows[0].Fields["temp"].Num)
	_, ok := rows[1].Field("nested")
	assert.False(t, ok)
}

func TestSendControlBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/devices/dev-1/control", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"actuators":{"pump":{"auto":false,"state":"ON","default":{"auto":false,"state":"ON"}}}}`, string(b))
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.SendControl(context.Background(), "dev-1", models.ControlRequest{
		Actuators: map[string]models.ActuatorCommand{"pump": models.NewActuatorCommand("", false, "ON")},
	})
	assert.NoError(t, err)
}

func TestErrorReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/devices/dev-1/control" {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"message":"device locked"}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.SendControl(context.Background(), "dev-1", models.ControlRequest{})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "device locked", apiErr.Message)

	_, err = c.ListDevices(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP 502", apiErr.Message)
}

func TestScheduleEndpoints(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodGet:
			io.WriteString(w, `{"schedules":[{"_id":"s1","name":"n","cron":"0 * * * * *","enabled":true}]}`)
		case r.Method == http.MethodPut && r.URL.Path == "/api/schedules/s2":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]any{"enabled": false}, body)
		}
	})
	ctx := context.Background()

	list, err := c.ListSchedules(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, "0 * * * * *", list[0].Trigger)

	require.NoError(t, c.CreateSchedule(ctx, "dev-1", list[0].Payload()))
	require.NoError(t, c.UpdateSchedule(ctx, "s1", list[0].Payload()))
	require.NoError(t, c.SetScheduleEnabled(ctx, "s2", false))
	require.NoError(t, c.DeleteSchedule(ctx, "s1"))

	assert.Equal(t, []string{
		"GET /api/schedules/devices/dev-1/schedules",
		"POST /api/schedules/devices/dev-1/schedules",
		"PUT /api/schedules/s1",
		"PUT /api/schedules/s2",
		"DELETE /api/schedules/s1",
	}, calls)
}
