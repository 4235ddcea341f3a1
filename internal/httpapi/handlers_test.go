package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"callengine/internal/launch"
)

type stubLauncher struct {
	res launch.Result
	err error

	gotUser, gotCampaign, gotBatch string
}

func (s *stubLauncher) Launch(_ context.Context, userID, campaignID, batchName string) (launch.Result, error) {
	s.gotUser, s.gotCampaign, s.gotBatch = userID, campaignID, batchName
	return s.res, s.err
}

func doLaunch(t *testing.T, launcher BatchLauncher, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Launcher: launcher}
	r.POST("/v1/batches/launch", h.LaunchBatch)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches/launch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const validBody = `{"user_id":"user-1","campaign_id":"camp-1","batch_name":"spring-promo"}`

func TestLaunchBatchOK(t *testing.T) {
	launcher := &stubLauncher{res: launch.Result{BatchName: "spring-promo", Dispatched: 3}}
	w := doLaunch(t, launcher, validBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if launcher.gotUser != "user-1" || launcher.gotCampaign != "camp-1" || launcher.gotBatch != "spring-promo" {
		t.Fatalf("launcher got %q %q %q", launcher.gotUser, launcher.gotCampaign, launcher.gotBatch)
	}
	if !strings.Contains(w.Body.String(), `"dispatched":3`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestLaunchBatchValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing fields", `{"user_id":"user-1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doLaunch(t, &stubLauncher{}, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
		})
	}
}

func TestLaunchBatchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{launch.ErrBatchNotFound, http.StatusNotFound},
		{launch.ErrNoIntegration, http.StatusBadRequest},
		{launch.ErrBatchAlreadyLaunched, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := doLaunch(t, &stubLauncher{err: tc.err}, validBody)
		if w.Code != tc.want {
			t.Fatalf("err %v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
