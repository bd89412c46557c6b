package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(opensTotal.WithLabelValues("success"))
	RecordOpen("success", time.Now())
	if got := testutil.ToFloat64(opensTotal.WithLabelValues("success")); got != before+1 {
		t.Errorf("opens_total{success} = %v, want %v", got, before+1)
	}

	RecordJackpotIncrement(true)
	RecordJackpotIncrement(false)
	if testutil.ToFloat64(jackpotIncrements.WithLabelValues("false")) < 1 {
		t.Error("jackpot_increments_total{applied=false} not recorded")
	}

	SetFeedSubscribers(3)
	if got := testutil.ToFloat64(feedSubscribers); got != 3 {
		t.Errorf("feed_subscribers = %v, want 3", got)
	}
}

func TestHandler_ExposesRewardMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTP())
	r.GET("/metrics", Handler())
	RecordGuardTrigger("starter-crate")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `reward_guard_triggers_total{entry_id="starter-crate"}`) {
		t.Error("guard trigger counter missing from /metrics output")
	}
}
