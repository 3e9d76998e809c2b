package decisions

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, s Store) *gin.Engine {
	t.Helper()
	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

type listResponse struct {
	Decisions  []Decision `json:"decisions"`
	Count      int        `json:"count"`
	NextCursor string     `json:"next_cursor"`
}

func TestListDecisions(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	r := setupRouter(t, s)

	w := get(r, "/v1/decisions?tenant=t1&scenario=payouts")
	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Count)
	assert.Empty(t, resp.NextCursor)
	assert.Equal(t, "d-3", resp.Decisions[0].ID)
	assert.Equal(t, "block", string(resp.Decisions[0].Verdict))

	w = get(r, "/v1/audit?verdict=hold-for-review")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "d-2", resp.Decisions[0].ID)
}

func TestListDecisions_Cursor(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	r := setupRouter(t, s)

	var seen []string
	path := "/v1/decisions?tenant=t1&scenario=payouts&limit=3"
	for i := 0; i < 3 && path != ""; i++ {
		w := get(r, path)
		require.Equal(t, http.StatusOK, w.Code)
		var resp listResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, d := range resp.Decisions {
			seen = append(seen, d.ID)
		}
		path = ""
		if resp.NextCursor != "" {
			path = "/v1/decisions?tenant=t1&scenario=payouts&limit=3&cursor=" + resp.NextCursor
		}
	}
	assert.Equal(t, []string{"d-3", "d-2", "d-1", "d-4"}, seen)
}

func TestListDecisions_DateRange(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	r := setupRouter(t, s)

	w := get(r, "/v1/decisions?tenant=t1&scenario=payouts&date_from=2026-05-01&date_to=2026-05-01")
	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count, "d-2 at 11:00 and d-3 at 12:00")

	w = get(r, "/v1/decisions?date_from=2026-05-01T11:30:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
}

func TestListDecisions_BadRequest(t *testing.T) {
	r := setupRouter(t, NewMemoryStore())
	for _, q := range []string{
		"limit=0", "limit=abc", "limit=1001", "verdict=maybe",
		"date_from=yesterday", "cursor=%21%21", "date_from=2026-05-02&date_to=2026-05-01",
	} {
		w := get(r, "/v1/decisions?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Contains(t, w.Body.String(), "invalid_request", q)
	}
}

func TestExportCSV(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	r := setupRouter(t, s)

	w := get(r, "/v1/decisions/export?format=csv&tenant=t1&scenario=payouts")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "d-3", records[1][0])
	assert.Equal(t, "400", records[1][5])
	assert.Equal(t, "block", records[1][9])
	assert.Equal(t, "R-CEIL", records[1][10])
	assert.Equal(t, "", records[3][10])
}

func TestExportJSON(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	r := setupRouter(t, s)

	w := get(r, "/v1/decisions/export?format=json")
	require.Equal(t, http.StatusOK, w.Code)
	var out []Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out, 6)

	w = get(r, "/v1/decisions/export?format=xml")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportPagesPastQueryLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < MaxQueryLimit+5; i++ {
		d := mk(fmt.Sprintf("d-%05d", i), "t1", "payouts", fmt.Sprintf("e-%d", i), "acct-1", 1, base, "allow")
		_, _, err := s.InsertIfAbsent(ctx, d)
		require.NoError(t, err)
	}

	n := 0
	require.NoError(t, Each(ctx, s, Filter{}, func(*Decision) error { n++; return nil }))
	assert.Equal(t, MaxQueryLimit+5, n)
}

func TestStatsEndpoint(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	r := setupRouter(t, s)

	w := get(r, "/v1/stats?tenant=t1&scenario=payouts")
	require.Equal(t, http.StatusOK, w.Code)
	var st struct {
		Total         int            `json:"total"`
		ByVerdict     map[string]int `json:"by_verdict"`
		BlockedAmount float64        `json:"blocked_amount"`
		Entities      int            `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.ByVerdict["block"])
	assert.Equal(t, float64(400), st.BlockedAmount)
	assert.Equal(t, 1, st.Entities)
}

// downStore fails every call the way an unreachable database does.
type downStore struct{ Store }

var errDown = fmt.Errorf("%w: dial tcp: connection refused", ErrPersistenceUnavailable)

func (downStore) Query(context.Context, Filter) ([]*Decision, error)   { return nil, errDown }
func (downStore) Stats(context.Context, string, string) (*Stats, error) { return nil, errDown }
func (downStore) Ping(context.Context) error                            { return errDown }

func TestHandlers_PersistenceUnavailable(t *testing.T) {
	r := setupRouter(t, downStore{})
	for _, path := range []string{"/v1/decisions", "/v1/stats", "/v1/decisions/export?format=csv"} {
		w := get(r, path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Contains(t, w.Body.String(), "persistence_unavailable", path)
	}
}
