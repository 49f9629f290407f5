package procgrid

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, inv ProcedureInvoker) *httptest.Server {
	t.Helper()
	h := NewHandler(newTestEngine(t, inv), nil, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleQueryGet(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{totalRows: 100, reportTotal: true})

	req, _ := http.NewRequest(http.MethodGet,
		srv.URL+"/api/grid/query?procedureName=personnel_list&pageNumber=2&pageSize=15", nil)
	req.Header.Set("X-Roles", "hr")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.StatusCode)
	}

	var resp GridResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if len(resp.Rows) != 15 || resp.TotalPages != 7 {
		t.Errorf("Unexpected page: %d rows, %d pages", len(resp.Rows), resp.TotalPages)
	}
}

func TestHandleQueryGetWithFilterJson(t *testing.T) {
	inv := &fakeInvoker{totalRows: 5, reportTotal: true}
	srv := newTestServer(t, inv)

	url := srv.URL + "/api/grid/query?procedureName=personnel_list&pageNumber=1" +
		"&filterJson=" + `%7B%22name%22%3A%7B%22operator%22%3A%22contains%22%2C%22value%22%3A%22jo%22%7D%7D`
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Roles", "hr")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.StatusCode)
	}
	if !strings.Contains(inv.lastParams.FilterJSON, "jo") {
		t.Errorf("Filter from query string was not forwarded: %q", inv.lastParams.FilterJSON)
	}
}

func TestHandleQueryPost(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{totalRows: 42})

	body := `{"procedureName":"personnel_list","startRow":0,"endRow":50}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/grid/query", strings.NewReader(body))
	req.Header.Set("X-Roles", "hr")
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer res.Body.Close()

	var resp GridResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if len(resp.Rows) != 42 || resp.LastRow == nil || *resp.LastRow != 42 {
		t.Errorf("Unexpected row-range response: %d rows, lastRow %v", len(resp.Rows), resp.LastRow)
	}
}

func TestHandleQueryErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{})

	cases := []struct {
		name       string
		url        string
		roles      string
		wantStatus int
		wantCode   string
	}{
		{"unknown procedure", "/api/grid/query?procedureName=nope&pageNumber=1", "hr", http.StatusNotFound, CodeNotFound},
		{"forbidden", "/api/grid/query?procedureName=personnel_list&pageNumber=1", "viewer", http.StatusForbidden, CodeForbidden},
		{"bad paging", "/api/grid/query?procedureName=personnel_list", "hr", http.StatusBadRequest, CodeValidation},
		{"bad int", "/api/grid/query?procedureName=personnel_list&pageNumber=two", "hr", http.StatusBadRequest, CodeValidation},
	}

	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.url, nil)
		req.Header.Set("X-Roles", tc.roles)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request failed: %v", tc.name, err)
		}
		var env errorEnvelope
		if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
			t.Fatalf("%s: bad error body: %v", tc.name, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tc.name, tc.wantStatus, res.StatusCode)
		}
		if env.Error.Code != tc.wantCode {
			t.Errorf("%s: expected code %s, got %s", tc.name, tc.wantCode, env.Error.Code)
		}
		if env.Error.Message == "" {
			t.Errorf("%s: error message missing", tc.name)
		}
	}
}

func TestHandleRowsUpdateConflict(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{updateResult: nil})

	body := `{"procedureName":"personnel_list","rowId":99,"changes":{"name":"x"}}`
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/grid/rows", strings.NewReader(body))
	req.Header.Set("X-Roles", "hr")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", res.StatusCode)
	}

	var resp mutationResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("Bad body: %v", err)
	}
	if resp.Success {
		t.Errorf("Conflict must not report success")
	}
	if resp.ErrorCode != CodeConflict {
		t.Errorf("Expected errorCode CONFLICT, got %s", resp.ErrorCode)
	}
	if resp.RowsAffected == nil || *resp.RowsAffected != 0 {
		t.Errorf("Expected rowsAffected 0, got %v", resp.RowsAffected)
	}
}

func TestHandleRowsCreate(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{insertResult: Row{"id": int64(1), "name": "new"}})

	body := `{"procedureName":"personnel_list","fieldValues":{"name":"new"}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/grid/rows", strings.NewReader(body))
	req.Header.Set("X-Roles", "hr")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", res.StatusCode)
	}

	var resp mutationResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("Bad body: %v", err)
	}
	if !resp.Success || resp.CreatedRow["name"] != "new" {
		t.Errorf("Unexpected create response %+v", resp)
	}
}

func TestHandleProcedures(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/grid/procedures", nil)
	req.Header.Set("X-Roles", "hr")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer res.Body.Close()

	var resp struct {
		Procedures []ProcedureInfo `json:"procedures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("Bad body: %v", err)
	}
	if len(resp.Procedures) != 2 {
		t.Errorf("Expected personnel_list and project_list for hr, got %+v", resp.Procedures)
	}
}

func TestHandleColumnStateRequiresIdentity(t *testing.T) {
	srv := newTestServer(t, &fakeInvoker{})

	req, _ := http.NewRequest(http.MethodGet,
		srv.URL+"/api/grid/column-state?procedureName=personnel_list", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without X-User-Id, got %d", res.StatusCode)
	}
}

func TestCallerRoles(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://x/", nil)
	r.Header.Set("X-Roles", " hr , admin ,")
	roles := callerRoles(r)
	if len(roles) != 2 || roles[0] != "hr" || roles[1] != "admin" {
		t.Errorf("Unexpected roles %v", roles)
	}
}
