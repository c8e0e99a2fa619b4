package caldav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcal/internal/model"
)

const objectICS = "BEGIN:VCALENDAR\n" +
	"VERSION:2.0\n" +
	"PRODID:-//test//test//EN\n" +
	"BEGIN:VEVENT\n" +
	"UID:e1\n" +
	"DTSTAMP:20240101T000000Z\n" +
	"DTSTART:20240110T090000Z\n" +
	"DTEND:20240110T100000Z\n" +
	"SUMMARY:Standup\n" +
	"END:VEVENT\n" +
	"END:VCALENDAR\n"

const multistatus = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/e1.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"1"</d:getetag>
        <d:getlastmodified>Mon, 01 Jan 2024 00:00:00 GMT</d:getlastmodified>
        <c:calendar-data>` + objectICS + `</c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

type recorded struct {
	method string
	path   string
	auth   string
	body   string
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(body)})
	s.mu.Unlock()

	switch r.Method {
	case "REPORT":
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, multistatus)
	case http.MethodPut:
		w.Header().Set("ETag", `"2"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeServer) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic YWxpY2U6cHc=")
	return h
}

func TestFetchObjects(t *testing.T) {
	srv := &fakeServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(nil, 5*time.Second)
	w := model.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	res, err := c.FetchObjects(context.Background(), ts.URL+"/cal/", w, authHeader())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ts.URL+"/cal/e1.ics", res[0].Locator)
	assert.Contains(t, res[0].Data, "UID:e1")
	assert.Contains(t, res[0].Data, "SUMMARY:Standup")

	req := srv.last()
	assert.Equal(t, "REPORT", req.method)
	assert.Equal(t, "/cal/", req.path)
	assert.Equal(t, "Basic YWxpY2U6cHc=", req.auth)
	assert.Contains(t, req.body, "time-range")
	assert.Contains(t, req.body, "20240101T000000Z")
}

func TestCreateUpdateDelete(t *testing.T) {
	srv := &fakeServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(nil, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, c.CreateObject(ctx, ts.URL+"/cal", "e1.ics", objectICS, authHeader()))
	req := srv.last()
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/cal/e1.ics", req.path)
	assert.Contains(t, req.body, "UID:e1")
	assert.Equal(t, "Basic YWxpY2U6cHc=", req.auth)

	require.NoError(t, c.UpdateObject(ctx, ts.URL+"/cal/e1.ics", objectICS, nil))
	req = srv.last()
	assert.Equal(t, http.MethodPut, req.method)
	assert.Empty(t, req.auth)

	require.NoError(t, c.DeleteObject(ctx, ts.URL+"/cal/e1.ics", authHeader()))
	req = srv.last()
	assert.Equal(t, http.MethodDelete, req.method)
	assert.Equal(t, "/cal/e1.ics", req.path)
}

func TestRejectsInvalidInput(t *testing.T) {
	c := NewClient(nil, time.Second)
	ctx := context.Background()

	_, err := c.FetchObjects(ctx, "/relative", model.Window{}, nil)
	assert.Error(t, err)
	assert.Error(t, c.UpdateObject(ctx, "http://127.0.0.1:1/x.ics", "not a calendar", nil))
	assert.Error(t, c.DeleteObject(ctx, "::", nil))
}

func TestHeaderTransportOverridesHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer ts.Close()

	client := &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: authHeader()}}
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer stale")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Basic YWxpY2U6cHc=", got.Get("Authorization"))
	assert.Equal(t, "Bearer stale", req.Header.Get("Authorization"))
}

func TestCollectionPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://h", "/"},
		{"https://h/cal", "/cal/"},
		{"https://h/cal/", "/cal/"},
		{"https://p/proxy/https://h/cal/", "/proxy/https://h/cal/"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, collectionPath(u), tt.in)
	}
	assert.True(t, strings.HasSuffix(collectionPath(&url.URL{}), "/"))
}
