// Package caldav is the wire transport for CalDAV collections. It fetches
// raw calendar objects for a time range and writes single objects back.
package caldav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	appLog "webcal/internal/log"
	"webcal/internal/model"
)

const defaultTimeout = 30 * time.Second

// Client talks CalDAV to arbitrary collections. Locators are absolute
// URLs; credentials arrive per call as ready-made headers.
type Client struct {
	base    http.RoundTripper
	timeout time.Duration
}

// NewClient creates a Client. A nil transport uses http.DefaultTransport.
func NewClient(transport http.RoundTripper, timeout time.Duration) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: transport, timeout: timeout}
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, vs := range t.headers {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	return t.base.RoundTrip(req)
}

// connect builds a caldav client rooted at the scheme and host of locator
// and returns it together with the locator path.
func (c *Client) connect(locator string, auth http.Header) (*caldav.Client, *url.URL, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("caldav: invalid locator %q", locator)
	}

	httpClient := &http.Client{
		Transport: &headerTransport{base: c.base, headers: auth},
		Timeout:   c.timeout,
	}
	endpoint := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host, Path: "/"}
	client, err := caldav.NewClient(httpClient, endpoint.String())
	if err != nil {
		return nil, nil, fmt.Errorf("caldav: connect: %w", err)
	}
	return client, u, nil
}

// FetchObjects runs a calendar-query REPORT for VEVENTs overlapping w and
// returns every object as raw text with its absolute locator.
func (c *Client) FetchObjects(ctx context.Context, locator string, w model.Window, auth http.Header) ([]model.RawResource, error) {
	client, u, err := c.connect(locator, auth)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: w.Start.UTC(),
					End:   w.End.UTC(),
				},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, collectionPath(u), query)
	if err != nil {
		return nil, fmt.Errorf("caldav: query calendar: %w", err)
	}

	out := make([]model.RawResource, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(obj.Data); err != nil {
			appLog.Warn("caldav: skipping object that cannot be encoded", "path", obj.Path, "err", err)
			continue
		}
		ref := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host, Path: obj.Path}
		out = append(out, model.RawResource{Locator: ref.String(), Data: buf.String()})
	}
	return out, nil
}

// CreateObject stores data as filename under the collection.
func (c *Client) CreateObject(ctx context.Context, collection, filename, data string, auth http.Header) error {
	u, err := url.Parse(collection)
	if err != nil {
		return fmt.Errorf("caldav: invalid collection %q", collection)
	}
	target := *u
	target.Path = collectionPath(u) + filename
	target.RawPath = ""
	return c.put(ctx, target.String(), data, auth)
}

// UpdateObject replaces the object at locator.
func (c *Client) UpdateObject(ctx context.Context, locator, data string, auth http.Header) error {
	return c.put(ctx, locator, data, auth)
}

func (c *Client) put(ctx context.Context, locator, data string, auth http.Header) error {
	client, u, err := c.connect(locator, auth)
	if err != nil {
		return err
	}
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return fmt.Errorf("caldav: decode object: %w", err)
	}
	if _, err := client.PutCalendarObject(ctx, u.Path, cal); err != nil {
		return fmt.Errorf("caldav: put object: %w", err)
	}
	return nil
}

// DeleteObject removes the object at locator.
func (c *Client) DeleteObject(ctx context.Context, locator string, auth http.Header) error {
	client, u, err := c.connect(locator, auth)
	if err != nil {
		return err
	}
	if err := client.RemoveAll(ctx, u.Path); err != nil {
		return fmt.Errorf("caldav: delete object: %w", err)
	}
	return nil
}

// collectionPath returns the absolute path of a collection with a
// trailing slash.
func collectionPath(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
