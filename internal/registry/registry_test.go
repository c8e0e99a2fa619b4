package registry

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcal/internal/model"
)

func newRegistry(t *testing.T, sources ...model.CalendarSource) *Registry {
	t.Helper()
	r, err := New(sources...)
	require.NoError(t, err)
	return r
}

func TestAddGeneratesUIDAndDefaults(t *testing.T) {
	r := newRegistry(t)

	src, err := r.Add(model.CalendarSource{URL: " https://dav.example.com/cal/ ", Name: "Work"})
	require.NoError(t, err)

	_, err = uuid.Parse(src.UID)
	assert.NoError(t, err)
	assert.Equal(t, "https://dav.example.com/cal/", src.URL)
	assert.Equal(t, model.KindCalDAV, src.Kind)

	got, err := r.Get(src.UID)
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestAddRejectsInvalidSources(t *testing.T) {
	r := newRegistry(t, model.CalendarSource{UID: "a", URL: "https://a.example.com/"})

	tests := []struct {
		name string
		src  model.CalendarSource
		want error
	}{
		{"missing url", model.CalendarSource{Name: "x"}, ErrInvalidSource},
		{"relative url", model.CalendarSource{URL: "/cal/"}, ErrInvalidSource},
		{"unknown type", model.CalendarSource{URL: "https://x/", Kind: "webdav"}, ErrInvalidSource},
		{"duplicate uid", model.CalendarSource{UID: "a", URL: "https://x/"}, ErrDuplicateUID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Add(tt.src)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Len(t, r.List(), 1)
}

func TestUpdateAndRemove(t *testing.T) {
	r := newRegistry(t,
		model.CalendarSource{UID: "a", URL: "https://a.example.com/"},
		model.CalendarSource{UID: "b", URL: "https://b.example.com/"},
	)

	err := r.Update(model.CalendarSource{UID: "a", URL: "https://a.example.com/", Enabled: mo.Some(false)})
	require.NoError(t, err)
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.False(t, got.IsEnabled())

	assert.ErrorIs(t, r.Update(model.CalendarSource{UID: "zz", URL: "https://z/"}), ErrNotFound)

	require.NoError(t, r.Remove("a"))
	_, err = r.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Remove("a"), ErrNotFound)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].UID)
}

func TestObserversReceiveSnapshots(t *testing.T) {
	r := newRegistry(t)

	var calls [][]model.CalendarSource
	r.OnChange(func(s []model.CalendarSource) { calls = append(calls, s) })

	src, err := r.Add(model.CalendarSource{URL: "https://a.example.com/"})
	require.NoError(t, err)
	require.NoError(t, r.Remove(src.UID))

	require.Len(t, calls, 2)
	assert.Len(t, calls[0], 1)
	assert.Empty(t, calls[1])

	// Failed mutations do not notify.
	_, _ = r.Add(model.CalendarSource{})
	assert.Len(t, calls, 2)
}

func TestImportExportRoundTrip(t *testing.T) {
	r := newRegistry(t)
	input := `[
		{"uid":"a","url":"https://a.example.com/","name":"A","enabled":false,"useProxy":true},
		{"url":"https://b.example.com/feed.ics","name":"B","type":"ics"}
	]`
	require.NoError(t, r.Import(strings.NewReader(input)))

	list := r.List()
	require.Len(t, list, 2)
	assert.False(t, list[0].IsEnabled())
	assert.True(t, list[0].UseProxy)
	assert.Equal(t, model.KindICS, list[1].Kind)
	assert.NotEmpty(t, list[1].UID)

	var buf bytes.Buffer
	require.NoError(t, r.Export(&buf))

	other := newRegistry(t)
	require.NoError(t, other.Import(&buf))
	assert.Equal(t, list, other.List())
}

func TestImportRejectsMalformedInput(t *testing.T) {
	r := newRegistry(t, model.CalendarSource{UID: "keep", URL: "https://a.example.com/"})

	assert.Error(t, r.Import(strings.NewReader(`{"not":"an array"}`)))
	assert.Error(t, r.Import(strings.NewReader(`[{"uid":"x","url":"https://x/"},{"uid":"x","url":"https://y/"}]`)))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "keep", list[0].UID)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sources.json")
	store := FileStore{Path: path}

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	r := newRegistry(t)
	r.OnChange(store.Observer())
	_, err = r.Add(model.CalendarSource{UID: "a", URL: "https://a.example.com/", Password: "secret"})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "secret", loaded[0].Password)

	_, err = FileStore{}.Load()
	assert.Error(t, err)
}
