package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chen-yuxuan/jina/pkg/types"
)

// tagging returns a handler that replaces the batch with one document
// carrying the given text.
func tagging(text string) HandlerFunc {
	return func(_ context.Context, _ []*types.Document, _ map[string]interface{}) ([]*types.Document, error) {
		return []*types.Document{{Text: text}}, nil
	}
}

func taggingSpec() Spec {
	return Spec{
		Name: "TaggingExecutor",
		Handlers: map[string]HandlerFunc{
			"foo":    tagging("foo"),
			"bar":    tagging("bar"),
			"foobar": tagging("foobar"),
		},
		Bindings: map[string][]string{
			"foobar": {"/1", "/2"},
		},
		Default: "foo",
	}
}

func TestEndpointResolution(t *testing.T) {
	exec, err := New(taggingSpec(), Options{
		Requests: map[string]string{"/index": "bar"},
	})
	require.NoError(t, err)

	tests := []struct {
		endpoint string
		expected string
	}{
		{endpoint: "/index", expected: "bar"},    // launch override wins
		{endpoint: "/1", expected: "foobar"},     // declared binding
		{endpoint: "/2", expected: "foobar"},     // declared binding
		{endpoint: "/default", expected: "foo"},  // explicit default endpoint
		{endpoint: "/anything", expected: "foo"}, // default handler catches the rest
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			docs, handled, err := exec.Process(context.Background(), tt.endpoint, nil, nil)
			require.NoError(t, err)
			assert.True(t, handled)
			require.Len(t, docs, 1)
			assert.Equal(t, tt.expected, docs[0].Text)
		})
	}
}

func TestNoHandlerNoDefaultPassesThrough(t *testing.T) {
	spec := taggingSpec()
	spec.Default = ""
	exec, err := New(spec, Options{})
	require.NoError(t, err)

	in := []*types.Document{{Text: "untouched"}}
	docs, handled, err := exec.Process(context.Background(), "/unbound", in, nil)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, in, docs)
}

func TestHandlerErrorKeepsDocs(t *testing.T) {
	boom := errors.New("boom")
	spec := Spec{
		Name: "FailingExecutor",
		Handlers: map[string]HandlerFunc{
			"fail": func(context.Context, []*types.Document, map[string]interface{}) ([]*types.Document, error) {
				return nil, boom
			},
		},
		Default: "fail",
	}
	exec, err := New(spec, Options{})
	require.NoError(t, err)

	in := []*types.Document{{Text: "original"}}
	docs, handled, err := exec.Process(context.Background(), "/x", in, nil)
	assert.ErrorIs(t, err, boom)
	assert.True(t, handled)
	assert.Equal(t, in, docs)
}

func TestInPlaceMutationKept(t *testing.T) {
	spec := Spec{
		Name: "MutatingExecutor",
		Handlers: map[string]HandlerFunc{
			"mutate": func(_ context.Context, docs []*types.Document, _ map[string]interface{}) ([]*types.Document, error) {
				for _, d := range docs {
					d.Text = "mutated"
				}
				return nil, nil
			},
		},
		Default: "mutate",
	}
	exec, err := New(spec, Options{})
	require.NoError(t, err)

	in := []*types.Document{{Text: "original"}}
	docs, _, err := exec.Process(context.Background(), "/x", in, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "mutated", docs[0].Text)
}

func TestNewRejectsUnknownHandlers(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		opts Options
	}{
		{
			name: "unknown bound handler",
			spec: Spec{
				Name:     "Bad",
				Handlers: map[string]HandlerFunc{"foo": tagging("foo")},
				Bindings: map[string][]string{"missing": {"/x"}},
			},
		},
		{
			name: "unknown default",
			spec: Spec{
				Name:     "Bad",
				Handlers: map[string]HandlerFunc{"foo": tagging("foo")},
				Default:  "missing",
			},
		},
		{
			name: "unknown override target",
			spec: Spec{
				Name:     "Bad",
				Handlers: map[string]HandlerFunc{"foo": tagging("foo")},
				Default:  "foo",
			},
			opts: Options{Requests: map[string]string{"/x": "missing"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestMetasNameOverride(t *testing.T) {
	exec, err := New(taggingSpec(), Options{
		Metas: map[string]interface{}{"name": "renamed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", exec.Name())
}

func TestBuildRegistered(t *testing.T) {
	spec, err := Build("BaseExecutor", nil)
	require.NoError(t, err)
	assert.Equal(t, "BaseExecutor", spec.Name)

	_, err = Build("NoSuchExecutor", nil)
	assert.Error(t, err)
}

func TestResolveManifestWithOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "executor.yml")
	manifest := `
jtype: BaseExecutor
with:
  greeting: hello
  keep: manifest
metas:
  name: from-manifest
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	exec, err := Resolve(path, Options{
		With:  map[string]interface{}{"greeting": "overridden"},
		Metas: map[string]interface{}{"name": "from-flags"},
	})
	require.NoError(t, err)

	// Flag values win key by key; untouched manifest keys survive.
	assert.Equal(t, "overridden", exec.InitParameters()["greeting"])
	assert.Equal(t, "manifest", exec.InitParameters()["keep"])
	assert.Equal(t, "from-flags", exec.Name())
}

func TestResolveByTypeName(t *testing.T) {
	exec, err := Resolve("BaseExecutor", Options{})
	require.NoError(t, err)

	in := []*types.Document{{Text: "hello"}}
	docs, handled, err := exec.Process(context.Background(), "/any", in, nil)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, in, docs)
}
