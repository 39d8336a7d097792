package primitive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir string, desc Descriptor) {
	t.Helper()
	raw, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "primitive.json"), raw, 0o644))
}

func TestLoad_LocalDirectory(t *testing.T) {
	src := t.TempDir()
	writeManifest(t, src, Descriptor{
		QualifiedName: "gadgets/adder",
		Inputs:        []string{"a", "b"},
		Outputs:       []string{"sum"},
	})

	dst := filepath.Join(t.TempDir(), "dst")
	reg := NewRegistry()

	desc, err := reg.Load(context.Background(), src, dst)
	require.NoError(t, err)
	require.Equal(t, "gadgets/adder", desc.QualifiedName)
	require.Equal(t, []string{"a", "b"}, desc.Inputs)
	require.Equal(t, src, desc.SourceURL)

	got, ok := reg.Get("gadgets/adder")
	require.True(t, ok)
	require.Same(t, got, desc)
}

func TestLoad_ReplacesPriorDescriptorOnReload(t *testing.T) {
	src := t.TempDir()
	writeManifest(t, src, Descriptor{QualifiedName: "gadgets/adder", Inputs: []string{"a"}})

	reg := NewRegistry()
	_, err := reg.Load(context.Background(), src, filepath.Join(t.TempDir(), "dst1"))
	require.NoError(t, err)

	writeManifest(t, src, Descriptor{QualifiedName: "gadgets/adder", Inputs: []string{"a", "b"}})
	_, err = reg.Load(context.Background(), src, filepath.Join(t.TempDir(), "dst2"))
	require.NoError(t, err)

	got, ok := reg.Get("gadgets/adder")
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, got.Inputs)
}

func TestLoad_MissingManifest(t *testing.T) {
	src := t.TempDir()
	reg := NewRegistry()
	_, err := reg.Load(context.Background(), src, filepath.Join(t.TempDir(), "dst"))
	require.Error(t, err)
}

func TestList_SortedQualifiedNames(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"gadgets/zeta", "gadgets/alpha", "gadgets/mid"} {
		src := t.TempDir()
		writeManifest(t, src, Descriptor{QualifiedName: name})
		_, err := reg.Load(context.Background(), src, filepath.Join(t.TempDir(), "dst"))
		require.NoError(t, err)
	}

	require.Equal(t, []string{"gadgets/alpha", "gadgets/mid", "gadgets/zeta"}, reg.List())
}

func TestGet_UnknownQualifiedName(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Get("nope")
	require.False(t, ok)
}

func TestNewGadgetGroup_CarriesPortDescriptor(t *testing.T) {
	desc := &Descriptor{
		QualifiedName: "gadgets/adder",
		Inputs:        []string{"a", "b"},
		Outputs:       []string{"sum"},
	}

	group := NewGadgetGroup(desc, "adder-1", nil)
	require.Equal(t, "adder-1", group.Name)
	require.NotEmpty(t, group.ID)
	require.Nil(t, group.ParentId)
	require.NotNil(t, group.Primitive)
	require.Equal(t, "gadgets/adder", group.Primitive.QualifiedName)
	require.Equal(t, []string{"a", "b"}, group.Primitive.Inputs)
	require.Equal(t, []string{"sum"}, group.Primitive.Outputs)
}
