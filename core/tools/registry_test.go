package tools

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/core/tools/policy"
	"goa.design/agentcore/coreerrors"
)

func descriptor(namespace, shortName string, tags ...string) *Descriptor {
	return &Descriptor{Namespace: namespace, ShortName: shortName, Tags: tags}
}

func TestRegister_FullNameIsNamespaceDotShortName(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("search", "lookup")))

	d, ok := reg.Get("search.lookup")
	require.True(t, ok)
	require.Equal(t, "search.lookup", d.FullName())
}

func TestResolveShort_PrefersBuiltinOverOtherNamespaces(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("zzz", "lookup")))
	require.NoError(t, reg.Register(descriptor("builtin", "lookup")))

	d, ok := reg.ResolveShort("lookup")
	require.True(t, ok)
	require.Equal(t, "builtin", d.Namespace)
}

func TestResolveShort_FallsBackToNamespaceLexicalOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("zzz", "lookup")))
	require.NoError(t, reg.Register(descriptor("aaa", "lookup")))

	d, ok := reg.ResolveShort("lookup")
	require.True(t, ok)
	require.Equal(t, "aaa", d.Namespace)
}

func TestResolveTools_UnknownNameReturnsNotDeclared(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.ResolveTools([]string{"missing.tool"}, policy.AllowAll{})

	require.Error(t, err)
	ce := coreerrors.FromError(err)
	require.Equal(t, coreerrors.CodeToolNotDeclared, ce.Code)
}

func TestResolveTools_AllowAllResolvesEveryRequestedTool(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("search", "lookup")))
	require.NoError(t, reg.Register(descriptor("search", "scrape")))

	resolved, err := reg.ResolveTools([]string{"search.lookup", "search.scrape"}, policy.AllowAll{})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
}

func TestResolveTools_BasicPolicyBlocksDisallowedTags(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(descriptor("search", "lookup", "safe")))
	require.NoError(t, reg.Register(descriptor("search", "shell", "dangerous")))

	eng := policy.NewBasic(policy.Options{BlockTags: []string{"dangerous"}})
	resolved, err := reg.ResolveTools([]string{"search.lookup", "search.shell"}, eng)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, "search.lookup", resolved[0].FullName())
}
