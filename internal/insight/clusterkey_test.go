package insight

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKeyPart(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"API Gateway", "api-gateway"},
		{"  Hello World::X ", "hello-world-x"},
		{"a:b", "a-b"},
		{"a/b c", "ab-c"},
		{"v1.2_beta", "v1.2_beta"},
		{"!!!", ""},
		{"", ""},
		{strings.Repeat("a", 100), strings.Repeat("a", 64)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeKeyPart(tt.in), "input %q", tt.in)
	}
}

func TestClusterKey_RoundTrip(t *testing.T) {
	key := ClusterKey{Stage: "build", Family: "deployment", Unit: "api"}
	assert.Equal(t, "build::deployment::api", key.String())

	parsed, err := ParseClusterKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	for _, bad := range []string{"", "a::b", "a::b::c::d", "a::::c"} {
		_, err := ParseClusterKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestExtractor_Extract(t *testing.T) {
	e := NewExtractor(nil)

	tests := []struct {
		name string
		r    *reflection.Reflection
		want ClusterKey
	}{
		{
			name: "explicit tags",
			r: &reflection.Reflection{
				Pain: "whatever",
				Tags: []string{"stage:Build", "family:Deploy Failure", "unit:API Gateway"},
			},
			want: ClusterKey{"build", "deploy-failure", "api-gateway"},
		},
		{
			name: "first reserved value wins",
			r: &reflection.Reflection{
				Pain: "slow page",
				Tags: []string{"unit:first", "unit:second"},
			},
			want: ClusterKey{UnknownPart, "performance", "first"},
		},
		{
			name: "topic signature",
			r:    &reflection.Reflection{Pain: "The checkout page is slow"},
			want: ClusterKey{UnknownPart, "performance", "topic-checkout-page-slow"},
		},
		{
			name: "specific tag beats team",
			r:    &reflection.Reflection{Pain: "x", Tags: []string{"bug", "Payments"}, TeamID: "core"},
			want: ClusterKey{UnknownPart, DefaultFamily, "payments"},
		},
		{
			name: "team beats topic",
			r:    &reflection.Reflection{Pain: "checkout page slow", Tags: []string{"bug"}, TeamID: "Core Team"},
			want: ClusterKey{UnknownPart, "performance", "core-team"},
		},
		{
			name: "team beats generic-only tags",
			r:    &reflection.Reflection{Pain: "it is", Tags: []string{"bug", "urgent"}, TeamID: "checkout"},
			want: ClusterKey{UnknownPart, DefaultFamily, "checkout"},
		},
		{
			name: "topic signature beats generic-only tags",
			r:    &reflection.Reflection{Pain: "checkout page slow", Tags: []string{"bug"}},
			want: ClusterKey{UnknownPart, "performance", "topic-checkout-page-slow"},
		},
		{
			name: "generic tag is last resort",
			r:    &reflection.Reflection{Pain: "???", Tags: []string{"bug"}},
			want: ClusterKey{UnknownPart, DefaultFamily, "bug"},
		},
		{
			name: "nothing to go on",
			r:    &reflection.Reflection{Pain: "it is"},
			want: ClusterKey{UnknownPart, DefaultFamily, UnknownPart},
		},
		{
			name: "empty reserved value is absent",
			r:    &reflection.Reflection{Pain: "x", Tags: []string{"unit:!!!", "family:"}, TeamID: "core"},
			want: ClusterKey{UnknownPart, DefaultFamily, "core"},
		},
		{
			name: "separator cannot leak into a part",
			r:    &reflection.Reflection{Pain: "x", Tags: []string{"unit:a::b", "stage:ci:cd"}},
			want: ClusterKey{"ci-cd", DefaultFamily, "a-b"},
		},
		{
			name: "team tag prefix is reserved",
			r:    &reflection.Reflection{Pain: "x", Tags: []string{"team:ops"}, TeamID: "core"},
			want: ClusterKey{UnknownPart, DefaultFamily, "core"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.r)
			assert.Equal(t, tt.want, got)

			parsed, err := ParseClusterKey(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, parsed)
		})
	}
}

func TestExtractor_Deterministic(t *testing.T) {
	e := NewExtractor(nil)
	r := &reflection.Reflection{Pain: "Login fails with 403 for new users", Tags: []string{"misc", "sso"}}

	first := e.Extract(r)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Extract(r))
	}
	assert.Equal(t, ClusterKey{UnknownPart, "access", "sso"}, first)
}

func TestExtractor_NilReflection(t *testing.T) {
	key := NewExtractor(nil).Extract(nil)
	assert.Equal(t, ClusterKey{UnknownPart, DefaultFamily, UnknownPart}, key)
}

type fixedClassifier string

func (f fixedClassifier) Classify(string) string { return string(f) }

func TestExtractor_CustomClassifier(t *testing.T) {
	e := NewExtractor(fixedClassifier("Billing Errors"))
	key := e.Extract(&reflection.Reflection{Pain: "slow", TeamID: "fin"})
	assert.Equal(t, "billing-errors", key.Family)

	e = NewExtractor(fixedClassifier("???"))
	key = e.Extract(&reflection.Reflection{Pain: "slow", TeamID: "fin"})
	assert.Equal(t, DefaultFamily, key.Family)
}
